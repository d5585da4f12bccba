package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FileLogger writes timestamped lines to a file, rotating it to "<path>.1"
// once it grows past maxSize bytes (0 disables rotation).
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	path    string
	file    *os.File
	size    int64
	maxSize int64
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger creates a file logger that appends to path without rotation.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewRotatingFileLogger(path, 0)
}

// NewRotatingFileLogger creates a file logger that rotates at maxSize bytes.
func NewRotatingFileLogger(path string, maxSize int64) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	var size int64
	if st, err := file.Stat(); err == nil {
		size = st.Size()
	}
	return &FileLogger{path: path, file: file, size: size, maxSize: maxSize}, nil
}

// Log writes a formatted message to the log file with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := time.Now().Format("2006-01-02 15:04:05.000") + " " + fmt.Sprintf(format, args...) + "\n"
	if l.maxSize > 0 && l.size+int64(len(line)) > l.maxSize && l.size > 0 {
		l.rotate()
	}
	n, _ := l.file.WriteString(line)
	l.size += int64(n)
}

// rotate moves the current file aside and opens a fresh one. Must hold l.mu.
func (l *FileLogger) rotate() {
	l.file.Close()
	os.Rename(l.path, l.path+".1")
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		// keep logging to the rotated file rather than dropping lines
		file, _ = os.OpenFile(l.path+".1", os.O_WRONLY|os.O_APPEND, 0644)
	}
	l.file = file
	l.size = 0
}

// Write implements io.Writer so the logger can back a log.Logger.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.Log("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
