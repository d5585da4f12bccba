package ssh

import (
	"io"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// ChannelTty lets tcell draw on an SSH session channel. The client's pty is
// already raw, so Start and Drain have nothing to do.
type ChannelTty struct {
	ch   io.ReadWriteCloser
	term string

	mu       sync.Mutex
	width    int
	height   int
	stopped  bool
	onResize func()
}

// NewChannelTty wraps ch. An empty term selects xterm-256color.
func NewChannelTty(ch io.ReadWriteCloser, term string, width, height int) *ChannelTty {
	if term == "" {
		term = "xterm-256color"
	}
	return &ChannelTty{ch: ch, term: term, width: width, height: height}
}

// Term returns the terminal type the client asked for.
func (t *ChannelTty) Term() string { return t.term }

func (t *ChannelTty) Start() error { return nil }
func (t *ChannelTty) Drain() error { return nil }

// Stop makes further reads return EOF. The channel stays open so the screen
// can still write its restore sequences.
func (t *ChannelTty) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

// Stopped reports whether Stop was called.
func (t *ChannelTty) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *ChannelTty) NotifyResize(cb func()) {
	t.mu.Lock()
	t.onResize = cb
	t.mu.Unlock()
}

func (t *ChannelTty) WindowSize() (tcell.WindowSize, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tcell.WindowSize{Width: t.width, Height: t.height}, nil
}

// Resize records a window-change request and notifies the screen.
func (t *ChannelTty) Resize(width, height int) {
	t.mu.Lock()
	t.width, t.height = width, height
	cb := t.onResize
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (t *ChannelTty) Read(b []byte) (int, error) {
	if t.Stopped() {
		return 0, io.EOF
	}
	n, err := t.ch.Read(b)
	if err != nil && t.Stopped() {
		return 0, io.EOF
	}
	return n, err
}

func (t *ChannelTty) Write(b []byte) (int, error) {
	return t.ch.Write(b)
}

// Close stops the tty and closes the channel.
func (t *ChannelTty) Close() error {
	t.Stop()
	return t.ch.Close()
}

var _ tcell.Tty = (*ChannelTty)(nil)
