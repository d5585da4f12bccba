package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLogger_Filter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}

	logger.SetFilter("net")
	logger.Log("saned", "INIT reply status=GOOD")
	logger.Log("saned/data", "record 4096 bytes")
	logger.Log("mqtt", "should not appear")
	logger.LogTX("saned", []byte{0, 0, 0, 0})
	logger.Close()

	content, _ := os.ReadFile(path)
	str := string(content)
	for _, want := range []string{"INIT reply", "record 4096", "TX (4 bytes)", "Debug logging ended"} {
		if !strings.Contains(str, want) {
			t.Errorf("debug log missing %q", want)
		}
	}
	if strings.Contains(str, "should not appear") {
		t.Error("filtered protocol was logged")
	}
}

func TestDebugLogger_NilSafe(t *testing.T) {
	var l *DebugLogger
	l.Log("saned", "ignored")
	l.LogRX("saned", []byte{1})
	l.SetFilter("saned")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil logger = %v", err)
	}
}

func TestHexDump(t *testing.T) {
	got := hexDump([]byte("\x00\x00\x00\x02stub0\x00"))
	if !strings.HasPrefix(got, "    0000: 00 00 00 02 73 74 75 62  30 00") {
		t.Errorf("hexDump prefix = %q", got)
	}
	if !strings.HasSuffix(got, "....stub0.") {
		t.Errorf("hexDump ascii = %q", got)
	}
	if hexDump(nil) != "    (empty)" {
		t.Errorf("hexDump(nil) = %q", hexDump(nil))
	}
}

func TestKnownProtocols(t *testing.T) {
	protos := KnownProtocols()
	protos[0] = "changed"
	if KnownProtocols()[0] == "changed" {
		t.Error("KnownProtocols should return a copy")
	}
}
