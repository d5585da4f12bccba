package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scanlink/logging"
)

func TestDebugLogStore_Trim(t *testing.T) {
	s := newDebugStore(3)
	for i := 0; i < 5; i++ {
		s.Log("", "line %d", i)
	}
	msgs := s.GetMessages()
	if len(msgs) != 3 || s.Len() != 3 {
		t.Fatalf("kept %d messages", len(msgs))
	}
	if msgs[0].Message != "line 2" || msgs[2].Message != "line 4" {
		t.Errorf("kept %q .. %q", msgs[0].Message, msgs[2].Message)
	}

	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len after Clear = %d", s.Len())
	}
}

func TestDebugLogStore_Subscribe(t *testing.T) {
	s := newDebugStore(10)
	got := make(chan LogMessage, 1)
	id := s.Subscribe(func(m LogMessage) { got <- m })

	s.Log("MQTT", "connected to %s", "broker")
	select {
	case m := <-got:
		if m.Level != "MQTT" || m.Message != "connected to broker" {
			t.Errorf("got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	s.Unsubscribe(id)
	s.Log("", "after unsubscribe")
	select {
	case m := <-got:
		t.Errorf("unsubscribed listener got %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDebugLogStore_FileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	fl, err := logging.NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	s := newDebugStore(10)
	s.SetFileLogger(fl)
	s.Log("ERROR", "open [stub0] failed")
	s.Log("", "plain")
	fl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "ERROR: open stub0 failed") || !strings.Contains(text, "plain") {
		t.Errorf("file contents: %q", text)
	}
}

func TestFormatLogMessage(t *testing.T) {
	m := LogMessage{Timestamp: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC), Level: "SANE", Message: "mode [Gray]"}
	line := formatLogMessage(m)
	if !strings.Contains(line, "12:30:00.000") || !strings.Contains(line, "SANE:") {
		t.Errorf("line = %q", line)
	}
	if strings.Contains(line, "[Gray]") {
		t.Errorf("message brackets not escaped: %q", line)
	}
}
