package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// DebugTab displays the shared debug log store.
type DebugTab struct {
	app       *App
	flex      *tview.Flex
	logView   *tview.TextView
	statusBar *tview.TextView
	buttonBar *tview.TextView
	store     *DebugLogStore
	listener  DebugStoreListenerID
	shown     int
}

// NewDebugTab creates a new debug tab. New messages schedule a redraw.
func NewDebugTab(app *App, store *DebugLogStore) *DebugTab {
	t := &DebugTab{app: app, store: store}
	t.setupUI()
	t.listener = store.Subscribe(func(LogMessage) {
		app.QueueUpdateDraw(t.Refresh)
	})
	return t
}

func (t *DebugTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(CurrentTheme.Text)
	themedBox(t.logView.Box, "Debug Log")

	t.logView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c', 'C':
			t.Clear()
			return nil
		case 'G':
			t.logView.ScrollToEnd()
			return nil
		case 'g':
			t.logView.ScrollToBeginning()
			return nil
		}
		return event
	})

	t.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.logView, 0, 1, true).
		AddItem(t.statusBar, 1, 0, false)
	t.Refresh()
}

// levelTag returns the color tag for a message level.
func levelTag(level string) string {
	th := CurrentTheme
	switch level {
	case "ERROR":
		return th.TagError
	case "MQTT", "AMQP":
		return th.TagSuccess
	case "VALKEY", "KAFKA":
		return th.TagAccent
	case "SANE":
		return th.TagSecondary
	case "":
		return ""
	default:
		return th.TagPrimary
	}
}

// formatLogMessage renders one stored message as a tview line. Message text
// is escaped so brackets from devices or brokers are not read as tags.
func formatLogMessage(m LogMessage) string {
	th := CurrentTheme
	line := th.TagTextDim + m.Timestamp.Format("15:04:05.000") + th.TagReset + " "
	if m.Level != "" {
		line += levelTag(m.Level) + m.Level + ":" + th.TagReset + " "
	}
	return line + tview.Escape(m.Message)
}

// stripColorTags removes tview color tags like [red], [green], [-], etc.
func stripColorTags(s string) string {
	result := make([]byte, 0, len(s))
	inTag := false
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			inTag = true
			continue
		}
		if s[i] == ']' && inTag {
			inTag = false
			continue
		}
		if !inTag {
			result = append(result, s[i])
		}
	}
	return string(result)
}

// Clear clears the debug log.
func (t *DebugTab) Clear() {
	t.store.Clear()
	t.Refresh()
}

// GetPrimitive returns the main primitive for this tab.
func (t *DebugTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *DebugTab) GetFocusable() tview.Primitive {
	return t.logView
}

// Refresh redraws the log. Must be called from the UI goroutine.
func (t *DebugTab) Refresh() {
	msgs := t.store.GetMessages()
	if len(msgs) != t.shown || len(msgs) == 0 {
		var b strings.Builder
		for _, m := range msgs {
			b.WriteString(formatLogMessage(m))
			b.WriteByte('\n')
		}
		t.logView.SetText(b.String())
		t.logView.ScrollToEnd()
		t.shown = len(msgs)
	}
	t.statusBar.SetText(fmt.Sprintf(" %d log lines (max %d)", len(msgs), t.store.MaxLines()))
}

// Close detaches the tab from the store.
func (t *DebugTab) Close() {
	t.store.Unsubscribe(t.listener)
}

func (t *DebugTab) updateButtonBar() {
	t.buttonBar.SetText(buttonBar("c", "clear", "g", "top", "G", "bottom", "↑↓", "scroll"))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *DebugTab) RefreshTheme() {
	t.updateButtonBar()
	th := CurrentTheme
	t.logView.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.logView.SetTextColor(th.Text)
	t.statusBar.SetTextColor(th.Text)
	t.shown = -1
	t.Refresh()
}
