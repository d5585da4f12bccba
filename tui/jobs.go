package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"scanlink/scanman"
)

// JobsTab lists scan jobs, newest first.
type JobsTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	tableBox  *tview.Flex
	detail    *tview.TextView
	buttonBar *tview.TextView
	jobs      []scanman.JobInfo
}

// NewJobsTab creates the jobs tab.
func NewJobsTab(app *App) *JobsTab {
	t := &JobsTab{app: app}
	t.setupUI()
	return t
}

func (t *JobsTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetSelectionChangedFunc(func(row, col int) { t.updateDetail() })
	t.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'x' {
			t.app.runOp("Cancel", "Cancel requested", t.app.engine.CancelScan)
			return nil
		}
		return event
	})

	t.tableBox = tview.NewFlex().SetDirection(tview.FlexRow)
	themedBox(t.tableBox.Box, "Jobs")
	t.tableBox.AddItem(t.table, 0, 1, true)

	t.detail = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)
	themedBox(t.detail.Box, "Job")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.tableBox, 0, 1, true).
		AddItem(t.detail, 6, 0, false)
}

// Refresh reloads the job list.
func (t *JobsTab) Refresh() {
	th := CurrentTheme
	jobs := t.app.engine.GetScanMgr().Jobs()
	// newest first
	t.jobs = make([]scanman.JobInfo, len(jobs))
	for i, j := range jobs {
		t.jobs[len(jobs)-1-i] = j
	}

	row, _ := t.table.GetSelection()
	t.table.Clear()
	setHeaders(t.table, "ID", "Device", "State", "Status", "Size", "Bytes", "Time")
	for i, j := range t.jobs {
		r := i + 1
		size := ""
		if j.Width > 0 {
			size = fmt.Sprintf("%dx%d", j.Width, j.Height)
		}
		t.table.SetCell(r, 0, tview.NewTableCell(j.ID).SetTextColor(th.TextDim))
		t.table.SetCell(r, 1, tview.NewTableCell(tview.Escape(j.Device)).SetTextColor(th.Text).SetExpansion(1))
		t.table.SetCell(r, 2, tview.NewTableCell(stateTag(j.State)))
		t.table.SetCell(r, 3, tview.NewTableCell(j.StatusName).SetTextColor(th.Text))
		t.table.SetCell(r, 4, tview.NewTableCell(size).SetTextColor(th.Text))
		t.table.SetCell(r, 5, tview.NewTableCell(formatBytes(j.Bytes)).SetTextColor(th.Text))
		t.table.SetCell(r, 6, tview.NewTableCell(formatDuration(j)).SetTextColor(th.TextDim))
	}
	if len(t.jobs) == 0 {
		t.table.SetCell(1, 1, tview.NewTableCell("no scans yet").SetTextColor(th.TextDim).SetSelectable(false))
	} else if row > 0 && row <= len(t.jobs) {
		t.table.Select(row, 0)
	}
	t.updateDetail()
}

func (t *JobsTab) updateDetail() {
	row, _ := t.table.GetSelection()
	if row <= 0 || row-1 >= len(t.jobs) {
		t.detail.SetText("")
		return
	}
	j := t.jobs[row-1]
	th := CurrentTheme
	text := fmt.Sprintf(" %sCreated:%s %s   %sFrames:%s %d\n", th.TagAccent, th.TagReset,
		j.Created.Format("2006-01-02 15:04:05"), th.TagAccent, th.TagReset, len(j.Frames))
	if j.Output != "" {
		text += fmt.Sprintf(" %sOutput:%s  %s\n", th.TagAccent, th.TagReset, tview.Escape(j.Output))
	}
	if j.Error != "" {
		text += fmt.Sprintf(" %sError:%s   %s\n", th.TagError, th.TagReset, tview.Escape(j.Error))
	}
	t.detail.SetText(text)
}

// GetPrimitive returns the main primitive for this tab.
func (t *JobsTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *JobsTab) GetFocusable() tview.Primitive {
	return t.table
}

func (t *JobsTab) updateButtonBar() {
	t.buttonBar.SetText(buttonBar("x", "cancel scan", "↑↓", "select"))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *JobsTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	t.tableBox.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.detail.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.detail.SetTextColor(th.Text)
	ApplyTableTheme(t.table)
	t.Refresh()
}
