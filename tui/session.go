package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"scanlink/sane"
	"scanlink/scanman"
)

// SessionTab shows the session state and the discovered devices.
type SessionTab struct {
	app       *App
	flex      *tview.Flex
	info      *tview.TextView
	table     *tview.Table
	tableBox  *tview.Flex
	buttonBar *tview.TextView
	devices   []sane.Device
}

// NewSessionTab creates the session tab.
func NewSessionTab(app *App) *SessionTab {
	t := &SessionTab{app: app}
	t.setupUI()
	return t
}

func (t *SessionTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.info = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)
	themedBox(t.info.Box, "Session")

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetInputCapture(t.handleKeys)
	t.table.SetSelectedFunc(func(row, col int) { t.openSelected() })

	t.tableBox = tview.NewFlex().SetDirection(tview.FlexRow)
	themedBox(t.tableBox.Box, "Devices")
	t.tableBox.AddItem(t.table, 0, 1, true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.info, 9, 0, false).
		AddItem(t.tableBox, 0, 1, true)
}

func (t *SessionTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'i':
		t.initialize()
		return nil
	case 'd':
		t.discover()
		return nil
	case 'c':
		t.closeDevice()
		return nil
	case 's':
		t.scan()
		return nil
	case 'x':
		t.app.runOp("Cancel", "Cancel requested", t.app.engine.CancelScan)
		return nil
	}
	return event
}

func (t *SessionTab) initialize() {
	t.app.runOp("Initialize", "Backend initialized", func(ctx context.Context) error {
		_, err := t.app.engine.GetScanMgr().Initialize(ctx)
		return err
	})
}

func (t *SessionTab) discover() {
	t.app.runOp("Discover", "Discovery finished", func(ctx context.Context) error {
		_, err := t.app.engine.Discover(ctx, false)
		return err
	})
}

func (t *SessionTab) openSelected() {
	row, _ := t.table.GetSelection()
	if row <= 0 || row-1 >= len(t.devices) {
		return
	}
	name := t.devices[row-1].Name
	t.app.runOp("Open "+name, "Opened "+name, func(ctx context.Context) error {
		return t.app.engine.OpenDevice(ctx, name)
	})
}

func (t *SessionTab) closeDevice() {
	snap := t.app.engine.GetScanMgr().Status().Session
	if !snap.Open {
		t.app.setStatus("No device open")
		return
	}
	t.app.showConfirm("Close device", "Close "+snap.Device+"?", func() {
		t.app.runOp("Close", "Device closed", t.app.engine.CloseDevice)
	})
}

func (t *SessionTab) scan() {
	info, err := t.app.engine.Scan(scanman.ScanRequest{})
	if err != nil {
		t.app.showError("Scan failed", err.Error())
		return
	}
	t.app.setStatus("Scan " + info.ID + " started")
}

// Refresh redraws the session panel and device list.
func (t *SessionTab) Refresh() {
	st := t.app.engine.GetScanMgr().Status()
	th := CurrentTheme
	snap := st.Session

	var b strings.Builder
	fmt.Fprintf(&b, " %sBackend:%s   %s\n", th.TagAccent, th.TagReset, snap.Backend)
	version := "-"
	if snap.Version != nil {
		version = snap.Version.String()
	}
	fmt.Fprintf(&b, " %sState:%s     %s %s  (version %s)\n", th.TagAccent, th.TagReset, indicator(snap.Initialized), snap.StateName, version)
	dev := "-"
	if snap.Open {
		dev = snap.Device
	}
	fmt.Fprintf(&b, " %sDevice:%s    %s %s\n", th.TagAccent, th.TagReset, indicator(snap.Open), tview.Escape(dev))
	fmt.Fprintf(&b, " %sOptions:%s   %d\n", th.TagAccent, th.TagReset, st.Options)
	job := "-"
	if st.CurrentJob != "" {
		job = st.CurrentJob
	}
	fmt.Fprintf(&b, " %sScanning:%s  %s %s\n", th.TagAccent, th.TagReset, indicator(snap.Acquiring), job)
	fmt.Fprintf(&b, " %sJobs:%s      %d\n", th.TagAccent, th.TagReset, st.Jobs)
	t.info.SetText(b.String())

	t.devices = st.Devices
	t.table.Clear()
	setHeaders(t.table, "", "Name", "Vendor", "Model", "Type")
	for i, d := range t.devices {
		row := i + 1
		open := snap.Open && snap.Device == d.Name
		t.table.SetCell(row, 0, tview.NewTableCell(indicator(open)))
		t.table.SetCell(row, 1, tview.NewTableCell(tview.Escape(d.Name)).SetTextColor(th.Text).SetExpansion(1))
		t.table.SetCell(row, 2, tview.NewTableCell(tview.Escape(d.Vendor)).SetTextColor(th.Text))
		t.table.SetCell(row, 3, tview.NewTableCell(tview.Escape(d.Model)).SetTextColor(th.Text))
		t.table.SetCell(row, 4, tview.NewTableCell(tview.Escape(d.Type)).SetTextColor(th.TextDim))
	}
	if len(t.devices) == 0 {
		t.table.SetCell(1, 1, tview.NewTableCell("press d to discover").SetTextColor(th.TextDim).SetSelectable(false))
	}
}

// GetPrimitive returns the main primitive for this tab.
func (t *SessionTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *SessionTab) GetFocusable() tview.Primitive {
	return t.table
}

func (t *SessionTab) updateButtonBar() {
	t.buttonBar.SetText(buttonBar("i", "init", "d", "discover", "Enter", "open", "c", "close", "s", "scan", "x", "cancel"))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *SessionTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	t.info.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.tableBox.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	ApplyTableTheme(t.table)
	t.Refresh()
}
