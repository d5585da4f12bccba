package tui

import (
	"context"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"scanlink/engine"
)

// ServicesTab lists the configured sinks and starts or stops them.
type ServicesTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	tableBox  *tview.Flex
	buttonBar *tview.TextView
	services  []engine.ServiceInfo
}

// NewServicesTab creates the services tab.
func NewServicesTab(app *App) *ServicesTab {
	t := &ServicesTab{app: app}
	t.setupUI()
	return t
}

func (t *ServicesTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetSelectedFunc(func(row, col int) { t.toggleSelected() })
	t.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'p' {
			t.app.runOp("Publish", "Published current state", func(context.Context) error {
				t.app.engine.ForcePublishAll()
				return nil
			})
			return nil
		}
		return event
	})

	t.tableBox = tview.NewFlex().SetDirection(tview.FlexRow)
	themedBox(t.tableBox.Box, "Sinks")
	t.tableBox.AddItem(t.table, 0, 1, true)

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.tableBox, 0, 1, true)
}

func (t *ServicesTab) toggleSelected() {
	row, _ := t.table.GetSelection()
	if row <= 0 || row-1 >= len(t.services) {
		return
	}
	svc := t.services[row-1]
	label := svc.Kind + "/" + svc.Name
	if svc.Running {
		t.app.runOp("Stop "+label, label+" stopped", func(context.Context) error {
			return t.app.engine.StopService(svc.Kind, svc.Name)
		})
		return
	}
	t.app.runOp("Start "+label, label+" started", func(context.Context) error {
		return t.app.engine.StartService(svc.Kind, svc.Name)
	})
}

// Refresh reloads the sink list.
func (t *ServicesTab) Refresh() {
	th := CurrentTheme
	t.services = t.app.engine.Services()

	row, _ := t.table.GetSelection()
	t.table.Clear()
	setHeaders(t.table, "", "Kind", "Name", "Address")
	for i, s := range t.services {
		r := i + 1
		t.table.SetCell(r, 0, tview.NewTableCell(indicator(s.Running)))
		t.table.SetCell(r, 1, tview.NewTableCell(s.Kind).SetTextColor(th.TextDim))
		t.table.SetCell(r, 2, tview.NewTableCell(tview.Escape(s.Name)).SetTextColor(th.Text))
		t.table.SetCell(r, 3, tview.NewTableCell(tview.Escape(s.Address)).SetTextColor(th.Text).SetExpansion(1))
	}
	if len(t.services) == 0 {
		t.table.SetCell(1, 1, tview.NewTableCell("no sinks configured").SetTextColor(th.TextDim).SetSelectable(false))
	} else if row > 0 && row <= len(t.services) {
		t.table.Select(row, 0)
	}
}

// GetPrimitive returns the main primitive for this tab.
func (t *ServicesTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *ServicesTab) GetFocusable() tview.Primitive {
	return t.table
}

func (t *ServicesTab) updateButtonBar() {
	t.buttonBar.SetText(buttonBar("Enter", "start/stop", "p", "publish all"))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *ServicesTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	t.tableBox.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	ApplyTableTheme(t.table)
	t.Refresh()
}
