package tui

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"scanlink/device"
	"scanlink/sane"
)

// OptionsTab lists the options of the open device.
type OptionsTab struct {
	app       *App
	flex      *tview.Flex
	table     *tview.Table
	tableBox  *tview.Flex
	detail    *tview.TextView
	buttonBar *tview.TextView
	options   []device.Option
}

// NewOptionsTab creates the options tab.
func NewOptionsTab(app *App) *OptionsTab {
	t := &OptionsTab{app: app}
	t.setupUI()
	return t
}

func (t *OptionsTab) setupUI() {
	t.buttonBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	t.updateButtonBar()

	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	ApplyTableTheme(t.table)
	t.table.SetInputCapture(t.handleKeys)
	t.table.SetSelectedFunc(func(row, col int) { t.editSelected() })
	t.table.SetSelectionChangedFunc(func(row, col int) { t.updateDetail() })

	t.tableBox = tview.NewFlex().SetDirection(tview.FlexRow)
	themedBox(t.tableBox.Box, "Options")
	t.tableBox.AddItem(t.table, 0, 1, true)

	t.detail = tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetTextColor(CurrentTheme.Text)
	themedBox(t.detail.Box, "Description")

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.buttonBar, 1, 0, false).
		AddItem(t.tableBox, 0, 1, true).
		AddItem(t.detail, 6, 0, false)
}

func (t *OptionsTab) handleKeys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'e':
		t.editSelected()
		return nil
	case 'a':
		t.autoSelected()
		return nil
	case 'r':
		t.Refresh()
		t.app.setStatus(fmt.Sprintf("%d options", len(t.options)))
		return nil
	}
	return event
}

func (t *OptionsTab) selected() (device.Option, bool) {
	row, _ := t.table.GetSelection()
	if row <= 0 || row-1 >= len(t.options) {
		return device.Option{}, false
	}
	return t.options[row-1], true
}

func (t *OptionsTab) editSelected() {
	o, ok := t.selected()
	if !ok || o.Type == sane.TypeGroup {
		return
	}
	if !o.Capabilities.Settable() || !o.Capabilities.Active() {
		t.app.setStatus(o.Name + " cannot be set now")
		return
	}
	if o.Type == sane.TypeButton {
		t.apply(o.Name, true)
		return
	}

	const pageName = "edit-option"
	form := tview.NewForm()
	form.SetBorder(true).SetTitle(" " + o.Name + " ")

	current := ""
	if !o.Value.IsNone() {
		current = o.Value.String()
	}
	if len(o.Constraint.Strings) > 0 {
		idx := 0
		for i, s := range o.Constraint.Strings {
			if s == current {
				idx = i
			}
		}
		form.AddDropDown("Value", o.Constraint.Strings, idx, nil)
	} else {
		form.AddInputField("Value", current, 30, nil, nil)
	}
	if c := formatConstraint(o.OptionDescriptor); c != "" {
		form.AddTextView("Allowed", c, 30, 2, true, false)
	}

	form.AddButton("Set", func() {
		var text string
		switch item := form.GetFormItemByLabel("Value").(type) {
		case *tview.DropDown:
			_, text = item.GetCurrentOption()
		case *tview.InputField:
			text = item.GetText()
		}
		v, err := parseInput(o.OptionDescriptor, text)
		if err != nil {
			t.app.setStatus(CurrentTheme.TagError + err.Error() + CurrentTheme.TagReset)
			return
		}
		t.app.closeModal(pageName)
		t.apply(o.Name, v)
	})
	form.AddButton("Cancel", func() { t.app.closeModal(pageName) })

	t.app.showFormModal(pageName, form, 50, 11, func() { t.app.closeModal(pageName) })
}

func (t *OptionsTab) autoSelected() {
	o, ok := t.selected()
	if !ok || o.Type == sane.TypeGroup {
		return
	}
	t.apply(o.Name, nil)
}

// apply writes a value, or the automatic value when v is nil.
func (t *OptionsTab) apply(name string, v interface{}) {
	t.app.runOp("Set "+name, name+" updated", func(ctx context.Context) error {
		info, err := t.app.engine.SetOption(ctx, name, v)
		if err == nil && info.Inexact {
			StoreLogLevel("SANE", "%s was rounded by the device", name)
		}
		return err
	})
}

// Refresh reloads the option table from the manager's cache.
func (t *OptionsTab) Refresh() {
	th := CurrentTheme
	t.options = t.app.engine.GetScanMgr().Options()

	row, _ := t.table.GetSelection()
	t.table.Clear()
	setHeaders(t.table, "#", "Name", "Type", "Value", "Constraint", "Flags")
	for i, o := range t.options {
		r := i + 1
		if o.Type == sane.TypeGroup {
			t.table.SetCell(r, 0, tview.NewTableCell(fmt.Sprint(o.Index)).SetTextColor(th.TextDim))
			t.table.SetCell(r, 1, tview.NewTableCell(tview.Escape(o.Title)).SetTextColor(th.Accent).SetAttributes(tcell.AttrBold))
			continue
		}
		color := th.Text
		if !o.Capabilities.Active() {
			color = th.TextDim
		}
		name := o.Name
		if name == "" {
			name = o.Title
		}
		t.table.SetCell(r, 0, tview.NewTableCell(fmt.Sprint(o.Index)).SetTextColor(th.TextDim))
		t.table.SetCell(r, 1, tview.NewTableCell(tview.Escape(name)).SetTextColor(color))
		t.table.SetCell(r, 2, tview.NewTableCell(o.Type.String()).SetTextColor(th.TextDim))
		t.table.SetCell(r, 3, tview.NewTableCell(tview.Escape(formatValue(o))).SetTextColor(color).SetExpansion(1))
		t.table.SetCell(r, 4, tview.NewTableCell(tview.Escape(formatConstraint(o.OptionDescriptor))).SetTextColor(th.TextDim).SetMaxWidth(40))
		t.table.SetCell(r, 5, tview.NewTableCell(formatFlags(o.OptionDescriptor)).SetTextColor(th.TextDim))
	}
	if len(t.options) == 0 {
		t.table.SetCell(1, 1, tview.NewTableCell("no device open").SetTextColor(th.TextDim).SetSelectable(false))
	} else if row > 0 && row <= len(t.options) {
		t.table.Select(row, 0)
	}
	t.updateDetail()
}

func (t *OptionsTab) updateDetail() {
	o, ok := t.selected()
	if !ok {
		t.detail.SetText("")
		return
	}
	th := CurrentTheme
	text := fmt.Sprintf(" %s%s%s (%s, %s)\n %s", th.TagAccent, tview.Escape(o.Title), th.TagReset,
		o.Unit, o.ConstraintType, tview.Escape(o.Description))
	t.detail.SetText(text)
}

// GetPrimitive returns the main primitive for this tab.
func (t *OptionsTab) GetPrimitive() tview.Primitive {
	return t.flex
}

// GetFocusable returns the element that should receive focus.
func (t *OptionsTab) GetFocusable() tview.Primitive {
	return t.table
}

func (t *OptionsTab) updateButtonBar() {
	t.buttonBar.SetText(buttonBar("Enter", "edit", "a", "auto", "r", "reload"))
}

// RefreshTheme updates theme-dependent UI elements.
func (t *OptionsTab) RefreshTheme() {
	th := CurrentTheme
	t.updateButtonBar()
	t.tableBox.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.detail.SetBorderColor(th.Border).SetTitleColor(th.Accent)
	t.detail.SetTextColor(th.Text)
	ApplyTableTheme(t.table)
	t.Refresh()
}
