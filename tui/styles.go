// Package tui provides the text user interface for scanlink.
package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Theme is a named color scheme. The Tag fields are tview color tags derived
// from the colors so text views and tables stay in step.
type Theme struct {
	Name string

	Text      tcell.Color
	TextDim   tcell.Color
	Border    tcell.Color
	Accent    tcell.Color
	Primary   tcell.Color
	Secondary tcell.Color
	Success   tcell.Color
	Error     tcell.Color
	Selected  tcell.Color

	TagText       string
	TagTextDim    string
	TagAccent     string
	TagPrimary    string
	TagSecondary  string
	TagSuccess    string
	TagError      string
	TagHotkey     string
	TagActionText string
	TagReset      string
}

func colorTag(c tcell.Color) string {
	return fmt.Sprintf("[#%06x]", c.Hex())
}

func newTheme(name string, text, dim, border, accent, primary, secondary, success, errc, selected tcell.Color) *Theme {
	return &Theme{
		Name:          name,
		Text:          text,
		TextDim:       dim,
		Border:        border,
		Accent:        accent,
		Primary:       primary,
		Secondary:     secondary,
		Success:       success,
		Error:         errc,
		Selected:      selected,
		TagText:       colorTag(text),
		TagTextDim:    colorTag(dim),
		TagAccent:     colorTag(accent),
		TagPrimary:    colorTag(primary),
		TagSecondary:  colorTag(secondary),
		TagSuccess:    colorTag(success),
		TagError:      colorTag(errc),
		TagHotkey:     colorTag(accent),
		TagActionText: colorTag(dim),
		TagReset:      "[-]",
	}
}

var themes = []*Theme{
	newTheme("default",
		tcell.NewHexColor(0xd0d0d0), tcell.NewHexColor(0x808080), tcell.NewHexColor(0x4e6e8e),
		tcell.NewHexColor(0xe5c07b), tcell.NewHexColor(0x61afef), tcell.NewHexColor(0xc678dd),
		tcell.NewHexColor(0x98c379), tcell.NewHexColor(0xe06c75), tcell.NewHexColor(0x264f78)),
	newTheme("amber",
		tcell.NewHexColor(0xffb000), tcell.NewHexColor(0x996a00), tcell.NewHexColor(0xcc8c00),
		tcell.NewHexColor(0xffd27f), tcell.NewHexColor(0xffc033), tcell.NewHexColor(0xe09d00),
		tcell.NewHexColor(0xffe0a0), tcell.NewHexColor(0xff5f00), tcell.NewHexColor(0x4d3500)),
	newTheme("mono",
		tcell.NewHexColor(0xc0c0c0), tcell.NewHexColor(0x707070), tcell.NewHexColor(0x909090),
		tcell.NewHexColor(0xffffff), tcell.NewHexColor(0xe0e0e0), tcell.NewHexColor(0xa0a0a0),
		tcell.NewHexColor(0xffffff), tcell.NewHexColor(0xffffff), tcell.NewHexColor(0x404040)),
	newTheme("highcontrast",
		tcell.NewHexColor(0xffffff), tcell.NewHexColor(0xbcbcbc), tcell.NewHexColor(0xffff00),
		tcell.NewHexColor(0x00ffff), tcell.NewHexColor(0x5fafff), tcell.NewHexColor(0xff87ff),
		tcell.NewHexColor(0x00ff00), tcell.NewHexColor(0xff0000), tcell.NewHexColor(0x0000af)),
}

// CurrentTheme is the active theme. Only the UI goroutine changes it.
var CurrentTheme = themes[0]

// SetTheme activates the named theme and reports whether it exists.
func SetTheme(name string) bool {
	for _, th := range themes {
		if strings.EqualFold(th.Name, name) {
			CurrentTheme = th
			return true
		}
	}
	return false
}

// NextTheme cycles to the following theme and returns its name.
func NextTheme() string {
	for i, th := range themes {
		if th == CurrentTheme {
			CurrentTheme = themes[(i+1)%len(themes)]
			return CurrentTheme.Name
		}
	}
	CurrentTheme = themes[0]
	return CurrentTheme.Name
}

// GetThemeName returns the name of the active theme.
func GetThemeName() string {
	return CurrentTheme.Name
}

// ThemeNames lists the available themes in cycle order.
func ThemeNames() []string {
	names := make([]string, len(themes))
	for i, th := range themes {
		names[i] = th.Name
	}
	return names
}

// ApplyTableTheme sets the selection style of a table from the active theme.
func ApplyTableTheme(table *tview.Table) {
	th := CurrentTheme
	table.SetSelectedStyle(tcell.StyleDefault.Background(th.Selected).Foreground(th.Text))
}

// setHeaders writes a bold header row.
func setHeaders(table *tview.Table, headers ...string) {
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
}

// themedBox applies border and title colors.
func themedBox(box *tview.Box, title string) {
	box.SetBorder(true).
		SetTitle(" " + title + " ").
		SetBorderColor(CurrentTheme.Border).
		SetTitleColor(CurrentTheme.Accent)
}

// Status indicator strings
func indicator(on bool) string {
	if on {
		return CurrentTheme.TagSuccess + "●" + CurrentTheme.TagReset
	}
	return CurrentTheme.TagTextDim + "○" + CurrentTheme.TagReset
}

// buttonBar renders "key label" pairs in the hotkey style.
func buttonBar(pairs ...string) string {
	th := CurrentTheme
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(th.TagHotkey + pairs[i] + th.TagActionText + " " + pairs[i+1])
	}
	b.WriteString(th.TagActionText + "  │  " + th.TagHotkey + "?" + th.TagActionText + " help  " +
		th.TagHotkey + "Shift+Tab" + th.TagActionText + " next tab " + th.TagReset)
	return b.String()
}

// Tab labels
const (
	TabSession  = "Session"
	TabOptions  = "Options"
	TabJobs     = "Jobs"
	TabServices = "Services"
	TabDebug    = "Debug"
)

// Help text
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────────────

 Navigation
   Shift+Tab    Switch program tabs
   Tab          Move between fields
   Enter        Select / Activate
   Escape       Close dialog / Back
   ?            Show this help
   F6           Cycle color theme

 Session Tab
   i            Initialize backend
   d            Discover devices
   Enter        Open selected device
   c            Close device
   s            Start scan
   x            Cancel scan

 Options Tab
   Enter / e    Edit option value
   a            Set automatic value
   r            Reload options

 Jobs Tab
   x            Cancel running scan

 Services Tab
   Enter        Start / stop sink
   p            Force publish all

 Debug Tab
   c            Clear log
   g / G        Top / bottom

 Application
   Q            Quit
`
