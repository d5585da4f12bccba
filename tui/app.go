package tui

import (
	"context"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"scanlink/engine"
)

// opTimeout bounds session operations started from the UI.
const opTimeout = 30 * time.Second

// tabView is implemented by every tab.
type tabView interface {
	GetPrimitive() tview.Primitive
	GetFocusable() tview.Primitive
	Refresh()
	RefreshTheme()
}

// App is the main TUI application.
type App struct {
	app            *tview.Application
	pages          *tview.Pages
	tabs           *tview.TextView
	statusBar      *tview.TextView
	themeIndicator *tview.TextView

	sessionTab  *SessionTab
	optionsTab  *OptionsTab
	jobsTab     *JobsTab
	servicesTab *ServicesTab
	debugTab    *DebugTab

	engine *engine.Engine
	store  *DebugLogStore
	subID  engine.SubscriptionID

	currentTab int
	tabNames   []string
	views      []tabView

	stopChan chan struct{}
	stopOnce sync.Once

	onDisconnect func() // Shift-Q in a remote session
}

// NewApp creates a new TUI application on top of a started engine.
func NewApp(eng *engine.Engine) *App {
	return newApp(eng, tview.NewApplication())
}

// NewAppWithScreen creates a TUI application that draws on the given screen.
func NewAppWithScreen(eng *engine.Engine, screen tcell.Screen) *App {
	return newApp(eng, tview.NewApplication().SetScreen(screen))
}

func newApp(eng *engine.Engine, tv *tview.Application) *App {
	cfg := eng.GetConfig()
	cfg.Lock()
	theme := cfg.UI.Theme
	cfg.Unlock()
	if theme != "" {
		SetTheme(theme)
	}

	InitDebugStore(1000)
	a := &App{
		app:      tv,
		engine:   eng,
		store:    GetDebugStore(),
		tabNames: []string{TabSession, TabOptions, TabJobs, TabServices, TabDebug},
		stopChan: make(chan struct{}),
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tabs = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft).
		SetTextColor(CurrentTheme.Text)

	a.themeIndicator = tview.NewTextView().
		SetTextAlign(tview.AlignRight)
	a.updateThemeIndicator()

	a.pages = tview.NewPages()

	a.sessionTab = NewSessionTab(a)
	a.optionsTab = NewOptionsTab(a)
	a.jobsTab = NewJobsTab(a)
	a.servicesTab = NewServicesTab(a)
	a.debugTab = NewDebugTab(a, a.store)
	a.views = []tabView{a.sessionTab, a.optionsTab, a.jobsTab, a.servicesTab, a.debugTab}

	for i, name := range a.tabNames {
		a.pages.AddPage(name, a.views[i].GetPrimitive(), true, i == 0)
	}

	bottomBar := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(a.statusBar, 0, 1, false).
		AddItem(a.themeIndicator, 30, 0, false)

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(bottomBar, 1, 0, false)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(mainFlex, true)
	a.updateTabsDisplay()
	a.setStatus("Ready. Press ? for help.")
	a.focusCurrentTab()
}

func (a *App) isMainTab(page string) bool {
	for _, name := range a.tabNames {
		if page == name {
			return true
		}
	}
	return false
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}

	// Modals and forms get every key.
	frontPage, _ := a.pages.GetFrontPage()
	if !a.isMainTab(frontPage) {
		return event
	}

	if event.Rune() == 'Q' {
		if a.onDisconnect != nil {
			a.onDisconnect()
		} else {
			a.Shutdown()
		}
		return nil
	}

	if event.Key() == tcell.KeyBacktab {
		a.nextTab()
		return nil
	}

	if event.Rune() == '?' {
		a.showHelp()
		return nil
	}

	if event.Key() == tcell.KeyF6 {
		themeName := NextTheme()
		a.updateTabsDisplay()
		a.updateThemeIndicator()
		a.refreshAllThemes()
		if err := a.engine.SetUITheme(themeName); err != nil {
			StoreLogLevel("ERROR", "save theme: %v", err)
		}
		a.app.Sync()
		return nil
	}

	return event
}

func (a *App) nextTab() {
	a.switchToTab((a.currentTab + 1) % len(a.tabNames))
}

func (a *App) switchToTab(index int) {
	a.currentTab = index
	a.pages.SwitchToPage(a.tabNames[index])
	a.updateTabsDisplay()
	a.views[index].Refresh()
	a.focusCurrentTab()
}

func (a *App) focusCurrentTab() {
	a.app.SetFocus(a.views[a.currentTab].GetFocusable())
}

func (a *App) updateTabsDisplay() {
	th := CurrentTheme
	text := ""
	for i, name := range a.tabNames {
		if i > 0 {
			text += th.TagTextDim + "  │  " + th.TagReset
		}
		if i == a.currentTab {
			// TagAccent is "[#RRGGBB]"; "::b" goes before the closing bracket.
			colorTag := th.TagAccent[:len(th.TagAccent)-1] + "::b]"
			text += colorTag + name + "[-::-]"
		} else {
			text += th.TagTextDim + name + th.TagReset
		}
	}
	a.tabs.SetText(text)
	a.tabs.SetTextColor(th.Text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) updateThemeIndicator() {
	th := CurrentTheme
	a.themeIndicator.SetText("Theme (F6): " + GetThemeName() + " ")
	a.themeIndicator.SetTextColor(th.TextDim)
	a.statusBar.SetTextColor(th.Text)
}

func (a *App) showHelp() {
	const pageName = "help"

	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")

	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.closeModal(pageName)
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, textView, 45, 24)
}

func (a *App) showError(title, message string) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			a.pages.RemovePage("error")
			a.focusCurrentTab()
		})

	a.pages.AddPage("error", modal, true, true)
}

func (a *App) showConfirm(title, message string, onConfirm func()) {
	modal := tview.NewModal().
		SetText(title + "\n\n" + message).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			a.pages.RemovePage("confirm")
			if buttonIndex == 0 {
				onConfirm()
			}
			a.focusCurrentTab()
		})

	a.pages.AddPage("confirm", modal, true, true)
}

// runOp runs a blocking engine call off the UI goroutine. Errors open a
// dialog; success sets the status line.
func (a *App) runOp(title, okMsg string, op func(ctx context.Context) error) {
	a.setStatus(title + "...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		err := op(ctx)
		a.QueueUpdateDraw(func() {
			if err != nil {
				StoreLogLevel("ERROR", "%s: %v", title, err)
				a.setStatus(CurrentTheme.TagError + title + " failed" + CurrentTheme.TagReset)
				a.showError(title+" failed", err.Error())
				return
			}
			a.setStatus(okMsg)
		})
	}()
}

// SetOnDisconnect makes Shift-Q call fn instead of shutting the UI down.
func (a *App) SetOnDisconnect(fn func()) {
	a.onDisconnect = fn
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	a.subID = a.engine.Events.Subscribe(a.onEvent)

	for _, v := range a.views {
		v.Refresh()
	}

	go a.periodicRefresh()

	return a.app.Run()
}

// onEvent runs on the emitting goroutine, so it only logs and schedules a
// redraw.
func (a *App) onEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventScanProgress, engine.EventSessionChanged:
	default:
		StoreLogLevel(eventLevel(ev.Type), "%s %s", ev.Type, describePayload(ev.Payload))
	}

	a.QueueUpdateDraw(func() {
		switch ev.Type {
		case engine.EventOptionChanged, engine.EventDeviceOpened, engine.EventDeviceClosed:
			a.optionsTab.Refresh()
			a.sessionTab.Refresh()
		case engine.EventServiceStarted, engine.EventServiceStopped, engine.EventForcePublished:
			a.servicesTab.Refresh()
		case engine.EventScanStarted, engine.EventScanFrame, engine.EventScanProgress,
			engine.EventScanDone, engine.EventScanFailed, engine.EventScanCancelled:
			a.jobsTab.Refresh()
			a.sessionTab.Refresh()
		default:
			a.sessionTab.Refresh()
		}
	})
}

// periodicRefresh catches state that changes without an event, such as a
// sink reconnecting on its own.
func (a *App) periodicRefresh() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.QueueUpdateDraw(func() {
				a.servicesTab.Refresh()
				a.jobsTab.Refresh()
			})
		}
	}
}

// Shutdown stops the UI. The engine is left to the caller.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		if a.subID != 0 {
			a.engine.Events.Unsubscribe(a.subID)
		}
		a.debugTab.Close()
		a.app.Stop()
	})
}

// QueueUpdateDraw schedules f on the UI goroutine.
func (a *App) QueueUpdateDraw(f func()) {
	select {
	case <-a.stopChan:
		return
	default:
	}
	go a.app.QueueUpdateDraw(f)
}

// showCenteredModal displays content centered over the current tab.
func (a *App) showCenteredModal(pageName string, content tview.Primitive, width, height int) {
	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(content, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(content)
}

// showFormModal displays a form in a centered modal. Escape calls onEscape.
func (a *App) showFormModal(pageName string, form *tview.Form, width, height int, onEscape func()) {
	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			if onEscape != nil {
				onEscape()
			}
			return nil
		}
		return event
	})

	a.showCenteredModal(pageName, form, width, height)
}

// closeModal removes a modal and restores focus to the current tab.
func (a *App) closeModal(pageName string) {
	a.pages.RemovePage(pageName)
	a.focusCurrentTab()
}

func (a *App) refreshAllThemes() {
	for _, v := range a.views {
		v.RefreshTheme()
	}
}
