// Package ui renders the console in a terminal with tview, or as plain text
// when no terminal is attached.
//
// The console loop talks to a surface only through console.Sink callbacks.
// The dashboard queues what it receives and applies it on the tview
// goroutine through a frame scheduler, so a busy fleet costs at most one
// redraw per frame.
package ui

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"procsheriff/config"
	"procsheriff/console"
	"procsheriff/fleet"
	"procsheriff/viewtree"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	accentTag   = "[#ff69b4]"
	accentReset = "[-]"

	findTimeout = 500 * time.Millisecond
)

var (
	uiBorderColor = tcell.ColorGray
	uiTitleColor  = tcell.ColorHotPink
)

// Dashboard is the tview surface: command tree and deputy table on the
// left, the selected subject's log on the right.
type Dashboard struct {
	app       *tview.Application
	pages     *tview.Pages
	scheduler *frameScheduler
	metrics   *Metrics
	finder    *debouncer
	ctrl      Controller

	treeView *tview.TreeView
	tree     *commandTree
	hosts    *hostTable
	logs     *logView
	footer   *tview.TextView

	mu        sync.Mutex
	treeQueue []viewtree.Edit
	hostQueue []viewtree.HostEdit
	subject   console.Subject

	// UI goroutine state.
	focusIndex  int
	promptShown bool
	helpShown   bool
	notice      string
	// outOfSync holds from a failed edit until the console's reset arrives;
	// edits in between are skipped.
	outOfSync   bool
	resyncAsked bool

	ready    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDashboard builds the widgets. Sink calls made before Start are queued.
func NewDashboard(cfg config.UIConfig) *Dashboard {
	app := tview.NewApplication().EnableMouse(cfg.EnableMouse)
	d := &Dashboard{
		app:     app,
		pages:   tview.NewPages(),
		metrics: NewMetrics(),
		tree:    newCommandTree(),
		hosts:   newHostTable(),
		logs:    newLogView("Sheriff log"),
		footer:  tview.NewTextView().SetDynamicColors(true),
		subject: console.GlobalSubject,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.scheduler = newFrameScheduler(app, cfg.TargetFPS, 100*time.Millisecond, d.metrics.ObserveRender)
	d.finder = newDebouncer(findDebounce)

	d.treeView = tview.NewTreeView().SetRoot(d.tree.root).SetCurrentNode(d.tree.root).SetGraphics(true)
	d.treeView.SetBorder(true)
	applyFocusBoxStyle(d.treeView.Box, "Commands", true)
	d.treeView.SetChangedFunc(d.selectNode)

	hostsBox := tview.NewFlex().SetDirection(tview.FlexRow).AddItem(d.hosts.table, 0, 1, false)
	hostsBox.SetBorder(true)
	applyFocusBoxStyle(hostsBox.Box, "Deputies", false)

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.treeView, 0, 3, true).
		AddItem(hostsBox, 8, 0, false)
	body := tview.NewFlex().
		AddItem(left, 0, 3, true).
		AddItem(d.logs, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(d.footer, 1, 0, false)

	d.pages.AddPage("main", root, true, true)
	d.pages.AddPage("help", buildHelpOverlay(), true, false)
	app.SetRoot(d.pages, true).SetFocus(d.treeView)

	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(d.ready) })
		return false
	})
	d.installKeybindings()
	d.renderFooter()
	return d
}

// Start runs the tview application against ctrl.
func (d *Dashboard) Start(ctrl Controller) {
	d.ctrl = ctrl
	d.scheduler.Start()
	d.scheduler.Schedule("log", d.refreshLog)
	go func() {
		if err := d.app.Run(); err != nil {
			log.Printf("UI: tview error: %v", err)
		}
		d.Stop()
	}()
}

func (d *Dashboard) WaitReady() {
	select {
	case <-d.ready:
	case <-d.done:
	}
}

func (d *Dashboard) Done() <-chan struct{} { return d.done }

// Stop ends the application. Safe to call from any goroutine, more than
// once.
func (d *Dashboard) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.finder.Stop()
		d.scheduler.Stop()
		d.app.Stop()
		close(d.done)
	})
}

// OnTreeEdit queues a tree edit; edits are applied in order on the next
// frame.
func (d *Dashboard) OnTreeEdit(e viewtree.Edit) {
	d.mu.Lock()
	d.treeQueue = append(d.treeQueue, e)
	d.mu.Unlock()
	d.scheduler.Schedule("tree", d.drainTree)
}

func (d *Dashboard) OnHostEdit(e viewtree.HostEdit) {
	d.mu.Lock()
	d.hostQueue = append(d.hostQueue, e)
	d.mu.Unlock()
	d.scheduler.Schedule("hosts", d.drainHosts)
}

// OnLogChanged schedules a log refresh when s is the subject on screen.
func (d *Dashboard) OnLogChanged(s console.Subject) {
	d.mu.Lock()
	current := d.subject
	d.mu.Unlock()
	if s != current {
		return
	}
	d.scheduler.Schedule("log", d.refreshLog)
}

func (d *Dashboard) drainTree() {
	d.mu.Lock()
	edits := d.treeQueue
	d.treeQueue = nil
	d.mu.Unlock()

	for _, e := range edits {
		if e.Op == viewtree.EditReset {
			d.outOfSync, d.resyncAsked = false, false
		} else if d.outOfSync {
			continue
		}
		if err := d.tree.apply(e); err != nil {
			d.outOfSync = true
			log.Printf("UI: command tree out of sync, requesting a rebuild: %v", err)
		}
	}
	if d.outOfSync && !d.resyncAsked && d.ctrl != nil {
		d.resyncAsked = d.ctrl.Resync()
	}
	if cur := d.treeView.GetCurrentNode(); cur != nil && cur != d.tree.root {
		if ref, ok := refOf(cur); !ok || d.tree.node(ref.id) != cur {
			d.treeView.SetCurrentNode(d.tree.root)
			d.selectNode(d.tree.root)
		}
	}
}

func (d *Dashboard) drainHosts() {
	d.mu.Lock()
	edits := d.hostQueue
	d.hostQueue = nil
	d.mu.Unlock()
	for _, e := range edits {
		d.hosts.apply(e)
	}
}

// selectNode makes the selection decide the log subject: a command row
// shows that command, anything else shows the sheriff log.
func (d *Dashboard) selectNode(n *tview.TreeNode) {
	subject := console.GlobalSubject
	title := "Sheriff log"
	if ref, ok := refOf(n); ok && ref.kind == viewtree.KindLeaf {
		subject = console.CommandSubject(ref.command)
		title = "Output: " + ref.fields.Name
	}
	d.mu.Lock()
	changed := d.subject != subject
	d.subject = subject
	d.mu.Unlock()
	if changed {
		d.logs.SetTitleText(title)
		d.refreshLog()
	}
}

func (d *Dashboard) currentSubject() console.Subject {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subject
}

func (d *Dashboard) refreshLog() {
	if d.ctrl == nil {
		return
	}
	subject := d.currentSubject()
	snap, ok := d.ctrl.LogSnapshot(subject, d.logs.scratch)
	d.logs.scratch = snap.Runs
	if !ok {
		d.logs.load(subject.String(), 0, nil)
	} else {
		d.logs.load(subject.String(), snap.Seq, snap.Runs)
	}
	d.renderFooter()
}

func (d *Dashboard) installKeybindings() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if d.promptShown {
			return event
		}
		if d.helpShown {
			if event.Key() == tcell.KeyEsc || event.Key() == tcell.KeyF1 || event.Rune() == '?' {
				d.toggleHelp(false)
			}
			return nil
		}
		if d.focusIndex == 1 && d.logs.HandleScroll(event) {
			return nil
		}

		switch event.Key() {
		case tcell.KeyF1:
			d.toggleHelp(true)
			return nil
		case tcell.KeyTab, tcell.KeyBacktab:
			d.cycleFocus()
			return nil
		case tcell.KeyCtrlS:
			d.submitSelected(fleet.IntentStart, "")
			return nil
		case tcell.KeyCtrlT:
			d.submitSelected(fleet.IntentStop, "")
			return nil
		case tcell.KeyCtrlE:
			d.submitSelected(fleet.IntentRestart, "")
			return nil
		case tcell.KeyDelete:
			d.confirmRemove()
			return nil
		case tcell.KeyCtrlO:
			d.toggleObserver()
			return nil
		case tcell.KeyCtrlQ, tcell.KeyCtrlC:
			d.Stop()
			return nil
		case tcell.KeyEsc:
			d.treeView.SetCurrentNode(d.tree.root)
			d.selectNode(d.tree.root)
			return nil
		}

		switch event.Rune() {
		case 'q':
			d.Stop()
			return nil
		case '?':
			d.toggleHelp(true)
			return nil
		case '/':
			d.promptFind()
			return nil
		case 'g':
			d.promptGroup()
			return nil
		case 'n':
			d.promptNickname()
			return nil
		case 'm':
			d.promptDeputy()
			return nil
		case 'c':
			if d.ctrl != nil {
				subject := d.currentSubject()
				go d.ctrl.ClearLog(subject)
			}
			return nil
		}
		return event
	})
}

func (d *Dashboard) cycleFocus() {
	d.focusIndex = (d.focusIndex + 1) % 2
	treeFocused := d.focusIndex == 0
	applyFocusBoxStyle(d.treeView.Box, "Commands", treeFocused)
	d.logs.SetFocused(!treeFocused)
	if treeFocused {
		d.app.SetFocus(d.treeView)
	} else {
		d.app.SetFocus(d.logs)
	}
}

func (d *Dashboard) toggleHelp(show bool) {
	d.helpShown = show
	if show {
		d.pages.ShowPage("help")
		d.pages.SendToFront("help")
		return
	}
	d.pages.HidePage("help")
}

// selectedCommands resolves the current row to commands: a command row is
// itself, a group row is its members. The top row selects nothing.
func (d *Dashboard) selectedCommands() ([]fleet.CommandID, *rowRef) {
	cur := d.treeView.GetCurrentNode()
	ref, ok := refOf(cur)
	if !ok || ref.id == viewtree.Root {
		return nil, nil
	}
	return d.tree.commandsUnder(cur), ref
}

func (d *Dashboard) submitSelected(kind fleet.IntentKind, arg string) {
	ids, ref := d.selectedCommands()
	if len(ids) == 0 {
		d.setNotice("select a command or group first")
		return
	}
	d.submit(kind, ids, arg)
	d.setNotice(fmt.Sprintf("%s: %s", kind, describeRow(ref)))
}

func (d *Dashboard) submit(kind fleet.IntentKind, ids []fleet.CommandID, arg string) {
	if d.ctrl == nil {
		return
	}
	ctrl := d.ctrl
	go func() {
		for _, id := range ids {
			ctrl.Submit(fleet.Intent{Kind: kind, Command: id, Arg: arg})
		}
	}()
}

func (d *Dashboard) confirmRemove() {
	ids, ref := d.selectedCommands()
	if len(ids) == 0 {
		d.setNotice("select a command or group first")
		return
	}
	modal := tview.NewModal().
		SetText(fmt.Sprintf("Remove %s (%d command(s))?", describeRow(ref), len(ids))).
		AddButtons([]string{"Remove", "Cancel"}).
		SetDoneFunc(func(_ int, label string) {
			d.closePrompt("confirm")
			if label == "Remove" {
				d.submit(fleet.IntentRemove, ids, "")
				d.setNotice("remove: " + describeRow(ref))
			}
		})
	d.openPrompt("confirm", modal, modal)
}

func (d *Dashboard) toggleObserver() {
	if d.ctrl == nil {
		return
	}
	ctrl := d.ctrl
	next := !ctrl.Observer()
	go func() {
		ctrl.SetObserver(next)
		d.scheduler.Schedule("footer", d.renderFooter)
	}()
	if next {
		d.setNotice("observer mode on")
	} else {
		d.setNotice("observer mode off")
	}
}

func (d *Dashboard) promptGroup() {
	ids, ref := d.selectedCommands()
	if len(ids) == 0 {
		d.setNotice("select a command or group first")
		return
	}
	initial := ""
	if ref.kind == viewtree.KindGroup {
		initial = ref.label
	}
	d.promptInput("Group: ", initial, nil, func(text string) {
		d.submit(fleet.IntentSetGroup, ids, strings.TrimSpace(text))
	})
}

func (d *Dashboard) promptNickname() {
	ids, ref := d.selectedCommands()
	if len(ids) != 1 || ref.kind != viewtree.KindLeaf {
		d.setNotice("select a single command first")
		return
	}
	d.promptInput("Nickname: ", ref.fields.Nickname, nil, func(text string) {
		d.submit(fleet.IntentSetNickname, ids, text)
	})
}

func (d *Dashboard) promptDeputy() {
	ids, ref := d.selectedCommands()
	if len(ids) == 0 {
		d.setNotice("select a command or group first")
		return
	}
	initial := ""
	if ref.kind == viewtree.KindLeaf {
		initial = ref.fields.Deputy
	}
	d.promptInput("Move to deputy: ", initial, nil, func(text string) {
		if text = strings.TrimSpace(text); text != "" {
			d.submit(fleet.IntentMoveToDeputy, ids, text)
		}
	})
}

// promptFind jumps to the best matching row while typing and on Enter.
func (d *Dashboard) promptFind() {
	d.promptInput("Find: ", "", func(text string) {
		d.finder.Trigger(func() { d.find(text, false) })
	}, func(text string) {
		d.find(text, true)
	})
}

func (d *Dashboard) find(query string, report bool) {
	if d.ctrl == nil || strings.TrimSpace(query) == "" {
		return
	}
	ctrl := d.ctrl
	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), findTimeout)
		node, _, ok := ctrl.Find(ctx, query)
		cancel()
		d.metrics.ObserveFind(time.Since(start))
		d.scheduler.Schedule("find", func() {
			if !ok {
				if report {
					d.setNotice(fmt.Sprintf("no command matches %q", query))
				}
				return
			}
			if n := d.tree.node(node); n != nil {
				d.treeView.SetCurrentNode(n)
				d.selectNode(n)
			}
		})
	}()
}

func (d *Dashboard) promptInput(label, initial string, onChange func(string), onDone func(string)) {
	input := tview.NewInputField().SetLabel(label).SetText(initial).SetFieldWidth(40)
	input.SetBorder(true)
	input.SetBorderColor(uiBorderColor)
	if onChange != nil {
		input.SetChangedFunc(onChange)
	}
	input.SetDoneFunc(func(key tcell.Key) {
		d.closePrompt("prompt")
		if key == tcell.KeyEnter {
			onDone(input.GetText())
		}
	})
	d.openPrompt("prompt", centered(input, 60, 3), input)
}

func (d *Dashboard) openPrompt(name string, page, focus tview.Primitive) {
	d.promptShown = true
	d.pages.AddPage(name, page, true, true)
	d.app.SetFocus(focus)
}

func (d *Dashboard) closePrompt(name string) {
	d.promptShown = false
	d.pages.RemovePage(name)
	if d.focusIndex == 0 {
		d.app.SetFocus(d.treeView)
	} else {
		d.app.SetFocus(d.logs)
	}
}

func (d *Dashboard) setNotice(msg string) {
	d.notice = msg
	d.renderFooter()
}

func (d *Dashboard) renderFooter() {
	mode := "sheriff"
	if d.ctrl != nil && d.ctrl.Observer() {
		mode = "[yellow]observer[-]"
	}
	render := d.metrics.RenderSnapshot()
	text := fmt.Sprintf("%s  %sF1%sHelp %s^S%sStart %s^T%sStop %s^E%sRestart %sDel%sRemove %s/%sFind %sq%sQuit  frame p99 %s",
		mode,
		accentTag, accentReset, accentTag, accentReset, accentTag, accentReset,
		accentTag, accentReset, accentTag, accentReset, accentTag, accentReset,
		accentTag, accentReset, render.P99.Round(time.Millisecond))
	if d.notice != "" {
		text += "  | " + tview.Escape(d.notice)
	}
	d.footer.SetText(text)
}

func centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false),
			width, 1, true).
		AddItem(nil, 0, 1, false)
}

func buildHelpOverlay() tview.Primitive {
	help := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	help.SetText(strings.TrimSpace(fmt.Sprintf(`
KEYBOARD HELP

COMMANDS (selected row; a group applies to all its commands)
  %sCtrl+S%s Start   %sCtrl+T%s Stop   %sCtrl+E%s Restart   %sDel%s Remove
  g Set group   n Set nickname   m Move to deputy

VIEW
  / Find   Esc Sheriff log   c Clear shown log   Tab Switch pane
  Up/Down or k/j Scroll log   PageUp/Down   Home/End

SHERIFF
  %sCtrl+O%s Toggle observer   q / Ctrl+Q Quit   F1 / ? Help
`, accentTag, accentReset, accentTag, accentReset, accentTag, accentReset,
		accentTag, accentReset, accentTag, accentReset)))
	help.SetBorder(true).SetTitle("Help")
	help.SetBorderColor(uiBorderColor)
	help.SetTitleColor(uiTitleColor)
	return centered(help, 70, 15)
}

func accentText(text string) string {
	if text == "" {
		return ""
	}
	return accentTag + text + accentReset
}
