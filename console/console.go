// Package console is the sheriff's dispatch loop. A single goroutine owns the
// fleet, the view tree, the per-command rate windows and the log buffers;
// transports and the render adapter talk to it only through posted events
// and the Sink callbacks.
package console

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"procsheriff/fleet"
	"procsheriff/internal/ratelimit"
	"procsheriff/logbuf"
	"procsheriff/sgr"
	"procsheriff/viewtree"
)

// Sink receives the loop's output. Callbacks run on the loop goroutine and
// must not block; adapters queue the work for their own goroutine.
type Sink interface {
	OnTreeEdit(e viewtree.Edit)
	OnHostEdit(e viewtree.HostEdit)
	OnLogChanged(s Subject)
}

// Transcript persists log text. Implementations must not block.
type Transcript interface {
	Record(subject string, at time.Time, text string)
}

// IntentPublisher forwards an accepted operator intent to the deputies.
type IntentPublisher interface {
	PublishIntent(in fleet.Intent) error
}

// Options tunes the loop. Zero values take the defaults.
type Options struct {
	ReconcileInterval time.Duration
	RateTick          time.Duration
	RateLimitBytes    int
	RateBuckets       int
	LogMaxLines       int
	EventQueue        int

	Sink       Sink
	Transcript Transcript
	Publisher  IntentPublisher
	Clock      func() time.Time
}

const (
	defaultRateTick   = 500 * time.Millisecond
	defaultEventQueue = 4096
)

func (o *Options) normalize() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = viewtree.DefaultInterval
	}
	if o.RateTick <= 0 {
		o.RateTick = defaultRateTick
	}
	if o.RateLimitBytes <= 0 {
		o.RateLimitBytes = ratelimit.DefaultBudget
	}
	if o.RateBuckets <= 0 {
		o.RateBuckets = ratelimit.DefaultBuckets
	}
	if o.LogMaxLines <= 0 {
		o.LogMaxLines = logbuf.DefaultMaxLines
	}
	if o.EventQueue <= 0 {
		o.EventQueue = defaultEventQueue
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type eventKind int

const (
	evReport eventKind = iota
	evText
	evOrders
	evIntent
	evClear
	evSystem
	evObserver
	evFind
	evResync
)

type event struct {
	kind     eventKind
	report   fleet.DeputyReport
	command  fleet.CommandID
	text     string
	intent   fleet.Intent
	subject  Subject
	observer bool
	reply    chan findResult
}

type findResult struct {
	node    viewtree.NodeID
	command fleet.CommandID
	ok      bool
}

// Console is the dispatch loop and its state.
type Console struct {
	opts       Options
	fleet      *fleet.Fleet
	reconciler *viewtree.Reconciler
	hosts      *viewtree.HostTable
	limiter    *ratelimit.Limiter[fleet.CommandID]
	cache      *sgr.Cache

	events  chan event
	done    chan struct{}
	running atomic.Bool
	dropped atomic.Uint64
	dropLog ratelimit.Counter

	reportedDrops uint64

	observer atomic.Bool

	// mu guards the log buffers. Only the loop writes; LogContent reads from
	// the render goroutine.
	mu       sync.RWMutex
	global   *logbuf.Buffer
	commands map[fleet.CommandID]*commandState
}

// commandState is the console's side table entry for one command.
type commandState struct {
	deputy string
	name   string
	log    *logbuf.Buffer
}

// New builds a console around f. The loop does not run until Run is called.
func New(f *fleet.Fleet, opts Options) *Console {
	opts.normalize()
	if f == nil {
		f = fleet.New("sheriff")
	}
	cache := sgr.NewCache()
	c := &Console{
		opts:     opts,
		fleet:    f,
		hosts:    viewtree.NewHostTable(),
		limiter:  ratelimit.NewLimiter[fleet.CommandID](opts.RateLimitBytes, opts.RateBuckets),
		cache:    cache,
		events:   make(chan event, opts.EventQueue),
		done:     make(chan struct{}),
		dropLog:  ratelimit.NewCounter(30 * time.Second),
		global:   logbuf.NewBuffer(GlobalSubject.String(), opts.LogMaxLines, cache),
		commands: make(map[fleet.CommandID]*commandState),
	}
	c.reconciler = viewtree.NewReconciler(f, opts.ReconcileInterval, log.Printf)
	c.observer.Store(f.IsObserver())
	for _, cmd := range f.AllCommands() {
		c.track(cmd)
	}
	return c
}

// Run drives the loop until ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("console: run: already running")
	}
	defer close(c.done)

	// Tick faster than the reconcile interval so the gate, not ticker
	// jitter, decides the pass spacing.
	reconcileTick := c.opts.ReconcileInterval / 3
	if reconcileTick <= 0 {
		reconcileTick = c.opts.ReconcileInterval
	}
	reconcileTicker := time.NewTicker(reconcileTick)
	defer reconcileTicker.Stop()
	rateTicker := time.NewTicker(c.opts.RateTick)
	defer rateTicker.Stop()

	c.reconcile(true)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		case <-reconcileTicker.C:
			c.reconcile(false)
		case <-rateTicker.C:
			c.rotate()
		}
	}
}

// OnText queues output from a command. Text for unknown commands is
// discarded by the loop.
func (c *Console) OnText(id fleet.CommandID, text string) {
	c.post(event{kind: evText, command: id, text: text})
}

// PostReport queues a deputy report.
func (c *Console) PostReport(r fleet.DeputyReport) {
	c.post(event{kind: evReport, report: r})
}

// PostOrders records that a sheriff named sheriff is publishing orders.
func (c *Console) PostOrders(sheriff string) {
	c.post(event{kind: evOrders, text: sheriff})
}

// Submit queues an operator intent. Refusals are reported in the global log.
func (c *Console) Submit(in fleet.Intent) {
	c.send(event{kind: evIntent, intent: in})
}

// ClearLog empties the log for s.
func (c *Console) ClearLog(s Subject) {
	c.send(event{kind: evClear, subject: s})
}

// SetObserver switches observer mode on or off.
func (c *Console) SetObserver(observer bool) {
	c.send(event{kind: evObserver, observer: observer})
}

// Observer reports whether the console refuses intents.
func (c *Console) Observer() bool {
	if c == nil {
		return false
	}
	return c.observer.Load()
}

// Find looks up a row by name on the loop goroutine. It returns the row and,
// for leaves, the command it shows.
func (c *Console) Find(ctx context.Context, query string) (viewtree.NodeID, fleet.CommandID, bool) {
	if c == nil {
		return 0, 0, false
	}
	reply := make(chan findResult, 1)
	if !c.sendCtx(ctx, event{kind: evFind, text: query, reply: reply}) {
		return 0, 0, false
	}
	select {
	case res := <-reply:
		return res.node, res.command, res.ok
	case <-ctx.Done():
		return 0, 0, false
	case <-c.done:
		return 0, 0, false
	}
}

// Resync asks the loop to replay the whole tree to the Sink, led by a reset
// edit. It never blocks and reports whether the request was queued.
func (c *Console) Resync() bool {
	if c == nil {
		return false
	}
	select {
	case c.events <- event{kind: evResync}:
		return true
	default:
		return false
	}
}

// Dropped reports events refused because the queue was full.
func (c *Console) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// post is the transport path: it never blocks and counts what it drops.
func (c *Console) post(ev event) {
	if c == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}

// send is the operator path: it waits for room unless the loop has exited.
func (c *Console) send(ev event) {
	c.sendCtx(context.Background(), ev)
}

func (c *Console) sendCtx(ctx context.Context, ev event) bool {
	if c == nil {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Console) handle(ev event) {
	switch ev.kind {
	case evReport:
		c.applyReport(ev.report)
	case evText:
		c.appendOutput(ev.command, ev.text)
	case evOrders:
		c.checkSheriff(ev.text)
	case evIntent:
		c.applyIntent(ev.intent)
	case evClear:
		c.clear(ev.subject)
	case evSystem:
		c.appendGlobal(ev.text)
	case evObserver:
		c.setObserver(ev.observer)
	case evFind:
		var res findResult
		if id, ok := c.reconciler.Tree().Find(ev.text); ok {
			res = findResult{node: id, ok: true}
			if n, ok := c.reconciler.Tree().Node(id); ok && n.Kind == viewtree.KindLeaf {
				res.command = n.Command
			}
		}
		ev.reply <- res
	case evResync:
		edits := c.reconciler.Tree().Snapshot()
		for _, e := range edits {
			c.opts.Sink.OnTreeEdit(e)
		}
		log.Printf("Console: replayed %d rows to the view", len(edits)-1)
	}
	if n := c.dropped.Load(); n > c.reportedDrops {
		if _, ok := c.dropLog.Inc(); ok {
			c.reportedDrops = n
			log.Printf("Console: event queue full, %d events dropped so far", n)
		}
	}
}

func (c *Console) applyReport(r fleet.DeputyReport) {
	events := c.fleet.ApplyReport(r)
	ts := c.stamp()
	for _, ev := range events {
		switch ev.Kind {
		case fleet.EventCommandAdded:
			c.track(&ev.Command)
			c.appendGlobal(fmt.Sprintf("%sAdded [%s] [%s]\n", ts, ev.Command.Deputy, ev.Command.Name))
		case fleet.EventCommandRemoved:
			c.appendGlobal(fmt.Sprintf("%s[%d] removed (%s:%s)\n", ts, ev.Command.ID, ev.Command.Deputy, ev.Command.Name))
			c.untrack(ev.Command.ID)
		case fleet.EventStatusChanged:
			c.appendGlobal(fmt.Sprintf("%s[%s] new status: %s\n", ts, ev.Command.Name, ev.Command.Status))
		}
	}
	// Keep the side table's names current for rate-limit reports.
	for _, cmd := range c.fleet.Commands(r.Name) {
		c.track(cmd)
	}
	// Gated like the ticker: a report burst collapses into one pass and the
	// ticker picks up whatever the gate held back.
	c.reconcile(false)
}

// applyIntent admits, sends and then applies an operator intent. An intent
// the publisher refuses is not applied, so the local fleet never shows a
// request the deputies will not see.
func (c *Console) applyIntent(in fleet.Intent) {
	if err := c.fleet.Admit(in); err != nil {
		log.Printf("Console: intent %s refused: %v", in, err)
		return
	}
	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.PublishIntent(in); err != nil {
			log.Printf("Console: intent %s not sent: %v", in, err)
			return
		}
	}
	if err := in.Apply(c.fleet); err != nil {
		log.Printf("Console: intent %s refused: %v", in, err)
		return
	}
	if in.Kind == fleet.IntentRemove {
		if _, ok := c.fleet.Command(in.Command); !ok {
			c.untrack(in.Command)
		}
	}
	c.reconcile(false)
}

func (c *Console) checkSheriff(name string) {
	if c.fleet.IsObserver() || name == "" || name == c.fleet.Sheriff() {
		return
	}
	c.setObserver(true)
	log.Printf("Console: WARNING: multiple sheriffs detected (%q)! Switching to observer mode", name)
}

func (c *Console) setObserver(observer bool) {
	c.fleet.SetObserver(observer)
	c.observer.Store(observer)
}

func (c *Console) reconcile(force bool) {
	now := c.opts.Clock()
	var edits []viewtree.Edit
	if force {
		edits = c.reconciler.Force(now)
	} else {
		gated := c.reconciler.Stats().Gated
		edits = c.reconciler.Reconcile(now)
		if c.reconciler.Stats().Gated != gated {
			return
		}
	}
	for _, e := range edits {
		c.opts.Sink.OnTreeEdit(e)
	}
	for _, e := range c.hosts.Reconcile(c.fleet.Deputies(), now) {
		c.opts.Sink.OnHostEdit(e)
	}
}

func (c *Console) track(cmd *fleet.Command) {
	if cmd == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.commands[cmd.ID]; ok {
		st.deputy, st.name = cmd.Deputy, cmd.Name
		return
	}
	c.commands[cmd.ID] = &commandState{
		deputy: cmd.Deputy,
		name:   cmd.Name,
		log:    logbuf.NewBuffer(CommandSubject(cmd.ID).String(), c.opts.LogMaxLines, c.cache),
	}
}

func (c *Console) untrack(id fleet.CommandID) {
	c.mu.Lock()
	delete(c.commands, id)
	c.mu.Unlock()
	c.limiter.Forget(id)
}

func (c *Console) stamp() string {
	return c.opts.Clock().Format("[15:04:05] ")
}

type nopSink struct{}

func (nopSink) OnTreeEdit(viewtree.Edit)     {}
func (nopSink) OnHostEdit(viewtree.HostEdit) {}
func (nopSink) OnLogChanged(Subject)         {}
