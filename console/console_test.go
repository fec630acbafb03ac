package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"procsheriff/fleet"
	"procsheriff/sgr"
	"procsheriff/viewtree"
)

type recordingSink struct {
	mu    sync.Mutex
	tree  []viewtree.Edit
	hosts []viewtree.HostEdit
	logs  []Subject
}

func (s *recordingSink) OnTreeEdit(e viewtree.Edit) {
	s.mu.Lock()
	s.tree = append(s.tree, e)
	s.mu.Unlock()
}

func (s *recordingSink) OnHostEdit(e viewtree.HostEdit) {
	s.mu.Lock()
	s.hosts = append(s.hosts, e)
	s.mu.Unlock()
}

func (s *recordingSink) OnLogChanged(sub Subject) {
	s.mu.Lock()
	s.logs = append(s.logs, sub)
	s.mu.Unlock()
}

type memTranscript struct {
	subjects []string
	texts    []string
}

func (m *memTranscript) Record(subject string, _ time.Time, text string) {
	m.subjects = append(m.subjects, subject)
	m.texts = append(m.texts, text)
}

type memPublisher struct {
	intents []fleet.Intent
	err     error
}

func (m *memPublisher) PublishIntent(in fleet.Intent) error {
	m.intents = append(m.intents, in)
	return m.err
}

func fixedClock() func() time.Time {
	ts := time.Date(2024, 5, 1, 13, 4, 5, 0, time.Local)
	return func() time.Time { return ts }
}

// stepClock is a manual clock for tests that drive the loop by hand.
type stepClock struct {
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 5, 1, 13, 4, 5, 0, time.Local)}
}

func (s *stepClock) Now() time.Time          { return s.now }
func (s *stepClock) Advance(d time.Duration) { s.now = s.now.Add(d) }

func newTestConsole(t *testing.T) (*Console, *recordingSink, *memTranscript) {
	t.Helper()
	sink := &recordingSink{}
	tr := &memTranscript{}
	c := New(fleet.New("me"), Options{Sink: sink, Transcript: tr, Clock: fixedClock()})
	return c, sink, tr
}

func deputyReport(cmds ...fleet.CommandReport) fleet.DeputyReport {
	return fleet.DeputyReport{Name: "alpha", At: time.Now(), Commands: cmds}
}

func globalText(c *Console) string {
	return sgr.PlainText(c.LogContent(GlobalSubject))
}

func TestReportLogsEventsAndEmitsEdits(t *testing.T) {
	c, sink, _ := newTestConsole(t)
	c.handle(event{kind: evReport, report: deputyReport(fleet.CommandReport{ID: 1, Name: "camera", Group: "sensors"})})

	if got := globalText(c); got != "[13:04:05] Added [alpha] [camera]\n" {
		t.Fatalf("unexpected global log %q", got)
	}
	var inserts int
	for _, e := range sink.tree {
		if e.Op == viewtree.EditInsertLeaf || e.Op == viewtree.EditInsertGroup {
			inserts++
		}
	}
	if inserts != 2 {
		t.Fatalf("expected group and leaf inserts, got %v", sink.tree)
	}
	if len(sink.hosts) != 1 || sink.hosts[0].Op != viewtree.HostInsert {
		t.Fatalf("expected a deputy row insert, got %+v", sink.hosts)
	}

	c.handle(event{kind: evReport, report: deputyReport(fleet.CommandReport{ID: 1, Name: "camera", Group: "sensors", Status: fleet.StatusRunning})})
	if !strings.Contains(globalText(c), "[camera] new status: Running\n") {
		t.Fatalf("missing status line in %q", globalText(c))
	}

	c.handle(event{kind: evReport, report: deputyReport()})
	if !strings.HasSuffix(globalText(c), "[13:04:05] [1] removed (alpha:camera)\n") {
		t.Fatalf("missing removal line in %q", globalText(c))
	}
	if _, ok := c.LogSnapshot(CommandSubject(1), nil); ok {
		t.Fatalf("removed command should lose its log")
	}
}

func TestOutputRateLimitAndReports(t *testing.T) {
	c, _, tr := newTestConsole(t)
	c.handle(event{kind: evReport, report: deputyReport(fleet.CommandReport{ID: 7, Name: "spammer"})})

	chunk := strings.Repeat("x", 2000)
	for i := 0; i < 10; i++ {
		c.handle(event{kind: evText, command: 7, text: chunk})
	}
	if got := len(sgr.PlainText(c.LogContent(CommandSubject(7)))); got != 10000 {
		t.Fatalf("expected 10000 admitted bytes, got %d", got)
	}

	c.rotate()
	cmdLog := sgr.PlainText(c.LogContent(CommandSubject(7)))
	if !strings.HasSuffix(cmdLog, "[13:04:05] \nSHERIFF RATE LIMIT: Ignored 10000 bytes of output\n") {
		t.Fatalf("missing command rate report, tail %q", cmdLog[len(cmdLog)-60:])
	}
	if !strings.HasSuffix(globalText(c), "[13:04:05] Ignored 10000 bytes of output from [alpha] [spammer]\n") {
		t.Fatalf("missing global rate report in %q", globalText(c))
	}
	found := false
	for _, s := range tr.subjects {
		if s == "cmd:7" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected command output to be archived, got %v", tr.subjects)
	}

	before := len(globalText(c))
	c.rotate()
	if len(globalText(c)) != before {
		t.Fatalf("a quiet tick must not report")
	}
}

func TestOutputForUnknownCommandIsDiscarded(t *testing.T) {
	c, sink, _ := newTestConsole(t)
	c.handle(event{kind: evText, command: 99, text: "hello"})
	if len(sink.logs) != 0 {
		t.Fatalf("unexpected log notification %v", sink.logs)
	}
}

func TestOutputKeepsStyles(t *testing.T) {
	c, _, tr := newTestConsole(t)
	c.handle(event{kind: evReport, report: deputyReport(fleet.CommandReport{ID: 1, Name: "a"})})
	c.handle(event{kind: evText, command: 1, text: "ok \x1b[31mfail\x1b[0m\n"})
	runs := c.LogContent(CommandSubject(1))
	if len(runs) != 3 || runs[1].Style.FG != sgr.ColorRed {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if last := tr.texts[len(tr.texts)-1]; last != "ok fail\n" {
		t.Fatalf("transcript should hold plain text, got %q", last)
	}
}

func TestClearLog(t *testing.T) {
	c, sink, _ := newTestConsole(t)
	c.handle(event{kind: evSystem, text: "boot\n"})
	c.handle(event{kind: evClear, subject: GlobalSubject})
	if globalText(c) != "" {
		t.Fatalf("expected empty global log")
	}
	if last := sink.logs[len(sink.logs)-1]; last != GlobalSubject {
		t.Fatalf("expected a change notification for the global log")
	}
}

func TestSecondSheriffSwitchesToObserver(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	c, _, _ := newTestConsole(t)
	c.handle(event{kind: evOrders, text: "me"})
	if c.Observer() {
		t.Fatalf("own orders must not demote")
	}
	c.handle(event{kind: evOrders, text: "intruder"})
	if !c.Observer() {
		t.Fatalf("expected observer mode")
	}
	if !strings.Contains(buf.String(), "multiple sheriffs detected") {
		t.Fatalf("expected a warning, got %q", buf.String())
	}
}

func TestIntentsApplyAndPublish(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	clock := newStepClock()
	pub := &memPublisher{}
	c := New(fleet.New("me"), Options{Publisher: pub, Clock: clock.Now})
	c.handle(event{kind: evReport, report: deputyReport(fleet.CommandReport{ID: 3, Name: "nav", Status: fleet.StatusStoppedOK})})

	c.handle(event{kind: evIntent, intent: fleet.Intent{Kind: fleet.IntentStart, Command: 3}})
	cmd, _ := c.fleet.Command(3)
	if cmd.Status != fleet.StatusTryingToStart {
		t.Fatalf("expected trying to start, got %s", cmd.Status)
	}
	if len(pub.intents) != 1 || pub.intents[0].Kind != fleet.IntentStart {
		t.Fatalf("expected published start intent, got %+v", pub.intents)
	}
	leaf, ok := c.reconciler.Tree().LeafFor(3)
	if !ok {
		t.Fatalf("expected a row for the command")
	}
	if n, _ := c.reconciler.Tree().Node(leaf); n.Fields.Status != fleet.StatusStoppedOK {
		t.Fatalf("intent inside the interval must wait for the gate, row shows %s", n.Fields.Status)
	}
	clock.Advance(viewtree.DefaultInterval)
	c.reconcile(false)
	if n, _ := c.reconciler.Tree().Node(leaf); n.Fields.Status != fleet.StatusTryingToStart {
		t.Fatalf("next gated pass should show the intent, row shows %s", n.Fields.Status)
	}

	c.handle(event{kind: evObserver, observer: true})
	c.handle(event{kind: evIntent, intent: fleet.Intent{Kind: fleet.IntentStop, Command: 3}})
	if len(pub.intents) != 1 {
		t.Fatalf("refused intent must not be published")
	}
	if !strings.Contains(buf.String(), "refused") {
		t.Fatalf("expected refusal to be logged, got %q", buf.String())
	}
}

func TestUnsentIntentIsNotApplied(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	pub := &memPublisher{err: errors.New("broker down")}
	c := New(fleet.New("me"), Options{Publisher: pub, Clock: fixedClock()})
	c.handle(event{kind: evReport, report: deputyReport(fleet.CommandReport{ID: 1, Name: "a", Status: fleet.StatusRunning})})
	c.handle(event{kind: evIntent, intent: fleet.Intent{Kind: fleet.IntentRestart, Command: 1}})
	if !strings.Contains(buf.String(), "broker down") {
		t.Fatalf("expected publish error in log, got %q", buf.String())
	}
	if cmd, _ := c.fleet.Command(1); cmd.Status != fleet.StatusRunning {
		t.Fatalf("intent the publisher refused must not change the fleet, status is %s", cmd.Status)
	}

	pub.err = nil
	c.handle(event{kind: evIntent, intent: fleet.Intent{Kind: fleet.IntentStop, Command: 42}})
	if len(pub.intents) != 1 {
		t.Fatalf("intent for an unknown command must not be sent, got %+v", pub.intents)
	}
}

func TestReportBurstCollapsesIntoOnePass(t *testing.T) {
	clock := newStepClock()
	sink := &recordingSink{}
	c := New(fleet.New("me"), Options{Sink: sink, Clock: clock.Now})

	var cmds []fleet.CommandReport
	for i := 1; i <= 10; i++ {
		cmds = append(cmds, fleet.CommandReport{ID: fleet.CommandID(i), Name: fmt.Sprintf("worker-%d", i)})
		c.handle(event{kind: evReport, report: deputyReport(cmds...)})
		clock.Advance(10 * time.Millisecond)
	}
	leafInserts := func() int {
		n := 0
		for _, e := range sink.tree {
			if e.Op == viewtree.EditInsertLeaf {
				n++
			}
		}
		return n
	}
	if st := c.reconciler.Stats(); st.Passes != 1 || st.Gated != 9 {
		t.Fatalf("expected one pass and nine gated reports, got %+v", st)
	}
	if got := leafInserts(); got != 1 {
		t.Fatalf("only the first report should reach the sink before the interval ends, got %d leaves", got)
	}
	if got := len(c.fleet.AllCommands()); got != 10 {
		t.Fatalf("every report must still reach the fleet, got %d commands", got)
	}

	clock.Advance(viewtree.DefaultInterval)
	c.reconcile(false)
	if st := c.reconciler.Stats(); st.Passes != 2 {
		t.Fatalf("expected the held-back changes in a second pass, got %+v", st)
	}
	if got := leafInserts(); got != 10 {
		t.Fatalf("expected all ten rows after the interval, got %d", got)
	}
}

func TestPostDropsWhenQueueFull(t *testing.T) {
	c := New(fleet.New("me"), Options{EventQueue: 1})
	c.OnText(1, "a")
	c.OnText(1, "b")
	if c.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", c.Dropped())
	}
}

func TestRunServesFindAndStops(t *testing.T) {
	c := New(fleet.New("me"), Options{ReconcileInterval: time.Millisecond, RateTick: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.PostReport(deputyReport(fleet.CommandReport{ID: 5, Name: "planner"}))
	var (
		cmd fleet.CommandID
		ok  bool
	)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		findCtx, stop := context.WithTimeout(ctx, 100*time.Millisecond)
		_, cmd, ok = c.Find(findCtx, "planner")
		stop()
		if ok {
			break
		}
	}
	if !ok || cmd != 5 {
		t.Fatalf("expected to find command 5, got %d %v", cmd, ok)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatalf("second Run should fail")
	}
}

func TestSystemWriterFeedsGlobalLog(t *testing.T) {
	c, _, _ := newTestConsole(t)
	w := c.SystemWriter()
	if n, err := w.Write([]byte("Telemetry: connected\n")); err != nil || n != 21 {
		t.Fatalf("unexpected write result %d %v", n, err)
	}
	c.handle(<-c.events)
	if globalText(c) != "Telemetry: connected\n" {
		t.Fatalf("unexpected global log %q", globalText(c))
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	for _, s := range []Subject{GlobalSubject, CommandSubject(42)} {
		got, ok := ParseSubject(s.String())
		if !ok || got != s {
			t.Fatalf("round trip failed for %v", s)
		}
	}
	if _, ok := ParseSubject("cmd:x"); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestResyncReplaysTheWholeTree(t *testing.T) {
	c, sink, _ := newTestConsole(t)
	c.handle(event{kind: evReport, report: deputyReport(
		fleet.CommandReport{ID: 1, Name: "camera", Group: "sensors"},
		fleet.CommandReport{ID: 2, Name: "planner"},
	)})
	sink.mu.Lock()
	sink.tree = nil
	sink.mu.Unlock()

	if !c.Resync() {
		t.Fatalf("resync should be queued")
	}
	c.handle(<-c.events)
	if len(sink.tree) == 0 || sink.tree[0].Op != viewtree.EditReset {
		t.Fatalf("replay must start with a reset, got %v", sink.tree)
	}
	var leaves, groups int
	for _, e := range sink.tree[1:] {
		switch e.Op {
		case viewtree.EditInsertLeaf:
			leaves++
		case viewtree.EditInsertGroup:
			groups++
		}
	}
	if leaves != 2 || groups != 1 {
		t.Fatalf("expected every row replayed, got %v", sink.tree)
	}

	full := New(fleet.New("me"), Options{EventQueue: 1})
	full.OnText(1, "a")
	if full.Resync() {
		t.Fatalf("resync must not block on a full queue")
	}
}
