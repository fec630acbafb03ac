package fleet

import (
	"errors"
	"testing"
	"time"
)

func TestApplyReportAddsUpdatesAndRemoves(t *testing.T) {
	f := New("sheriff-a")
	at := time.Unix(100, 0)
	events := f.ApplyReport(DeputyReport{
		Name: "alpha",
		At:   at,
		Commands: []CommandReport{
			{ID: 1, Name: "camera", Status: StatusRunning},
			{ID: 2, Name: "lidar", Group: "sensors", Status: StatusStoppedOK},
		},
	})
	if len(events) != 2 || events[0].Kind != EventCommandAdded || events[1].Kind != EventCommandAdded {
		t.Fatalf("expected two add events, got %+v", events)
	}
	if d, ok := f.Deputy("alpha"); !ok || !d.LastUpdate.Equal(at) {
		t.Fatalf("expected deputy alpha updated at %v, got %+v", at, d)
	}

	events = f.ApplyReport(DeputyReport{
		Name: "alpha",
		At:   at.Add(time.Second),
		Commands: []CommandReport{
			{ID: 2, Name: "lidar", Group: "perception", Status: StatusRunning},
		},
	})
	kinds := map[EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	if kinds[EventGroupChanged] != 1 || kinds[EventStatusChanged] != 1 || kinds[EventCommandRemoved] != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}
	if _, ok := f.Command(1); ok {
		t.Fatalf("expected command 1 to be removed")
	}
	c, _ := f.Command(2)
	if c.Group != "perception" || c.Status != StatusRunning {
		t.Fatalf("unexpected command state: %+v", c)
	}
}

func TestApplyReportMovesCommandBetweenDeputies(t *testing.T) {
	f := New("s")
	f.ApplyReport(DeputyReport{Name: "alpha", Commands: []CommandReport{{ID: 7, Name: "x"}}})
	f.ApplyReport(DeputyReport{Name: "beta", Commands: []CommandReport{{ID: 7, Name: "x"}}})
	if got := len(f.Commands("alpha")); got != 0 {
		t.Fatalf("expected alpha to own nothing, got %d", got)
	}
	if got := f.Commands("beta"); len(got) != 1 || got[0].Deputy != "beta" {
		t.Fatalf("expected beta to own command 7, got %+v", got)
	}
}

func TestPendingCommandSurvivesReport(t *testing.T) {
	f := New("s")
	f.EnsureDeputy("alpha")
	c, err := f.AddCommand("alpha", "planner", "", " nav ", true)
	if err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	if c.Group != "nav" {
		t.Fatalf("expected trimmed group, got %q", c.Group)
	}
	f.ApplyReport(DeputyReport{Name: "alpha"})
	if _, ok := f.Command(c.ID); !ok {
		t.Fatalf("pending command should survive a report that omits it")
	}
	f.ApplyReport(DeputyReport{Name: "alpha", Commands: []CommandReport{{ID: c.ID, Name: "planner"}}})
	f.ApplyReport(DeputyReport{Name: "alpha"})
	if _, ok := f.Command(c.ID); ok {
		t.Fatalf("acknowledged command should be removed once omitted")
	}
}

func TestObserverRefusesIntents(t *testing.T) {
	f := New("s")
	f.ApplyReport(DeputyReport{Name: "alpha", Commands: []CommandReport{{ID: 1, Name: "x"}}})
	f.SetObserver(true)
	if err := f.Start(1); !errors.Is(err, ErrObserver) {
		t.Fatalf("expected ErrObserver, got %v", err)
	}
	if _, err := f.AddCommand("alpha", "y", "", "", false); !errors.Is(err, ErrObserver) {
		t.Fatalf("expected ErrObserver from AddCommand, got %v", err)
	}
	f.SetObserver(false)
	if err := f.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c, _ := f.Command(1)
	if c.Status != StatusTryingToStart {
		t.Fatalf("expected trying to start, got %v", c.Status)
	}
}

func TestUnknownTargets(t *testing.T) {
	f := New("s")
	if err := f.Stop(42); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	f.ApplyReport(DeputyReport{Name: "alpha", Commands: []CommandReport{{ID: 1, Name: "x"}}})
	if err := f.MoveToDeputy(1, "nowhere"); !errors.Is(err, ErrUnknownDeputy) {
		t.Fatalf("expected ErrUnknownDeputy, got %v", err)
	}
}

func TestDisplayNamePrefersNickname(t *testing.T) {
	c := &Command{Name: "roslaunch nav", Nickname: "  "}
	if got := c.DisplayName(); got != "roslaunch nav" {
		t.Fatalf("blank nickname should fall back to name, got %q", got)
	}
	c.Nickname = "nav"
	if got := c.DisplayName(); got != "nav" {
		t.Fatalf("expected nickname, got %q", got)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"Stopped (OK)":    StatusStoppedOK,
		"stopped_error":   StatusStoppedError,
		"TRYING TO START": StatusTryingToStart,
		"running":         StatusRunning,
		"bogus":           StatusUnknown,
	}
	for raw, want := range cases {
		if got := ParseStatus(raw); got != want {
			t.Fatalf("ParseStatus(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestPurgeIdleDeputies(t *testing.T) {
	f := New("s")
	f.EnsureDeputy("idle")
	f.ApplyReport(DeputyReport{Name: "busy", Commands: []CommandReport{{ID: 1, Name: "x"}}})
	purged := f.PurgeIdleDeputies()
	if len(purged) != 1 || purged[0] != "idle" {
		t.Fatalf("expected idle purged, got %v", purged)
	}
	if len(f.Deputies()) != 1 {
		t.Fatalf("expected one deputy left")
	}
}

func TestIntentApply(t *testing.T) {
	f := New("s")
	f.ApplyReport(DeputyReport{Name: "alpha", Commands: []CommandReport{{ID: 1, Name: "x", Status: StatusRunning}}})
	f.EnsureDeputy("beta")

	if err := (Intent{Kind: IntentSetGroup, Command: 1, Arg: " drivers "}).Apply(f); err != nil {
		t.Fatalf("set group: %v", err)
	}
	if err := (Intent{Kind: IntentMoveToDeputy, Command: 1, Arg: "beta"}).Apply(f); err != nil {
		t.Fatalf("move: %v", err)
	}
	c, _ := f.Command(1)
	if c.Group != "drivers" || c.Deputy != "beta" {
		t.Fatalf("unexpected command after intents: %+v", c)
	}
	if len(f.Commands("alpha")) != 0 || len(f.Commands("beta")) != 1 {
		t.Fatalf("command should be owned by beta only")
	}
	f.SetObserver(true)
	if err := (Intent{Kind: IntentStop, Command: 1}).Apply(f); !errors.Is(err, ErrObserver) {
		t.Fatalf("expected ErrObserver, got %v", err)
	}
}

func TestAdmitLeavesFleetUntouched(t *testing.T) {
	f := New("s")
	f.ApplyReport(DeputyReport{Name: "alpha", Commands: []CommandReport{{ID: 1, Name: "x", Status: StatusStoppedOK}}})

	if err := f.Admit(Intent{Kind: IntentStart, Command: 1}); err != nil {
		t.Fatalf("admit start: %v", err)
	}
	if c, _ := f.Command(1); c.Status != StatusStoppedOK {
		t.Fatalf("admit must not apply the intent, status is %s", c.Status)
	}
	if err := f.Admit(Intent{Kind: IntentStop, Command: 9}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if err := f.Admit(Intent{Kind: IntentMoveToDeputy, Command: 1, Arg: "nowhere"}); !errors.Is(err, ErrUnknownDeputy) {
		t.Fatalf("expected ErrUnknownDeputy, got %v", err)
	}
	if err := f.Admit(Intent{Kind: IntentKind(99), Command: 1}); err == nil {
		t.Fatalf("expected unknown kind to be refused")
	}
	f.SetObserver(true)
	if err := f.Admit(Intent{Kind: IntentStart, Command: 1}); !errors.Is(err, ErrObserver) {
		t.Fatalf("expected ErrObserver, got %v", err)
	}
}

func TestParseIntentKind(t *testing.T) {
	for k := IntentStart; k <= IntentMoveToDeputy; k++ {
		got, ok := ParseIntentKind(k.String())
		if !ok || got != k {
			t.Fatalf("round trip failed for %v", k)
		}
	}
	if _, ok := ParseIntentKind("explode"); ok {
		t.Fatalf("expected unknown kind to fail")
	}
}
