package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"procsheriff/console"
	"procsheriff/fleet"
	"procsheriff/telemetry"
)

func TestLoadSheriffConfigFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	cfg, err := loadSheriffConfig("")
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.LoadedFrom != "" || cfg.UI.Mode != "tview" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := loadSheriffConfig(filepath.Join("missing", "sheriff.yaml")); err == nil {
		t.Fatalf("an explicit missing path must fail")
	}
}

func TestLoadSheriffConfigPrefersEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(path, []byte("sheriff:\n  name: env-sheriff\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(envConfigPath, path)
	cfg, err := loadSheriffConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sheriff.Name != "env-sheriff" || cfg.LoadedFrom != path {
		t.Fatalf("expected the env file, got %q from %q", cfg.Sheriff.Name, cfg.LoadedFrom)
	}
}

type recordingTranscript struct {
	subjects []string
}

func (r *recordingTranscript) Record(subject string, _ time.Time, _ string) {
	r.subjects = append(r.subjects, subject)
}

func TestTranscriptTeeFansOut(t *testing.T) {
	a, b := &recordingTranscript{}, &recordingTranscript{}
	tee := transcriptTee{a, b}
	tee.Record("global", time.Now(), "x")
	if len(a.subjects) != 1 || len(b.subjects) != 1 {
		t.Fatalf("expected both transcripts to record, got %v %v", a.subjects, b.subjects)
	}
}

func TestFormatStats(t *testing.T) {
	prev := statsSnapshot{telemetry: true, archive: true, reports: 10, printfs: 1000, written: 5}
	cur := prev
	cur.connected = true
	cur.reports = 25
	cur.printfs = 4500
	cur.intents = 2
	cur.written = 1505
	cur.archiveDrops = 3
	line := formatStats(cur, prev)
	for _, want := range []string{"broker up", "reports +15", "output +3,500", "intents 2", "archived +1,500", "(3 dropped)"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "queue drops") || strings.Contains(line, "rejected") {
		t.Fatalf("zero counters should be omitted: %q", line)
	}
	if strings.Contains(line, "failed") {
		t.Fatalf("no intent failures should be reported: %q", line)
	}
	cur.intentFails = 4
	if line := formatStats(cur, prev); !strings.Contains(line, "intents 2 (4 failed)") {
		t.Fatalf("expected intent failures in %q", line)
	}
	if got := formatStats(statsSnapshot{}, statsSnapshot{}); got != "Stats: telemetry off" {
		t.Fatalf("unexpected idle summary %q", got)
	}
}

func TestBridgeFollowsConsoleObserverMode(t *testing.T) {
	relay := &consoleRelay{}
	if relay.Observer() {
		t.Fatalf("relay without a console must not report observer")
	}
	con := console.New(fleet.New("me"), console.Options{})
	relay.target = con
	bridge := telemetry.NewClient(telemetry.Options{Observer: relay.Observer}, relay)
	defer bridge.Stop()

	if err := bridge.PublishIntent(fleet.Intent{Kind: fleet.IntentStart, Command: 1}); err != nil {
		t.Fatalf("expected intent to be queued, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go con.Run(ctx)
	con.SetObserver(true)
	deadline := time.Now().Add(2 * time.Second)
	for !con.Observer() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := bridge.PublishIntent(fleet.Intent{Kind: fleet.IntentStart, Command: 1}); !errors.Is(err, fleet.ErrObserver) {
		t.Fatalf("bridge should refuse once the console is an observer, got %v", err)
	}
}
