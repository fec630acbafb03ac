package archive

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"procsheriff/config"
)

func testConfig(t *testing.T) config.ArchiveConfig {
	t.Helper()
	cfg := config.Default().Archive
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "archive", "transcript.db")
	cfg.BatchIntervalMS = 10
	return cfg
}

// Purpose: Verify queued entries are committed on Stop and read back in order.
// Key aspects: Recent filters by subject and returns oldest first.
// Upstream: go test.
// Downstream: NewWriter, Record, Stop, OpenReader.
func TestRecordAndRecent(t *testing.T) {
	cfg := testConfig(t)
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Start()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w.Record("global", base, "boot\n")
	w.Record("cmd:1", base.Add(time.Second), "one\n")
	w.Record("cmd:1", base.Add(2*time.Second), "two\n")
	w.Record("cmd:1", base.Add(3*time.Second), "")
	w.Record("cmd:2", base.Add(4*time.Second), "other\n")
	w.Stop()
	w.Stop()

	if w.Written() != 4 {
		t.Fatalf("expected 4 written entries, got %d", w.Written())
	}

	r, err := OpenReader(cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	got, err := r.Recent("cmd:1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "one\n" || got[1].Text != "two\n" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if !got[1].At.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp lost precision: %v", got[1].At)
	}

	all, err := r.Recent("", 2)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 2 || all[0].Subject != "cmd:1" || all[1].Subject != "cmd:2" {
		t.Fatalf("expected the two newest entries oldest first, got %+v", all)
	}

	subs, err := r.Subjects()
	if err != nil {
		t.Fatalf("Subjects: %v", err)
	}
	if len(subs) != 3 || subs[0].Subject != "cmd:1" || subs[0].Entries != 2 {
		t.Fatalf("unexpected subjects %+v", subs)
	}
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Stop()
	w.Record("global", time.Now(), "a")
	w.Record("global", time.Now(), "b")
	if w.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", w.Dropped())
	}
}

// Purpose: Verify retention deletes only entries past the window.
// Key aspects: cleanupOnce uses the injected now.
// Upstream: go test.
// Downstream: cleanupOnce.
func TestCleanupRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetentionDays = 1
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Stop()
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	w.flush([]Entry{
		{Subject: "global", At: now.Add(-48 * time.Hour), Text: "old\n"},
		{Subject: "global", At: now.Add(-time.Hour), Text: "new\n"},
	})
	n, err := w.cleanupOnce(now)
	if err != nil {
		t.Fatalf("cleanupOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one deleted row, got %d", n)
	}
	got, err := w.Recent("global", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "new\n" {
		t.Fatalf("unexpected survivors %+v", got)
	}
}

func TestCheckDatabaseHealthyAndMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.db")
	res, err := CheckDatabase(t.Context(), path, time.Second, nil)
	if err != nil || !res.Healthy {
		t.Fatalf("missing file should be healthy, got %+v %v", res, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("create table t (id integer)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	res, err = CheckDatabase(t.Context(), path, time.Second, nil)
	if err != nil || !res.Healthy || res.SetAside != "" {
		t.Fatalf("expected healthy check, got %+v %v", res, err)
	}
}

// Purpose: Verify a corrupt archive is moved aside with its sidecars.
// Key aspects: NewWriter then starts over on a fresh file.
// Upstream: go test.
// Downstream: CheckDatabase, setAside, NewWriter.
func TestCorruptDatabaseIsSetAside(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.DBPath, []byte("not a sqlite database"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if err := os.WriteFile(cfg.DBPath+"-journal", []byte("sidecar"), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	var logged []string
	logf := func(format string, args ...any) { logged = append(logged, format) }
	res, err := CheckDatabase(t.Context(), cfg.DBPath, time.Second, logf)
	if err != nil {
		t.Fatalf("CheckDatabase: %v", err)
	}
	if res.Healthy || res.SetAside == "" {
		t.Fatalf("expected file to be set aside, got %+v", res)
	}
	if _, err := os.Stat(res.SetAside); err != nil {
		t.Fatalf("expected moved file at %s: %v", res.SetAside, err)
	}
	suffix := strings.TrimPrefix(res.SetAside, cfg.DBPath)
	if _, err := os.Stat(cfg.DBPath + "-journal" + suffix); err != nil {
		t.Fatalf("expected sidecar to move too: %v", err)
	}
	if len(logged) != 1 {
		t.Fatalf("expected one log line, got %v", logged)
	}

	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter on fresh file: %v", err)
	}
	w.Stop()
}
