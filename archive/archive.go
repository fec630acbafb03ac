// Package archive keeps a SQLite transcript of everything the console logs.
//
// The console never waits on the archive: Record queues without blocking and
// a full queue drops the line (counted and logged at most every 30s). A
// background loop batches inserts into one transaction; another deletes rows
// older than the retention window.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"procsheriff/config"
	"procsheriff/internal/ratelimit"

	_ "modernc.org/sqlite"
)

// Entry is one archived log chunk.
type Entry struct {
	Subject string
	At      time.Time
	Text    string
}

// SubjectCount is a subject with the number of archived entries it has.
type SubjectCount struct {
	Subject string
	Entries int
	Last    time.Time
}

// Writer persists transcript entries asynchronously.
type Writer struct {
	cfg   config.ArchiveConfig
	db    *sql.DB
	queue chan Entry
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	dropped atomic.Uint64
	dropLog ratelimit.Counter
	written atomic.Uint64
}

// NewWriter checks and opens the database; call Start to begin processing.
func NewWriter(cfg config.ArchiveConfig) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	timeout := time.Duration(cfg.PreflightTimeoutMS) * time.Millisecond
	if _, err := CheckDatabase(context.Background(), cfg.DBPath, timeout, log.Printf); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=%s; pragma busy_timeout=%d",
		synchronousMode(cfg.Synchronous), cfg.BusyTimeoutMS)
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 200
	}
	return &Writer{
		cfg:     cfg,
		db:      db,
		queue:   make(chan Entry, qsize),
		stop:    make(chan struct{}),
		dropLog: ratelimit.NewCounter(30 * time.Second),
	}, nil
}

func synchronousMode(v string) string {
	switch v {
	case "off":
		return "OFF"
	case "full":
		return "FULL"
	default:
		return "NORMAL"
	}
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	if w == nil {
		return
	}
	w.wg.Add(2)
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop drains what is queued, then closes the database. Safe to call twice.
func (w *Writer) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
		_ = w.db.Close()
	})
}

// Record queues one log chunk. It never blocks; a full queue drops the chunk.
func (w *Writer) Record(subject string, at time.Time, text string) {
	if w == nil || text == "" {
		return
	}
	select {
	case w.queue <- Entry{Subject: subject, At: at, Text: text}:
	default:
		w.dropped.Add(1)
		if total, ok := w.dropLog.Inc(); ok {
			log.Printf("Archive: queue full, %d transcript entries dropped so far", total)
		}
	}
}

// Dropped returns how many entries were lost to a full queue.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Written returns how many entries have been committed.
func (w *Writer) Written() uint64 {
	if w == nil {
		return 0
	}
	return w.written.Load()
}

func (w *Writer) insertLoop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]Entry, 0, w.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
				default:
					w.flush(batch)
					return
				}
			}
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (w *Writer) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("Archive: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into transcript(subject, ts, text) values(?,?,?)`)
	if err != nil {
		log.Printf("Archive: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	var n uint64
	for _, e := range batch {
		if _, err := stmt.Exec(e.Subject, e.At.UTC().UnixMicro(), e.Text); err != nil {
			log.Printf("Archive: insert failed: %v", err)
			continue
		}
		n++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("Archive: commit: %v", err)
		return
	}
	w.written.Add(n)
}

func (w *Writer) cleanupLoop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.cleanupOnce(time.Now()); err != nil {
				log.Printf("Archive: cleanup: %v", err)
			}
		}
	}
}

// cleanupOnce deletes entries older than the retention window and returns
// how many went.
func (w *Writer) cleanupOnce(now time.Time) (int64, error) {
	if w.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-time.Duration(w.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMicro()
	res, err := w.db.Exec(`delete from transcript where ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists transcript (
		id integer primary key autoincrement,
		subject text not null,
		ts integer not null,
		text text not null
	);
	create index if not exists idx_transcript_ts on transcript(ts);
	create index if not exists idx_transcript_subject_ts on transcript(subject, ts);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries for subject, oldest
// first so they read like a log. An empty subject means every subject.
func (w *Writer) Recent(subject string, limit int) ([]Entry, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	return recent(w.db, subject, limit)
}

func recent(db *sql.DB, subject string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if subject == "" {
		rows, err = db.Query(`select subject, ts, text from transcript order by ts desc, id desc limit ?`, limit)
	} else {
		rows, err = db.Query(`select subject, ts, text from transcript where subject = ? order by ts desc, id desc limit ?`, subject, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.Subject, &ts, &e.Text); err != nil {
			return nil, fmt.Errorf("archive: scan recent: %w", err)
		}
		e.At = time.UnixMicro(ts).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate recent: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func subjects(db *sql.DB) ([]SubjectCount, error) {
	rows, err := db.Query(`select subject, count(*), max(ts) from transcript group by subject order by subject`)
	if err != nil {
		return nil, fmt.Errorf("archive: query subjects: %w", err)
	}
	defer rows.Close()
	var out []SubjectCount
	for rows.Next() {
		var (
			sc SubjectCount
			ts int64
		)
		if err := rows.Scan(&sc.Subject, &sc.Entries, &ts); err != nil {
			return nil, fmt.Errorf("archive: scan subjects: %w", err)
		}
		sc.Last = time.UnixMicro(ts).UTC()
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate subjects: %w", err)
	}
	return out, nil
}

// Reader opens an archive read-only for offline inspection.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the database at path without creating it.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive: open reader: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("archive: open reader: %w", err)
	}
	return &Reader{db: db}, nil
}

// Recent is Writer.Recent for a read-only archive.
func (r *Reader) Recent(subject string, limit int) ([]Entry, error) {
	return recent(r.db, subject, limit)
}

// Subjects lists every archived subject with its entry count.
func (r *Reader) Subjects() ([]SubjectCount, error) {
	return subjects(r.db)
}

// Close releases the database.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
