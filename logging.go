package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"procsheriff/config"
	"procsheriff/internal/ratelimit"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "02-Jan-2006"
	logFilePrefix      = "sheriff-"
	maxPendingLogBytes = 16 * 1024
)

// lineSink receives complete log lines from the fan-out.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

// writerSink forwards lines to an io.Writer. While a dashboard owns the
// terminal the writer is the console's SystemWriter, which stamps lines
// itself, so the timestamp prefix is optional.
type writerSink struct {
	w     io.Writer
	stamp bool
}

func (s *writerSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.stamp {
		line = formatLogTimestamp(now) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *writerSink) Close() error { return nil }

// dailyLogFile appends to one file per UTC day and prunes files older than
// the retention window whenever it opens a new one.
type dailyLogFile struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	day           string
	path          string
	file          *os.File
	errLog        ratelimit.Counter
}

// Purpose: Prepare the log directory and prune stale files.
// Key aspects: The first file is opened lazily by the first line.
// Upstream: setupLogging.
// Downstream: os.MkdirAll, cleanupOldLogs.
func newDailyLogFile(dir string, retentionDays int) (*dailyLogFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("logging: directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %q: %w", dir, err)
	}
	if err := cleanupOldLogs(dir, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup of %s failed: %v\n", dir, err)
	}
	return &dailyLogFile{
		dir:           dir,
		retentionDays: retentionDays,
		errLog:        ratelimit.NewCounter(time.Minute),
	}, nil
}

// Purpose: Append one stamped line, switching files at the UTC day boundary.
// Key aspects: File errors go to stderr at most once a minute.
// Upstream: logFanout.Write.
// Downstream: openLocked, os.File.WriteString.
func (s *dailyLogFile) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	day := now.Format(logFileDateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil || s.day != day {
		s.openLocked(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		s.reportLocked(fmt.Errorf("write %s: %w", s.path, err))
	}
}

func (s *dailyLogFile) openLocked(day string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.reportLocked(fmt.Errorf("create %q: %w", s.dir, err))
		return
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportLocked(fmt.Errorf("open %s: %w", path, err))
		return
	}
	s.file = file
	s.day = day
	s.path = path
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportLocked(fmt.Errorf("cleanup: %w", err))
	}
}

func (s *dailyLogFile) reportLocked(err error) {
	if err == nil {
		return
	}
	if _, ok := s.errLog.Inc(); ok {
		fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
	}
}

// Path returns the file currently being written, or "" before the first line.
func (s *dailyLogFile) Path() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *dailyLogFile) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	s.path = ""
	return err
}

// logFanout is the log.Logger output. It splits writes into lines and hands
// each line to the terminal-side sink and the daily file.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console lineSink
	file    lineSink
}

// Purpose: Build the process log writer from config.
// Key aspects: Always returns a usable fanout; a file error is returned
// alongside it so startup can continue without a log file.
// Upstream: main.
// Downstream: newDailyLogFile.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	f := &logFanout{console: &writerSink{w: console, stamp: true}}
	if !cfg.Enabled {
		return f, nil
	}
	file, err := newDailyLogFile(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return f, err
	}
	f.file = file
	return f, nil
}

// SetConsoleSink redirects the terminal side, e.g. into the dashboard's
// global log once it owns the screen. A nil writer silences it.
func (f *logFanout) SetConsoleSink(w io.Writer, stamp bool) {
	if f == nil {
		return
	}
	var sink lineSink
	if w != nil {
		sink = &writerSink{w: w, stamp: stamp}
	}
	f.mu.Lock()
	f.console = sink
	f.mu.Unlock()
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	rest := f.pending
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(rest[:idx], "\r")))
		rest = rest[idx+1:]
	}
	if len(rest) > maxPendingLogBytes {
		lines = append(lines, string(rest))
		rest = rest[:0]
	}
	f.pending = append(f.pending[:0], rest...)
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the file.
func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	tail := string(bytes.TrimRight(f.pending, "\r"))
	f.pending = f.pending[:0]
	file := f.file
	f.file = nil
	f.mu.Unlock()
	if file == nil {
		return nil
	}
	if tail != "" {
		file.WriteLine(tail, time.Now().UTC())
	}
	return file.Close()
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDateLayout) + ".log"
}

func parseLogFileDate(name string) (time.Time, bool) {
	if filepath.Ext(name) != ".log" || !strings.HasPrefix(name, logFilePrefix) {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log")
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// cleanupOldLogs removes log files whose date falls outside the last
// retentionDays days, today included. Other files are left alone.
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := parseLogFileDate(entry.Name())
		if ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
