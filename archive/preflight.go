package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// sidecars are the files SQLite keeps next to a database in WAL or rollback
// mode. They move together with the main file when it is set aside.
var sidecars = []string{"", "-wal", "-shm", "-journal"}

// CheckResult describes what the startup check found.
type CheckResult struct {
	Healthy bool
	// SetAside is the path the damaged database was renamed to, empty when
	// the file was healthy or absent.
	SetAside string
	Elapsed  time.Duration
	Err      error
}

// CheckDatabase makes sure the archive file at path can be opened before the
// writer commits to it. A missing file is healthy. A file that fails the WAL
// checkpoint or quick_check is renamed (with its sidecars) to
// <path>.bad-<UTC stamp> so the writer starts over on a fresh database.
//
// A check that runs out of time is an error rather than a reason to discard
// the file: a slow disk is not corruption.
func CheckDatabase(ctx context.Context, path string, timeout time.Duration, logf func(string, ...any)) (CheckResult, error) {
	var res CheckResult
	if strings.TrimSpace(path) == "" {
		return res, errors.New("archive: check: empty path")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		res.Healthy = true
		return res, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res.Err = probe(ctx, path, timeout)
	res.Elapsed = time.Since(start)
	if res.Err == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("archive: check %s: timed out after %s", path, timeout)
	}

	dest, err := setAside(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("archive: set aside %s: %w (check: %v)", path, err, res.Err)
	}
	res.SetAside = dest
	if logf != nil {
		logf("Archive: %s failed its startup check (%v); moved to %s", path, res.Err, dest)
	}
	return res, nil
}

func probe(ctx context.Context, path string, timeout time.Duration) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("quick_check: %w", err)
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

// setAside renames path and any sidecars that exist. It returns the new
// name of the main file.
func setAside(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, ext := range sidecars {
		src := path + ext
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", err
		}
	}
	return filepath.Clean(path + suffix), nil
}
