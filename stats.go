package main

import (
	"context"
	"log"
	"strings"
	"time"

	"procsheriff/archive"
	"procsheriff/console"
	"procsheriff/telemetry"

	"github.com/dustin/go-humanize"
)

type statsSources struct {
	console   *console.Console
	telemetry *telemetry.Client
	archive   *archive.Writer
}

// statsSnapshot holds cumulative counters; the summary prints the change
// since the previous tick next to the running totals.
type statsSnapshot struct {
	telemetry    bool
	archive      bool
	connected    bool
	reports      uint64
	printfs      uint64
	intents      uint64
	intentFails  uint64
	decodeErrors uint64
	oversized    uint64
	queueDrops   uint64
	written      uint64
	archiveDrops uint64
}

func (s statsSources) snapshot() statsSnapshot {
	ts := s.telemetry.Stats()
	return statsSnapshot{
		telemetry:    s.telemetry != nil,
		archive:      s.archive != nil,
		connected:    s.telemetry.IsConnected(),
		reports:      ts.Reports,
		printfs:      ts.Printfs,
		intents:      ts.Intents,
		intentFails:  ts.IntentDrops + ts.PublishErrors,
		decodeErrors: ts.DecodeErrors,
		oversized:    ts.Oversized,
		queueDrops:   s.console.Dropped(),
		written:      s.archive.Written(),
		archiveDrops: s.archive.Dropped(),
	}
}

// Purpose: Log a periodic traffic summary.
// Key aspects: Skips intervals with no change so an idle console stays quiet.
// Upstream: main.
// Downstream: formatStats.
func runStats(ctx context.Context, interval time.Duration, src statsSources) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prev := src.snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := src.snapshot()
			if cur == prev {
				continue
			}
			log.Print(formatStats(cur, prev))
			prev = cur
		}
	}
}

func delta(cur, prev uint64) int64 {
	if cur < prev {
		return 0
	}
	return int64(cur - prev)
}

func formatStats(cur, prev statsSnapshot) string {
	var b strings.Builder
	b.WriteString("Stats:")
	if cur.telemetry {
		state := "down"
		if cur.connected {
			state = "up"
		}
		b.WriteString(" broker " + state)
		b.WriteString(" | reports +" + humanize.Comma(delta(cur.reports, prev.reports)))
		b.WriteString(" | output +" + humanize.Comma(delta(cur.printfs, prev.printfs)))
		b.WriteString(" | intents " + humanize.Comma(int64(cur.intents)))
		if cur.intentFails > 0 {
			b.WriteString(" (" + humanize.Comma(int64(cur.intentFails)) + " failed)")
		}
		if bad := cur.decodeErrors + cur.oversized; bad > 0 {
			b.WriteString(" | rejected " + humanize.Comma(int64(bad)))
		}
	} else {
		b.WriteString(" telemetry off")
	}
	if cur.queueDrops > 0 {
		b.WriteString(" | queue drops " + humanize.Comma(int64(cur.queueDrops)))
	}
	if cur.archive {
		b.WriteString(" | archived +" + humanize.Comma(delta(cur.written, prev.written)))
		if cur.archiveDrops > 0 {
			b.WriteString(" (" + humanize.Comma(int64(cur.archiveDrops)) + " dropped)")
		}
	}
	return b.String()
}
