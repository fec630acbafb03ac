package ui

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFrameSchedulerCoalescesLatestPerID(t *testing.T) {
	f := newFrameScheduler(nil, 60, 50*time.Millisecond, nil)

	var seq []string
	f.Schedule("tree", func() { seq = append(seq, "t1") })
	f.Schedule("log", func() { seq = append(seq, "l1") })
	f.Schedule("tree", func() { seq = append(seq, "t2") })

	f.flush()

	if len(seq) != 2 {
		t.Fatalf("expected 2 callbacks, got %d (%v)", len(seq), seq)
	}
	if seq[0] != "t2" || seq[1] != "l1" {
		t.Fatalf("expected first-scheduled order with latest work, got %v", seq)
	}

	f.flush()
	if len(seq) != 2 {
		t.Fatalf("expected no additional callbacks after empty flush, got %v", seq)
	}
}

func TestFrameSchedulerFlushesPendingOnStop(t *testing.T) {
	f := newFrameScheduler(nil, 60, 50*time.Millisecond, nil)
	var called atomic.Uint64

	f.Start()
	f.Schedule("pane", func() { called.Add(1) })
	f.Stop()

	if called.Load() != 1 {
		t.Fatalf("expected pending callback to flush on stop, got %d", called.Load())
	}
}

func TestFrameSchedulerStopIdempotent(t *testing.T) {
	f := newFrameScheduler(nil, 60, 50*time.Millisecond, nil)
	f.Start()
	f.Stop()
	f.Stop()

	unstarted := newFrameScheduler(nil, 60, 50*time.Millisecond, nil)
	unstarted.Stop()
}

func TestFrameSchedulerObservesDelay(t *testing.T) {
	var observed atomic.Uint64
	f := newFrameScheduler(nil, 60, 50*time.Millisecond, func(time.Duration) { observed.Add(1) })
	f.Schedule("a", func() {})
	f.Schedule("b", func() {})
	f.flush()
	if observed.Load() != 1 {
		t.Fatalf("expected one observed frame, got %d", observed.Load())
	}
}
