// Package logbuf keeps the styled output shown for one log subject (the
// sheriff's own log or a single command) bounded by a line ceiling.
package logbuf

import (
	"strings"

	"procsheriff/sgr"
)

// DefaultMaxLines matches the console's per-subject scrollback.
const DefaultMaxLines = 2000

// TrimMetrics holds counters for content discarded by the buffer.
type TrimMetrics struct {
	Lines   uint64
	Runs    uint64
	Clears  uint64
	Appends uint64
}

// Snapshot is an immutable copy of a buffer's runs.
type Snapshot struct {
	Runs  []sgr.Run
	Lines int
	Seq   uint64
}

// Buffer is an append-only sequence of styled runs whose oldest whole lines
// are evicted once the line count passes the ceiling.
//
// A line is the text up to and including a '\n'; a trailing fragment with no
// newline counts as one more line. Buffers are owned by a single goroutine.
type Buffer struct {
	name     string
	cache    *sgr.Cache
	runs     []sgr.Run
	head     int
	newlines int
	partial  bool
	maxLines int
	seq      uint64
	metrics  TrimMetrics
}

// NewBuffer creates a buffer that tokenizes with cache. A non-positive
// maxLines falls back to DefaultMaxLines.
func NewBuffer(name string, maxLines int, cache *sgr.Cache) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if cache == nil {
		cache = sgr.NewCache()
	}
	return &Buffer{
		name:     name,
		cache:    cache,
		maxLines: maxLines,
	}
}

func (b *Buffer) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}

// Append tokenizes text and appends its runs, then trims the head back to
// the ceiling. It returns the number of lines evicted.
func (b *Buffer) Append(text string) int {
	if b == nil || text == "" {
		return 0
	}
	runs := b.cache.Tokenize(text)
	if len(runs) == 0 {
		return 0
	}
	for _, r := range runs {
		b.runs = append(b.runs, r)
		b.newlines += strings.Count(r.Text, "\n")
	}
	b.partial = !strings.HasSuffix(runs[len(runs)-1].Text, "\n")
	b.seq++
	b.metrics.Appends++

	excess := b.Lines() - b.maxLines
	if excess <= 0 {
		return 0
	}
	b.dropLines(excess)
	return excess
}

// Clear discards all content.
func (b *Buffer) Clear() {
	if b == nil {
		return
	}
	for i := range b.runs {
		b.runs[i] = sgr.Run{}
	}
	b.runs = b.runs[:0]
	b.head = 0
	b.newlines = 0
	b.partial = false
	b.seq++
	b.metrics.Clears++
}

// Lines reports the current line count.
func (b *Buffer) Lines() int {
	if b == nil {
		return 0
	}
	n := b.newlines
	if b.partial {
		n++
	}
	return n
}

// Len reports the number of runs held.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.runs) - b.head
}

// Seq changes whenever the content changes.
func (b *Buffer) Seq() uint64 {
	if b == nil {
		return 0
	}
	return b.seq
}

// Runs returns a copy of the buffered runs.
func (b *Buffer) Runs() []sgr.Run {
	return b.SnapshotInto(nil).Runs
}

// SnapshotInto copies runs into dst, reusing its storage when large enough.
func (b *Buffer) SnapshotInto(dst []sgr.Run) Snapshot {
	if b == nil {
		return Snapshot{Runs: dst[:0]}
	}
	live := b.runs[b.head:]
	if cap(dst) < len(live) {
		dst = make([]sgr.Run, len(live))
	} else {
		dst = dst[:len(live)]
	}
	copy(dst, live)
	return Snapshot{Runs: dst, Lines: b.Lines(), Seq: b.seq}
}

// Text returns the buffered content without styling.
func (b *Buffer) Text() string {
	if b == nil {
		return ""
	}
	return sgr.PlainText(b.runs[b.head:])
}

// TrimSnapshot returns the eviction counters.
func (b *Buffer) TrimSnapshot() TrimMetrics {
	if b == nil {
		return TrimMetrics{}
	}
	return b.metrics
}

// dropLines evicts n whole lines from the head.
func (b *Buffer) dropLines(n int) {
	for n > 0 && b.head < len(b.runs) {
		r := &b.runs[b.head]
		inRun := strings.Count(r.Text, "\n")
		if inRun < n || (inRun == n && strings.HasSuffix(r.Text, "\n")) {
			n -= inRun
			b.newlines -= inRun
			b.metrics.Lines += uint64(inRun)
			b.metrics.Runs++
			*r = sgr.Run{}
			b.head++
			continue
		}
		// The run carries the start of the first line we keep.
		cut := nthIndexByte(r.Text, '\n', n) + 1
		r.Text = r.Text[cut:]
		b.newlines -= n
		b.metrics.Lines += uint64(n)
		n = 0
	}
	b.compact()
}

func (b *Buffer) compact() {
	if b.head == 0 || b.head < len(b.runs)/2 {
		return
	}
	live := copy(b.runs, b.runs[b.head:])
	for i := live; i < len(b.runs); i++ {
		b.runs[i] = sgr.Run{}
	}
	b.runs = b.runs[:live]
	b.head = 0
}

// nthIndexByte returns the index of the nth (1-based) occurrence of c.
func nthIndexByte(s string, c byte, n int) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			n--
			if n == 0 {
				return i
			}
		}
	}
	return -1
}
