package ui

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"procsheriff/console"
	"procsheriff/internal/ratelimit"
	"procsheriff/viewtree"
)

// Headless is the surface used when stdout is not a terminal or the UI is
// disabled. It prints the sheriff's global log as plain text and, when
// Verbose is set, command output prefixed with its subject. It also acts as
// a console.Transcript so it sees every chunk exactly once.
//
// Record runs on the console loop, so it only queues; a writer goroutine
// owns out and does the printing. A full queue drops the chunk.
type Headless struct {
	Verbose bool

	out   io.Writer
	lines chan headlessLine
	// partial is owned by the writer goroutine.
	partial map[string]bool

	treeEdits atomic.Uint64
	hostEdits atomic.Uint64
	dropped   atomic.Uint64
	dropLog   ratelimit.Counter

	done       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
}

type headlessLine struct {
	subject string
	text    string
}

const defaultHeadlessQueue = 4096

// NewHeadless writes to out and starts the writer. Call Stop to flush.
func NewHeadless(out io.Writer, verbose bool) *Headless {
	return newHeadless(out, verbose, defaultHeadlessQueue)
}

func newHeadless(out io.Writer, verbose bool, queue int) *Headless {
	h := &Headless{
		Verbose:    verbose,
		out:        out,
		lines:      make(chan headlessLine, queue),
		partial:    make(map[string]bool),
		dropLog:    ratelimit.NewCounter(30 * time.Second),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go h.writeLoop()
	return h
}

func (h *Headless) OnTreeEdit(viewtree.Edit)     { h.treeEdits.Add(1) }
func (h *Headless) OnHostEdit(viewtree.HostEdit) { h.hostEdits.Add(1) }
func (h *Headless) OnLogChanged(console.Subject) {}

// Record queues a log chunk for printing. It never blocks.
func (h *Headless) Record(subject string, _ time.Time, text string) {
	if h == nil || h.out == nil || text == "" {
		return
	}
	if subject != console.GlobalSubject.String() && !h.Verbose {
		return
	}
	select {
	case h.lines <- headlessLine{subject: subject, text: text}:
	default:
		h.dropped.Add(1)
		if total, ok := h.dropLog.Inc(); ok {
			log.Printf("UI: headless output queue full, %d chunks dropped so far", total)
		}
	}
}

// Dropped reports chunks lost to a full queue.
func (h *Headless) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// writeLoop prints queued chunks until Stop, then flushes what is left.
func (h *Headless) writeLoop() {
	defer close(h.writerDone)
	for {
		select {
		case l := <-h.lines:
			h.write(l)
		case <-h.done:
			for {
				select {
				case l := <-h.lines:
					h.write(l)
				default:
					return
				}
			}
		}
	}
}

// write prints one chunk. Lines from a command are prefixed with the
// subject at the start of each line.
func (h *Headless) write(l headlessLine) {
	text := l.text
	if l.subject == console.GlobalSubject.String() {
		_, _ = io.WriteString(h.out, text)
		return
	}
	var b strings.Builder
	midLine := h.partial[l.subject]
	for len(text) > 0 {
		if !midLine {
			fmt.Fprintf(&b, "%s| ", l.subject)
		}
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			b.WriteString(text)
			midLine = true
			break
		}
		b.WriteString(text[:idx+1])
		text = text[idx+1:]
		midLine = false
	}
	h.partial[l.subject] = midLine
	_, _ = io.WriteString(h.out, b.String())
}

// EditCounts reports how many tree and deputy edits were received.
func (h *Headless) EditCounts() (tree, hosts uint64) {
	return h.treeEdits.Load(), h.hostEdits.Load()
}

func (h *Headless) WaitReady() {}

func (h *Headless) Done() <-chan struct{} { return h.done }

// Stop flushes queued output and ends the writer. Chunks recorded after
// Stop are not printed.
func (h *Headless) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	<-h.writerDone
}
