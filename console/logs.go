package console

import (
	"fmt"
	"strconv"
	"strings"

	"procsheriff/fleet"
	"procsheriff/logbuf"
	"procsheriff/sgr"
)

// Subject names a log: the sheriff's own log or one command's output.
type Subject struct {
	Global  bool
	Command fleet.CommandID
}

// GlobalSubject is the sheriff's own log.
var GlobalSubject = Subject{Global: true}

// CommandSubject is the output log of command id.
func CommandSubject(id fleet.CommandID) Subject {
	return Subject{Command: id}
}

func (s Subject) String() string {
	if s.Global {
		return "global"
	}
	return "cmd:" + strconv.FormatInt(int64(s.Command), 10)
}

// ParseSubject is the inverse of Subject.String.
func ParseSubject(raw string) (Subject, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "global" {
		return GlobalSubject, true
	}
	rest, ok := strings.CutPrefix(raw, "cmd:")
	if !ok {
		return Subject{}, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return Subject{}, false
	}
	return CommandSubject(fleet.CommandID(id)), true
}

// LogContent returns a copy of the runs currently held for s. It is safe to
// call from any goroutine.
func (c *Console) LogContent(s Subject) []sgr.Run {
	snap, _ := c.LogSnapshot(s, nil)
	return snap.Runs
}

// LogSnapshot copies the log for s into dst. The second result is false
// when s names a command the console does not know.
func (c *Console) LogSnapshot(s Subject, dst []sgr.Run) (logbuf.Snapshot, bool) {
	if c == nil {
		return logbuf.Snapshot{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf := c.bufferLocked(s)
	if buf == nil {
		return logbuf.Snapshot{Runs: dst[:0]}, false
	}
	return buf.SnapshotInto(dst), true
}

func (c *Console) bufferLocked(s Subject) *logbuf.Buffer {
	if s.Global {
		return c.global
	}
	if st, ok := c.commands[s.Command]; ok {
		return st.log
	}
	return nil
}

// SystemWriter returns a writer whose lines land in the global log. The log
// fan-out uses it while a dashboard owns the terminal.
func (c *Console) SystemWriter() *SystemWriter {
	return &SystemWriter{c: c}
}

// SystemWriter posts written text to the global log without blocking.
type SystemWriter struct {
	c *Console
}

func (w *SystemWriter) Write(p []byte) (int, error) {
	if w == nil || w.c == nil {
		return len(p), nil
	}
	w.c.post(event{kind: evSystem, text: string(p)})
	return len(p), nil
}

// appendOutput admits command output through the rate limiter into the
// command's log.
func (c *Console) appendOutput(id fleet.CommandID, text string) {
	if text == "" {
		return
	}
	c.mu.RLock()
	st, ok := c.commands[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	keep, _ := c.limiter.Admit(id, text)
	if keep == "" {
		return
	}
	c.appendTo(CommandSubject(id), st.log, keep)
}

func (c *Console) appendGlobal(text string) {
	c.appendTo(GlobalSubject, c.global, text)
}

func (c *Console) appendTo(s Subject, buf *logbuf.Buffer, text string) {
	c.mu.Lock()
	buf.Append(text)
	c.mu.Unlock()
	if c.opts.Transcript != nil {
		c.opts.Transcript.Record(s.String(), c.opts.Clock(), sgr.Strip(text))
	}
	c.opts.Sink.OnLogChanged(s)
}

func (c *Console) clear(s Subject) {
	c.mu.Lock()
	buf := c.bufferLocked(s)
	if buf != nil {
		buf.Clear()
	}
	c.mu.Unlock()
	if buf != nil {
		c.opts.Sink.OnLogChanged(s)
	}
}

// rotate advances every rate window and reports what each command lost
// during the last tick, in its own log and in the global log.
func (c *Console) rotate() {
	reports := c.limiter.Rotate()
	if len(reports) == 0 {
		return
	}
	ts := c.stamp()
	for _, r := range reports {
		c.mu.RLock()
		st, ok := c.commands[r.Key]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		c.appendTo(CommandSubject(r.Key), st.log,
			fmt.Sprintf("%s\nSHERIFF RATE LIMIT: Ignored %d bytes of output\n", ts, r.Dropped))
		c.appendGlobal(fmt.Sprintf("%sIgnored %d bytes of output from [%s] [%s]\n", ts, r.Dropped, st.deputy, st.name))
	}
}
