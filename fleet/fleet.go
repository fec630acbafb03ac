// Package fleet models the deputies a sheriff knows about and the commands
// each of them supervises. It is the console's entity source: transports
// feed it reports, operators mutate it through Commander, and the view tree
// reads it through Source.
//
// A Fleet is not safe for concurrent use. It is owned by the console's
// dispatch goroutine.
package fleet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnknownDeputy  = errors.New("fleet: unknown deputy")
	ErrUnknownCommand = errors.New("fleet: unknown command")
	ErrObserver       = errors.New("fleet: sheriff is in observer mode")
)

// CommandID is the sheriff-assigned identity of a command. It is stable for
// the life of the command, including moves between deputies.
type CommandID int64

// Command is one supervised process.
type Command struct {
	ID          CommandID
	Name        string
	Nickname    string
	Deputy      string
	Group       string
	Status      Status
	CPU         float64
	MemBytes    uint64
	AutoRestart bool

	// pending is set for commands created locally that no deputy has
	// acknowledged yet. Reports that omit them do not remove them.
	pending bool
}

// DisplayName returns the nickname when it has any non-space content,
// otherwise the command name.
func (c *Command) DisplayName() string {
	if c == nil {
		return ""
	}
	if strings.TrimSpace(c.Nickname) != "" {
		return c.Nickname
	}
	return c.Name
}

// Deputy is a remote supervisor process.
type Deputy struct {
	Name       string
	LastUpdate time.Time
	Load       float64
}

// Source is the read-only snapshot access used by the reconciler.
type Source interface {
	Deputies() []*Deputy
	Commands(deputy string) []*Command
}

// Commander carries operator intents back into the fleet.
type Commander interface {
	Start(id CommandID) error
	Stop(id CommandID) error
	Restart(id CommandID) error
	Remove(id CommandID) error
	SetGroup(id CommandID, group string) error
	SetNickname(id CommandID, nickname string) error
	MoveToDeputy(id CommandID, deputy string) error
}

// EventKind classifies a fleet change.
type EventKind int

const (
	EventCommandAdded EventKind = iota
	EventCommandRemoved
	EventStatusChanged
	EventGroupChanged
)

func (k EventKind) Label() string {
	switch k {
	case EventCommandAdded:
		return "ADDED"
	case EventCommandRemoved:
		return "REMOVED"
	case EventStatusChanged:
		return "STATUS"
	case EventGroupChanged:
		return "GROUP"
	default:
		return "UNK"
	}
}

// Event describes one change applied to the fleet. Command is a copy taken
// after the change (before it, for removals).
type Event struct {
	Kind      EventKind
	Command   Command
	OldStatus Status
}

// CommandReport is one command as described by its deputy.
type CommandReport struct {
	ID          CommandID
	Name        string
	Nickname    string
	Group       string
	Status      Status
	CPU         float64
	MemBytes    uint64
	AutoRestart bool
}

// DeputyReport is a deputy's periodic description of itself and the complete
// set of commands it currently owns.
type DeputyReport struct {
	Name     string
	Load     float64
	At       time.Time
	Commands []CommandReport
}

// Fleet is the in-memory entity source.
type Fleet struct {
	sheriff  string
	deputies map[string]*Deputy
	commands map[CommandID]*Command
	byDeputy map[string]map[CommandID]*Command
	nextID   CommandID
	observer bool
}

// New creates an empty fleet for the named sheriff.
func New(sheriff string) *Fleet {
	return &Fleet{
		sheriff:  sheriff,
		deputies: make(map[string]*Deputy),
		commands: make(map[CommandID]*Command),
		byDeputy: make(map[string]map[CommandID]*Command),
		nextID:   1,
	}
}

// Sheriff returns the name this console uses when issuing orders.
func (f *Fleet) Sheriff() string {
	if f == nil {
		return ""
	}
	return f.sheriff
}

// SetObserver toggles observer mode. Observers see state but refuse intents.
func (f *Fleet) SetObserver(observer bool) {
	if f == nil {
		return
	}
	f.observer = observer
}

func (f *Fleet) IsObserver() bool {
	return f != nil && f.observer
}

// Deputies returns every known deputy ordered by name.
func (f *Fleet) Deputies() []*Deputy {
	if f == nil {
		return nil
	}
	out := make([]*Deputy, 0, len(f.deputies))
	for _, d := range f.deputies {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Commands returns the commands owned by deputy ordered by id.
func (f *Fleet) Commands(deputy string) []*Command {
	if f == nil {
		return nil
	}
	owned := f.byDeputy[deputy]
	out := make([]*Command, 0, len(owned))
	for _, c := range owned {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllCommands returns every command ordered by id.
func (f *Fleet) AllCommands() []*Command {
	if f == nil {
		return nil
	}
	out := make([]*Command, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Command looks up a command by id.
func (f *Fleet) Command(id CommandID) (*Command, bool) {
	if f == nil {
		return nil, false
	}
	c, ok := f.commands[id]
	return c, ok
}

// Deputy looks up a deputy by name.
func (f *Fleet) Deputy(name string) (*Deputy, bool) {
	if f == nil {
		return nil, false
	}
	d, ok := f.deputies[name]
	return d, ok
}

// GroupNames returns the distinct non-empty group labels in use, sorted.
func (f *Fleet) GroupNames() []string {
	if f == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, c := range f.commands {
		if c.Group != "" {
			seen[c.Group] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// EnsureDeputy registers a deputy that has not reported yet.
func (f *Fleet) EnsureDeputy(name string) *Deputy {
	if d, ok := f.deputies[name]; ok {
		return d
	}
	d := &Deputy{Name: name}
	f.deputies[name] = d
	f.byDeputy[name] = make(map[CommandID]*Command)
	return d
}

// ApplyReport merges a deputy report. Commands in the report are added or
// refreshed; acknowledged commands owned by the deputy but absent from the
// report are removed.
func (f *Fleet) ApplyReport(r DeputyReport) []Event {
	if f == nil || strings.TrimSpace(r.Name) == "" {
		return nil
	}
	d := f.EnsureDeputy(r.Name)
	d.LastUpdate = r.At
	d.Load = r.Load

	var events []Event
	reported := make(map[CommandID]struct{}, len(r.Commands))
	for _, cr := range r.Commands {
		reported[cr.ID] = struct{}{}
		if cr.ID >= f.nextID {
			f.nextID = cr.ID + 1
		}
		existing, ok := f.commands[cr.ID]
		if !ok {
			c := &Command{
				ID:          cr.ID,
				Name:        cr.Name,
				Nickname:    cr.Nickname,
				Deputy:      r.Name,
				Group:       cr.Group,
				Status:      cr.Status,
				CPU:         cr.CPU,
				MemBytes:    cr.MemBytes,
				AutoRestart: cr.AutoRestart,
			}
			f.insert(c)
			events = append(events, Event{Kind: EventCommandAdded, Command: *c})
			continue
		}
		if existing.Deputy != r.Name {
			f.detach(existing)
			existing.Deputy = r.Name
			f.byDeputy[r.Name][existing.ID] = existing
		}
		existing.pending = false
		existing.Name = cr.Name
		existing.Nickname = cr.Nickname
		existing.CPU = cr.CPU
		existing.MemBytes = cr.MemBytes
		existing.AutoRestart = cr.AutoRestart
		if existing.Group != cr.Group {
			existing.Group = cr.Group
			events = append(events, Event{Kind: EventGroupChanged, Command: *existing})
		}
		if existing.Status != cr.Status {
			old := existing.Status
			existing.Status = cr.Status
			events = append(events, Event{Kind: EventStatusChanged, Command: *existing, OldStatus: old})
		}
	}

	for _, c := range f.Commands(r.Name) {
		if _, ok := reported[c.ID]; ok || c.pending {
			continue
		}
		f.detach(c)
		delete(f.commands, c.ID)
		events = append(events, Event{Kind: EventCommandRemoved, Command: *c})
	}
	return events
}

// AddCommand creates a command locally on deputy. It stays in the fleet
// until the deputy acknowledges or the operator removes it.
func (f *Fleet) AddCommand(deputy, name, nickname, group string, autoRestart bool) (*Command, error) {
	if f == nil {
		return nil, ErrUnknownDeputy
	}
	if f.observer {
		return nil, ErrObserver
	}
	if _, ok := f.deputies[deputy]; !ok {
		return nil, fmt.Errorf("add %q: %w: %s", name, ErrUnknownDeputy, deputy)
	}
	c := &Command{
		ID:          f.nextID,
		Name:        name,
		Nickname:    nickname,
		Deputy:      deputy,
		Group:       strings.TrimSpace(group),
		Status:      StatusTryingToStart,
		AutoRestart: autoRestart,
		pending:     true,
	}
	f.nextID++
	f.insert(c)
	return c, nil
}

// Start asks for the command to be running.
func (f *Fleet) Start(id CommandID) error {
	return f.mutate(id, func(c *Command) {
		if !c.Status.Active() {
			c.Status = StatusTryingToStart
		}
	})
}

// Stop asks for the command to be stopped.
func (f *Fleet) Stop(id CommandID) error {
	return f.mutate(id, func(c *Command) {
		if c.Status.Active() {
			c.Status = StatusTryingToStop
		}
	})
}

func (f *Fleet) Restart(id CommandID) error {
	return f.mutate(id, func(c *Command) { c.Status = StatusRestarting })
}

// Remove schedules the command for removal. The deputy drops it from its
// next report, which removes it from the fleet.
func (f *Fleet) Remove(id CommandID) error {
	return f.mutate(id, func(c *Command) {
		c.Status = StatusRemoving
		if c.pending {
			f.detach(c)
			delete(f.commands, c.ID)
		}
	})
}

// SetGroup moves the command to another group. The empty string ungroups it.
func (f *Fleet) SetGroup(id CommandID, group string) error {
	return f.mutate(id, func(c *Command) { c.Group = strings.TrimSpace(group) })
}

func (f *Fleet) SetNickname(id CommandID, nickname string) error {
	return f.mutate(id, func(c *Command) { c.Nickname = nickname })
}

// MoveToDeputy reassigns the command to another known deputy.
func (f *Fleet) MoveToDeputy(id CommandID, deputy string) error {
	if f != nil && !f.observer {
		if _, ok := f.deputies[deputy]; !ok {
			return fmt.Errorf("move %d: %w: %s", id, ErrUnknownDeputy, deputy)
		}
	}
	return f.mutate(id, func(c *Command) {
		if c.Deputy == deputy {
			return
		}
		f.detach(c)
		c.Deputy = deputy
		f.byDeputy[deputy][c.ID] = c
	})
}

// PurgeIdleDeputies forgets deputies that own no commands and returns their
// names.
func (f *Fleet) PurgeIdleDeputies() []string {
	if f == nil {
		return nil
	}
	var purged []string
	for name, owned := range f.byDeputy {
		if len(owned) > 0 {
			continue
		}
		delete(f.byDeputy, name)
		delete(f.deputies, name)
		purged = append(purged, name)
	}
	sort.Strings(purged)
	return purged
}

// Admit reports whether in would be accepted without changing anything, so
// the caller can send it before applying it.
func (f *Fleet) Admit(in Intent) error {
	if f == nil {
		return ErrUnknownCommand
	}
	if f.observer {
		return ErrObserver
	}
	if _, ok := f.commands[in.Command]; !ok {
		return fmt.Errorf("command %d: %w", in.Command, ErrUnknownCommand)
	}
	switch in.Kind {
	case IntentStart, IntentStop, IntentRestart, IntentRemove, IntentSetGroup, IntentSetNickname:
		return nil
	case IntentMoveToDeputy:
		if _, ok := f.deputies[in.Arg]; !ok {
			return fmt.Errorf("move %d: %w: %s", in.Command, ErrUnknownDeputy, in.Arg)
		}
		return nil
	default:
		return fmt.Errorf("fleet: admit intent: unknown kind %d", in.Kind)
	}
}

func (f *Fleet) mutate(id CommandID, fn func(c *Command)) error {
	if f == nil {
		return ErrUnknownCommand
	}
	if f.observer {
		return ErrObserver
	}
	c, ok := f.commands[id]
	if !ok {
		return fmt.Errorf("command %d: %w", id, ErrUnknownCommand)
	}
	fn(c)
	return nil
}

func (f *Fleet) insert(c *Command) {
	f.EnsureDeputy(c.Deputy)
	f.commands[c.ID] = c
	f.byDeputy[c.Deputy][c.ID] = c
}

func (f *Fleet) detach(c *Command) {
	if owned, ok := f.byDeputy[c.Deputy]; ok {
		delete(owned, c.ID)
	}
}
