package fleet

import (
	"fmt"
	"strings"
)

// IntentKind names an operator request.
type IntentKind int

const (
	IntentStart IntentKind = iota
	IntentStop
	IntentRestart
	IntentRemove
	IntentSetGroup
	IntentSetNickname
	IntentMoveToDeputy
)

var intentNames = [...]string{
	IntentStart:        "start",
	IntentStop:         "stop",
	IntentRestart:      "restart",
	IntentRemove:       "remove",
	IntentSetGroup:     "set_group",
	IntentSetNickname:  "set_nickname",
	IntentMoveToDeputy: "move_to_deputy",
}

func (k IntentKind) String() string {
	if k >= 0 && int(k) < len(intentNames) {
		return intentNames[k]
	}
	return "unknown"
}

// ParseIntentKind is the inverse of IntentKind.String.
func ParseIntentKind(raw string) (IntentKind, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range intentNames {
		if name == raw {
			return IntentKind(i), true
		}
	}
	return 0, false
}

// Intent is one operator request against a command. Arg carries the group,
// nickname or deputy name for the kinds that need one.
type Intent struct {
	Kind    IntentKind
	Command CommandID
	Arg     string
}

func (in Intent) String() string {
	if in.Arg == "" {
		return fmt.Sprintf("%s [%d]", in.Kind, in.Command)
	}
	return fmt.Sprintf("%s [%d] %q", in.Kind, in.Command, in.Arg)
}

// Apply carries the intent out against c.
func (in Intent) Apply(c Commander) error {
	if c == nil {
		return ErrUnknownCommand
	}
	switch in.Kind {
	case IntentStart:
		return c.Start(in.Command)
	case IntentStop:
		return c.Stop(in.Command)
	case IntentRestart:
		return c.Restart(in.Command)
	case IntentRemove:
		return c.Remove(in.Command)
	case IntentSetGroup:
		return c.SetGroup(in.Command, in.Arg)
	case IntentSetNickname:
		return c.SetNickname(in.Command, in.Arg)
	case IntentMoveToDeputy:
		return c.MoveToDeputy(in.Command, in.Arg)
	default:
		return fmt.Errorf("fleet: apply intent: unknown kind %d", in.Kind)
	}
}
