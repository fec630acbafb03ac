package fleet

import "strings"

// Status is the sheriff's reading of a command's lifecycle.
type Status int

const (
	StatusUnknown Status = iota
	StatusTryingToStart
	StatusRestarting
	StatusRunning
	StatusTryingToStop
	StatusRemoving
	StatusStoppedOK
	StatusStoppedError
	// StatusMixed is never reported by a deputy. Group rows use it when their
	// children disagree.
	StatusMixed
)

func (s Status) String() string {
	switch s {
	case StatusTryingToStart:
		return "Trying to Start"
	case StatusRestarting:
		return "Restarting"
	case StatusRunning:
		return "Running"
	case StatusTryingToStop:
		return "Trying to Stop"
	case StatusRemoving:
		return "Removing"
	case StatusStoppedOK:
		return "Stopped (OK)"
	case StatusStoppedError:
		return "Stopped (Error)"
	case StatusMixed:
		return "Mixed"
	default:
		return "Unknown"
	}
}

// ParseStatus maps a telemetry status token onto a Status. Matching ignores
// case, spaces, underscores and punctuation so "stopped_ok", "Stopped (OK)"
// and "StoppedOK" all resolve to StatusStoppedOK.
func ParseStatus(raw string) Status {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	switch b.String() {
	case "tryingtostart":
		return StatusTryingToStart
	case "restarting":
		return StatusRestarting
	case "running":
		return StatusRunning
	case "tryingtostop":
		return StatusTryingToStop
	case "removing":
		return StatusRemoving
	case "stoppedok":
		return StatusStoppedOK
	case "stoppederror":
		return StatusStoppedError
	default:
		return StatusUnknown
	}
}

// Active reports whether a command in this status holds (or is acquiring) a
// running process.
func (s Status) Active() bool {
	switch s {
	case StatusTryingToStart, StatusRestarting, StatusRunning:
		return true
	default:
		return false
	}
}
