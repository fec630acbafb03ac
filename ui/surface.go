package ui

import (
	"context"

	"procsheriff/console"
	"procsheriff/fleet"
	"procsheriff/logbuf"
	"procsheriff/sgr"
	"procsheriff/viewtree"
)

// Surface is a render adapter. It receives console edits as a console.Sink
// and owns the terminal until Done is closed. Sink calls come from the
// console loop and must not block.
type Surface interface {
	console.Sink
	WaitReady()
	// Done is closed when the operator quits or Stop is called.
	Done() <-chan struct{}
	Stop()
}

// Controller is what a surface may ask of the console. *console.Console
// satisfies it.
type Controller interface {
	Submit(in fleet.Intent)
	ClearLog(s console.Subject)
	SetObserver(observer bool)
	Observer() bool
	Find(ctx context.Context, query string) (viewtree.NodeID, fleet.CommandID, bool)
	LogSnapshot(s console.Subject, dst []sgr.Run) (logbuf.Snapshot, bool)
	// Resync asks for the whole tree to be sent again; false means try later.
	Resync() bool
}

var _ Controller = (*console.Console)(nil)
