package client

import (
	"context"
	"sync"

	"github.com/noteable-io/origami-go/notebook"
)

// Kernel execution states. KernelStateNotStarted is the value used when the
// notebook has no live kernel.
const (
	KernelStateNotStarted = "not_started"
	KernelStateIdle       = "idle"
	KernelStateBusy       = "busy"
)

// Cell execution states which end a tracked execution.
var terminalCellStates = map[string]bool{
	"finished_with_no_error": true,
	"finished_with_error":    true,
	"catastrophic_failure":   true,
	"dequeued":               true,
	"interrupted":            true,
	"not_run":                true,
}

// Execution tracks one queued cell execution. Wait blocks until the kernel
// reports a terminal state for the cell, then returns the cell as of that
// moment, including its output collection id.
type Execution struct {
	CellID string

	once       sync.Once
	done       chan struct{}
	cell       *notebook.Cell
	finalState string
	err        error
}

func newExecution(cellID string) *Execution {
	return &Execution{CellID: cellID, done: make(chan struct{})}
}

func (e *Execution) resolve(cell *notebook.Cell, state string, err error) {
	e.once.Do(func() {
		e.cell = cell
		e.finalState = state
		e.err = err
		close(e.done)
	})
}

// Wait blocks until the execution reaches a terminal state or ctx is done.
func (e *Execution) Wait(ctx context.Context) (*notebook.Cell, error) {
	select {
	case <-e.done:
		return e.cell, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// State reports the final state of a finished execution, e.g.
// "finished_with_no_error".
func (e *Execution) State() string {
	select {
	case <-e.done:
	default:
		return ""
	}
	if e.err != nil {
		return ""
	}
	return e.finalState
}
