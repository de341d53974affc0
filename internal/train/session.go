package train

import (
	"github.com/born-ml/segtrain/internal/amp"
	"github.com/born-ml/segtrain/internal/optim"
)

// State is the lifecycle state of a training run.
type State int

// Run states. A run starts Idle, becomes Running at the first step and ends
// in exactly one of the terminal states.
const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateInterrupted
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the mutable state of one run: counters, optimizer and loss
// scaler. It is owned by a single goroutine.
type Session struct {
	Step         int // Completed training steps, +1 per consumed batch
	Epoch        int // Current epoch, 1-based once running
	SkippedSteps int // Steps whose update was skipped for non-finite gradients
	State        State

	Optimizer optim.Optimizer
	Scaler    *amp.GradScaler
	StepDown  *optim.StepDown
}
