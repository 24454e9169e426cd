package service

import (
	"github.com/example/doc-validation/internal/pipeline"
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// initAttempt is one initialization sequence. It is published through a
// single atomic pointer so concurrent callers either start it or join it.
type initAttempt struct {
	done     chan struct{}
	err      error
	pipeline *pipeline.Pipeline
}

func newInitAttempt() *initAttempt {
	return &initAttempt{done: make(chan struct{})}
}

func (a *initAttempt) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *initAttempt) state() State {
	if a == nil {
		return StateUninitialized
	}
	if !a.finished() {
		return StateInitializing
	}
	if a.err != nil {
		return StateFailed
	}
	return StateReady
}
