package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/doc-validation/internal/document"
)

// StageChanged is published on entry to each pipeline stage.
type StageChanged struct {
	RequestID uuid.UUID      `json:"request_id"`
	Status    document.Stage `json:"status"`
	At        time.Time      `json:"at"`
}

// ErrorReceived is published when a request fails inside the pipeline.
type ErrorReceived struct {
	RequestID uuid.UUID      `json:"request_id"`
	Stage     document.Stage `json:"stage"`
	Err       error          `json:"-"`
	Message   string         `json:"message"`
}

// NewErrorReceived builds an error event for err.
func NewErrorReceived(id uuid.UUID, stage document.Stage, err error) ErrorReceived {
	e := ErrorReceived{RequestID: id, Stage: stage, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e ErrorReceived) String() string {
	return fmt.Sprintf("request %s failed in %s: %s", e.RequestID, e.Stage, e.Message)
}
