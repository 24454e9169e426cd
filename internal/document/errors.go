package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind classifies validation failures.
type ErrorKind string

const (
	KindInitialization ErrorKind = "initialization"
	KindInput          ErrorKind = "input"
	KindDecode         ErrorKind = "decode"
	KindEngine         ErrorKind = "engine"
	KindCancelled      ErrorKind = "cancelled"
)

// Error carries the kind and location of a validation failure.
type Error struct {
	Kind      ErrorKind
	Stage     Stage
	RequestID uuid.UUID
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind) + " error"
	if e.Stage != "" {
		msg += " in " + string(e.Stage)
	}
	if e.RequestID != uuid.Nil {
		msg += fmt.Sprintf(" (request_id=%s)", e.RequestID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is makes cancelled errors match context.Canceled.
func (e *Error) Is(target error) bool {
	return e != nil && e.Kind == KindCancelled && target == context.Canceled
}

// ErrNotInitialized is returned when a submission arrives before the service is ready.
var ErrNotInitialized = errors.New("validation service is not initialized")

// NewInputError reports malformed or missing request data.
func NewInputError(id uuid.UUID, err error) error {
	return &Error{Kind: KindInput, Stage: StageReceived, RequestID: id, Err: err}
}

// NewDecodeError reports a recoverable per-source decode failure.
func NewDecodeError(id uuid.UUID, err error) error {
	return &Error{Kind: KindDecode, Stage: StageDecoding, RequestID: id, Err: err}
}

// NewEngineError reports an unexpected failure that aborts the request.
func NewEngineError(id uuid.UUID, stage Stage, err error) error {
	return &Error{Kind: KindEngine, Stage: stage, RequestID: id, Err: err}
}

// NewCancelledError reports a request abandoned by its caller.
func NewCancelledError(id uuid.UUID, stage Stage, err error) error {
	return &Error{Kind: KindCancelled, Stage: stage, RequestID: id, Err: err}
}

// NewInitializationError reports an unavailable or misconfigured engine.
func NewInitializationError(err error) error {
	return &Error{Kind: KindInitialization, Err: err}
}

// IsKind reports whether err carries a validation error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var verr *Error
	return errors.As(err, &verr) && verr.Kind == kind
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) Stage {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Stage
	}
	return ""
}
