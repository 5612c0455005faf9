package apply

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes apply failures.
type ErrorCode string

const (
	// ErrCodeBusy indicates another apply is in progress on the engine.
	ErrCodeBusy ErrorCode = "BUSY"

	// ErrCodeFlushFailed indicates the journal could not be flushed first.
	ErrCodeFlushFailed ErrorCode = "FLUSH_FAILED"

	// ErrCodeUnknownLayer indicates a record names a layer the resolver
	// does not know.
	ErrCodeUnknownLayer ErrorCode = "UNKNOWN_LAYER"

	// ErrCodeOpenFailed indicates an edit session could not be started.
	ErrCodeOpenFailed ErrorCode = "OPEN_FAILED"

	// ErrCodeReplayFailed indicates a record could not be applied.
	ErrCodeReplayFailed ErrorCode = "REPLAY_FAILED"

	// ErrCodeCommitFailed indicates a layer refused to commit. Layers
	// committed before it stay committed.
	ErrCodeCommitFailed ErrorCode = "COMMIT_FAILED"
)

// Error is an apply failure with the layer and record it concerns.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Layer is the layer that failed, if any.
	Layer string

	// Record is the journal index of the failing record, or -1.
	Record int

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Layer != "" && e.Record >= 0 {
		msg = fmt.Sprintf("%s (layer=%s, record=%d)", msg, e.Layer, e.Record)
	} else if e.Layer != "" {
		msg = fmt.Sprintf("%s (layer=%s)", msg, e.Layer)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

