package model

import (
	"errors"

	"github.com/paperfold/paperfold/internal/protocol"
)

var (
	// ErrNotFound is returned by store lookups for missing rows.
	ErrNotFound = errors.New("not found")

	// ErrCancelled marks work abandoned because the run's token was
	// cancelled. It is terminal but not a failure: committed outputs stay.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal wraps conditions that must stop scheduling new work
	// (storage corruption, disk full).
	ErrFatal = errors.New("fatal")

	// ErrUnknownToken is returned for expired or never-issued smart tokens.
	ErrUnknownToken = errors.New("unknown or expired token")

	// ErrBusy is returned when the job queue is full; callers should retry.
	ErrBusy = errors.New("processing queue is full")
)

// PipelineError is a structured failure from a pipeline stage or an external
// collaborator (OCR engine, LLM host).
type PipelineError struct {
	Code       string
	Message    string
	Retryable  bool
	StatusCode int
	Cause      error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewUserInputError flags invalid caller input. Never retryable.
func NewUserInputError(message string) *PipelineError {
	return &PipelineError{Code: protocol.ErrorCodeUserInput, Message: message, StatusCode: 400}
}

// NewTransientError wraps a failure worth one more attempt.
func NewTransientError(message string, cause error) *PipelineError {
	return &PipelineError{Code: protocol.ErrorCodeTransient, Message: message, Retryable: true, Cause: cause}
}

// Retryable reports whether err may succeed on a bounded retry. Cancelled and
// fatal errors never retry; structured errors answer for themselves.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrFatal) {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
