package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"media-pipeline/internal/models"
	"media-pipeline/internal/upstream"
)

// ErrAlreadyProcessing signals lock contention. It is not a failure.
var ErrAlreadyProcessing = errors.New("attachment is already being processed")

// AlreadyProcessingError carries the Retry-After hint for a contended attachment.
type AlreadyProcessingError struct {
	AttachmentID int64
	RetryAfter   time.Duration
	// LockedSince is when the current holder took the lock; zero when unknown.
	LockedSince time.Time
}

func (e *AlreadyProcessingError) Error() string {
	return fmt.Sprintf("attachment %d is already being processed", e.AttachmentID)
}

func (e *AlreadyProcessingError) Is(target error) bool {
	return target == ErrAlreadyProcessing
}

// ValidationError is a malformed job payload or request. It is never retried.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Details, "; ")
}

// PersistenceError is a state-store write that failed after its local retries. Output holds
// the upstream result that could not be stored.
type PersistenceError struct {
	Op     string
	Err    error
	Output json.RawMessage
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ExhaustedRetriesError is the terminal failure of a step whose retry budget ran out.
type ExhaustedRetriesError struct {
	Step       models.StepName
	Attempts   int
	MaxRetries int
	Err        error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s failed after %d/%d attempts: %v", e.Step, e.Attempts, e.MaxRetries, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Err
}

// FatalError is a step failure that is never retried.
type FatalError struct {
	Step models.StepName
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err ended the pipeline (HTTP 422, not retryable).
func IsTerminal(err error) bool {
	var fatal *FatalError
	var exhausted *ExhaustedRetriesError
	return errors.As(err, &fatal) || errors.As(err, &exhausted)
}

// retryable reports whether a step failure goes through the retry budget.
func retryable(err error) bool {
	var perr *PersistenceError
	return upstream.IsTransient(err) || errors.As(err, &perr)
}

// causeLabel is the short classified cause written to logs and audit rows.
func causeLabel(err error) string {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return ue.Service + " " + ue.Cause()
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return "persistence"
	}
	return "error"
}
