// Package errors provides the sync error taxonomy and standardized error
// handling patterns for statesync managers. It includes typed error
// classification, standard error variables, and helper functions for
// consistent error wrapping across the pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type classifies a sync failure. Classification is a property of the
// failure carried by SyncError; the message-pattern heuristics in Classify
// exist only as a fallback for errors produced outside this module.
type Type int

const (
	// TypeUnknown is the default classification for unrecognized failures.
	TypeUnknown Type = iota
	// TypeNetwork represents connectivity failures (usually retryable).
	TypeNetwork
	// TypeTimeout represents deadline or timeout failures (retryable).
	TypeTimeout
	// TypeConflict represents concurrent-modification conflicts.
	TypeConflict
	// TypeValidation represents rejected payloads (not retryable).
	TypeValidation
	// TypeQuotaExceeded represents storage or rate quota exhaustion.
	TypeQuotaExceeded
	// TypePermission represents authorization failures (not retryable).
	TypePermission
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case TypeNetwork:
		return "network"
	case TypeTimeout:
		return "timeout"
	case TypeConflict:
		return "conflict"
	case TypeValidation:
		return "validation"
	case TypeQuotaExceeded:
		return "quota_exceeded"
	case TypePermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Manager lifecycle errors
	ErrTransactionInProgress = errors.New("transaction already in progress")
	ErrBatchProcessing       = errors.New("batch already processing")

	// Optimistic update errors
	ErrUpdateNotFound     = errors.New("update not found")
	ErrUpdateNotPending   = errors.New("update is not pending")
	ErrSuperseded         = errors.New("update superseded by a newer call")
	ErrNoPreviousValue    = errors.New("no previous value to roll back to")
	ErrRetriesExhausted   = errors.New("maximum retries exceeded")
	ErrRollbackIncomplete = errors.New("rollback completed with errors")

	// Batch and queue errors
	ErrQueueFull        = errors.New("operation queue full")
	ErrBatchNotFound    = errors.New("batch not found")
	ErrBatchNotQueued   = errors.New("batch is not queued")
	ErrInvalidOperation = errors.New("invalid operation")

	// Recovery errors
	ErrPlanNotFound     = errors.New("recovery plan not found")
	ErrPlanNotExecuting = errors.New("recovery plan is not executing")
	ErrNoSnapshot       = errors.New("no snapshot to roll back to")
	ErrManualRepair     = errors.New("manual repair required")
)

// SyncError wraps a failure with its classification and the operation
// context it occurred in.
type SyncError struct {
	Type        Type
	Err         error
	Message     string
	OperationID string
	EntityType  string
	Retryable   bool
}

// Error implements the error interface.
func (se *SyncError) Error() string {
	if se.Message != "" {
		return se.Message
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.Type.String() + " error"
}

// Unwrap returns the underlying error.
func (se *SyncError) Unwrap() error {
	return se.Err
}

// New creates a SyncError with an explicit classification.
func New(t Type, message string) *SyncError {
	return &SyncError{
		Type:      t,
		Message:   message,
		Retryable: retryableType(t),
	}
}

// WrapType wraps an error with an explicit classification.
func WrapType(t Type, err error, operationID string) *SyncError {
	if err == nil {
		return nil
	}
	return &SyncError{
		Type:        t,
		Err:         err,
		OperationID: operationID,
		Retryable:   retryableType(t),
	}
}

// retryableType reports whether failures of this type are worth retrying
// without intervention.
func retryableType(t Type) bool {
	switch t {
	case TypeNetwork, TypeTimeout, TypeConflict, TypeQuotaExceeded:
		return true
	default:
		return false
	}
}

// Classify returns the Type for an error. A SyncError anywhere in the chain
// wins; context errors map to timeout; otherwise message-pattern heuristics
// decide, defaulting to unknown.
func Classify(err error) Type {
	if err == nil {
		return TypeUnknown
	}

	var se *SyncError
	if errors.As(err, &se) {
		return se.Type
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}

	errStr := strings.ToLower(err.Error())
	patterns := []struct {
		t        Type
		keywords []string
	}{
		{TypeTimeout, []string{"timeout", "timed out", "deadline"}},
		{TypeNetwork, []string{"network", "connection", "unreachable", "fetch"}},
		{TypeConflict, []string{"conflict", "version mismatch", "stale"}},
		{TypeValidation, []string{"validation", "invalid", "malformed"}},
		{TypeQuotaExceeded, []string{"quota", "rate limit", "too many requests"}},
		{TypePermission, []string{"permission", "unauthorized", "forbidden"}},
	}
	for _, p := range patterns {
		for _, kw := range p.keywords {
			if strings.Contains(errStr, kw) {
				return p.t
			}
		}
	}
	return TypeUnknown
}

// IsRetryable reports whether an error should be retried. Typed errors
// carry the answer; foreign errors fall back to classification.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return retryableType(Classify(err))
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}
