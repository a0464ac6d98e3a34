// Package errors provides the single rich error type used across the
// sync core, carrying the taxonomy from spec.md §7 as a typed Kind
// rather than a set of sentinel errors.
package errors

import (
	"fmt"
	"time"
)

// Kind categorizes a SyncError by the taxonomy of spec.md §7.
type Kind string

const (
	// KindTransientIO is a network or storage hiccup; callers may retry.
	KindTransientIO Kind = "transient_io"
	// KindOpRejected is a server-reported causal-race rejection, routed
	// to the superseded-op rewriter.
	KindOpRejected Kind = "op_rejected"
	// KindSchemaTooNew means the remote blob's schema version exceeds
	// this client's; fatal, user must upgrade.
	KindSchemaTooNew Kind = "schema_too_new"
	// KindCorruptBlob is a checksum mismatch on the remote blob; fatal.
	KindCorruptBlob Kind = "corrupt_blob"
	// KindCacheMigrationFailed is a snapshot-cache migration failure.
	KindCacheMigrationFailed Kind = "cache_migration_failed"
	// KindClockIDAbsent means the local store has no client ID; fatal on
	// write paths.
	KindClockIDAbsent Kind = "clock_id_absent"
	// KindRewriteBudgetExhausted means C8 exceeded MaxLWWRewriteRounds in
	// one round.
	KindRewriteBudgetExhausted Kind = "rewrite_budget_exhausted"
	// KindInternal is an unexpected internal invariant violation.
	KindInternal Kind = "internal"
)

// Retryable reports whether errors of this kind are expected to be
// recovered by the caller's own retry policy without surfacing to the
// user.
func (k Kind) Retryable() bool {
	return k == KindTransientIO
}

// SyncError is the error type returned by every exported operation in
// this module that can fail for a reason the caller should distinguish
// by kind.
type SyncError struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Cause     error
	Time      time.Time
}

// New constructs a SyncError with the current time.
func New(kind Kind, component, operation, message string) *SyncError {
	return &SyncError{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   message,
		Time:      time.Now(),
	}
}

// Wrap constructs a SyncError around an existing cause.
func Wrap(kind Kind, component, operation string, cause error) *SyncError {
	return &SyncError{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   cause.Error(),
		Cause:     cause,
		Time:      time.Now(),
	}
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Operation, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s.%s: %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to see through to Cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *SyncError with the same Kind, allowing
// errors.Is(err, &SyncError{Kind: KindTransientIO}) style checks.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return true
	}
	return e.Kind == t.Kind
}
