// Package coreerr implements the error taxonomy of §7: a small set of
// abstract error kinds that every component classifies into, so recovery
// policy ("who retries, who surfaces to the user, who just logs") is
// decided once per kind instead of re-derived at each call site.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the abstract error categories. These are never compared
// by type name in calling code — always via errors.As against the typed
// wrappers below, or via Classify for errors crossing an external boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransientExternal
	KindContextWindowExceeded
	KindRateLimit
	KindCancellationRequested
	KindPersistenceFailure
	KindFatalConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientExternal:
		return "transient_external"
	case KindContextWindowExceeded:
		return "context_window_exceeded"
	case KindRateLimit:
		return "rate_limit"
	case KindCancellationRequested:
		return "cancellation_requested"
	case KindPersistenceFailure:
		return "persistence_failure"
	case KindFatalConfiguration:
		return "fatal_configuration"
	default:
		return "unknown"
	}
}

// ValidationError — bad tool input or malformed request. Surfaced to the
// LLM as a tool-result with an error field; never terminates the turn.
type ValidationError struct {
	Tool    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("validation error in tool %q: %s", e.Tool, e.Message)
	}
	return "validation error: " + e.Message
}

func NewValidationError(tool, message string) *ValidationError {
	return &ValidationError{Tool: tool, Message: message}
}

// TransientExternalError wraps a network/5xx/429-class failure that the
// call site should retry with bounded exponential backoff. Once retries
// are exhausted the caller converts this into a user-visible failure for
// the current operation — it never silently disappears.
type TransientExternalError struct {
	Cause error
}

func (e *TransientExternalError) Error() string { return "transient external error: " + e.Cause.Error() }
func (e *TransientExternalError) Unwrap() error { return e.Cause }

func NewTransientExternalError(cause error) *TransientExternalError {
	return &TransientExternalError{Cause: cause}
}

// ContextWindowExceeded surfaces to the user with a remediation hint
// (trim history / start a new thread); it does not crash the turn.
type ContextWindowExceeded struct {
	Limit, Requested int
}

func (e *ContextWindowExceeded) Error() string {
	return fmt.Sprintf("context window exceeded: requested %d tokens, limit %d", e.Requested, e.Limit)
}

// RateLimit surfaces with a retry_after hint, in seconds.
type RateLimit struct {
	RetryAfterSeconds int
}

func (e *RateLimit) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

// CancellationRequested is not a failure — it terminates the current
// stream cleanly. Modeled as an error only so it can travel through
// error-returning call chains (e.g. context.Cause) uniformly.
type CancellationRequested struct {
	Reason string
}

func (e *CancellationRequested) Error() string { return "cancelled: " + e.Reason }

// PersistenceFailure is internal: the affected batch is requeued and the
// user-visible turn is unaffected unless the failure concerns the
// immediate response (in which case the turn already completed; only
// accounting is delayed).
type PersistenceFailure struct {
	Cause error
}

func (e *PersistenceFailure) Error() string { return "persistence failure: " + e.Cause.Error() }
func (e *PersistenceFailure) Unwrap() error { return e.Cause }

func NewPersistenceFailure(cause error) *PersistenceFailure {
	return &PersistenceFailure{Cause: cause}
}

// FatalConfiguration — missing secrets or unreachable dependencies at
// startup. The process exits; never recovered mid-request.
type FatalConfiguration struct {
	Detail string
}

func (e *FatalConfiguration) Error() string { return "fatal configuration: " + e.Detail }

// Classify maps an arbitrary error into a Kind, first by matching the
// typed wrappers above, then — for errors crossing an external boundary
// that were never wrapped (a provider SDK returning a bare error) — by
// delegating to a provider's own IsTransientError-style classifier
// (callers pass that in as fallback since providers differ).
func Classify(err error, transientFallback func(error) bool) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		valErr   *ValidationError
		transErr *TransientExternalError
		cwErr    *ContextWindowExceeded
		rlErr    *RateLimit
		cancErr  *CancellationRequested
		persErr  *PersistenceFailure
		fatalErr *FatalConfiguration
	)
	switch {
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &transErr):
		return KindTransientExternal
	case errors.As(err, &cwErr):
		return KindContextWindowExceeded
	case errors.As(err, &rlErr):
		return KindRateLimit
	case errors.As(err, &cancErr):
		return KindCancellationRequested
	case errors.As(err, &persErr):
		return KindPersistenceFailure
	case errors.As(err, &fatalErr):
		return KindFatalConfiguration
	}
	if transientFallback != nil && transientFallback(err) {
		return KindTransientExternal
	}
	return KindUnknown
}
