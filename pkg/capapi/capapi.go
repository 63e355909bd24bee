// Package capapi defines the typed error taxonomy shared by every layer
// of the engine. Lower layers return these typed errors; an outermost
// adapter (HTTP handler, CLI exit-code mapper) translates them to a
// status without needing to pattern-match error strings. Grounded on the
// teacher's core/pkg/kernel/error_ir.go (stable machine codes, HTTP
// status mapping, retry classification) and core/pkg/api/apierror.go
// (RFC 7807 problem-detail shape), narrowed to the kinds this protocol's
// error table actually names — no secret or PII material belongs in any
// Error() string.
package capapi

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Kind is one of the stable machine error codes in the error table.
type Kind string

const (
	KindInvalidInput     Kind = "InvalidInput"
	KindCompileError     Kind = "CompileError"
	KindHashMismatch     Kind = "HashMismatch"
	KindChainBreak       Kind = "ChainBreak"
	KindSignatureInvalid Kind = "SignatureInvalid"
	KindKeyNotFound      Kind = "KeyNotFound"
	KindKeyRevoked       Kind = "KeyRevoked"
	KindKeyExpired       Kind = "KeyExpired"
	KindDependencyCycle  Kind = "DependencyCycle"
	KindPathUnsafe       Kind = "PathUnsafe"
	KindConflict         Kind = "Conflict"
	KindNotFound         Kind = "NotFound"
	KindTransient        Kind = "Transient"
	KindBackendError     Kind = "BackendError"
)

// httpStatus maps each kind to the status an HTTP adapter should relay.
var httpStatus = map[Kind]int{
	KindInvalidInput:     400,
	KindCompileError:     422,
	KindHashMismatch:     409,
	KindChainBreak:       409,
	KindSignatureInvalid: 401,
	KindKeyNotFound:      404,
	KindKeyRevoked:       401,
	KindKeyExpired:       401,
	KindDependencyCycle:  422,
	KindPathUnsafe:       400,
	KindConflict:         409,
	KindNotFound:         404,
	KindTransient:        503,
	KindBackendError:     502,
}

// retryable reports whether a kind's errors may clear on their own. Only
// Transient is; every other kind reflects a condition the caller must fix
// before retrying will help.
var retryable = map[Kind]bool{
	KindTransient: true,
}

// Error is the typed error carried across every package boundary.
type Error struct {
	Kind    Kind
	Message string
	Lints   []string // populated for KindCompileError
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Lints) > 0 {
		return fmt.Sprintf("capapi: %s: %s %v", e.Kind, e.Message, e.Lints)
	}
	return fmt.Sprintf("capapi: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status an adapter should relay for e's kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// Retryable reports whether e's kind may legitimately be retried.
func (e *Error) Retryable() bool {
	return retryable[e.Kind]
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CompileError constructs a KindCompileError carrying the lint codes that
// caused the compilation to be rejected in strict mode.
func CompileError(lints []string) *Error {
	return &Error{Kind: KindCompileError, Message: "policy compilation failed lint checks", Lints: lints}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// RetryPolicy bounds retries on Transient errors: store contention and
// lock-busy conditions, where a brief wait genuinely changes the outcome.
// Unlike the teacher's deterministic, replay-safe jitter for effect
// retries, store retries here use real randomness — there is no replay
// requirement for a store-level lock-busy backoff, and real jitter
// spreads contending callers better than a seeded sequence would.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used for sqlite/postgres busy-timeout backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// NextDelay computes the backoff delay before retry attempt n (1-indexed),
// full exponential backoff with jitter, capped at MaxDelay.
func (p RetryPolicy) NextDelay(n int) time.Duration {
	d := p.BaseDelay << uint(n-1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return jitter
}

// Retry runs fn up to p.MaxAttempts times, sleeping p.NextDelay between
// attempts, stopping early on any non-Transient error.
func Retry(p RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !Is(err, KindTransient) {
			return err
		}
		if attempt < p.MaxAttempts {
			time.Sleep(p.NextDelay(attempt))
		}
	}
	return lastErr
}
