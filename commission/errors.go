/*
errors.go - Error taxonomy for the commission engine

PURPOSE:
  All error types in one place. Callers match with errors.Is on the
  sentinels or errors.As on the structured types.

ERROR CATEGORIES:
  1. ConfigurationError - no usable rule for the period, nothing written
  2. NotFoundError      - referenced payout/seller/rule does not exist
  3. ValidationError    - malformed input, rejected before computing
  4. PersistenceError   - store read/write failure
  5. StateConflictError - transition that would regress a payout
  6. BatchError         - per-seller failures collected by a recompute pass

SEE ALSO:
  - orchestrator.go: collect-and-continue over sellers
  - api/handlers.go: maps categories to HTTP status codes
*/
package commission

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRuleNotConfigured is returned when no active rule exists for a period.
	ErrRuleNotConfigured = errors.New("commission rule not configured")

	ErrNotFound = errors.New("not found")

	ErrInvalidInput = errors.New("invalid input")

	// ErrPersistence wraps every store failure surfaced by the core.
	ErrPersistence = errors.New("persistence failure")

	// ErrStateConflict is returned when a transition would move a payout backwards.
	ErrStateConflict = errors.New("payout state conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError reports a period that cannot be calculated.
type ConfigurationError struct {
	Month  time.Month
	Year   int
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("commission rule for %04d-%02d: %s", e.Year, int(e.Month), e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrRuleNotConfigured
}

type NotFoundError struct {
	Kind string // "payout", "seller", "rule"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// PersistenceError wraps a store failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

type StateConflictError struct {
	PayoutID PayoutID
	From     PayoutStatus
	To       PayoutStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("payout %s: cannot move from %s to %s", e.PayoutID, e.From, e.To)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// SellerFailure records why one seller was skipped during a recompute pass.
type SellerFailure struct {
	SellerID    SellerID
	DisplayName string
	Err         error
}

func (f SellerFailure) Error() string {
	return fmt.Sprintf("seller %s: %v", f.SellerID, f.Err)
}

func (f SellerFailure) Unwrap() error {
	return f.Err
}

// BatchError aggregates per-seller failures from one recompute pass.
type BatchError struct {
	Month    time.Month
	Year     int
	Total    int
	Failures []SellerFailure
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("recompute %04d-%02d: %d of %d sellers failed: %s",
		e.Year, int(e.Month), len(e.Failures), e.Total, strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	// Domain errors raised inside a store transaction pass through untouched.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrRuleNotConfigured) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrRuleNotConfigured)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
