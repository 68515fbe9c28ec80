/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is and read details with
  errors.As.

ERROR CATEGORIES:
  1. Client errors - NotFound, Validation
  2. Business rejections - CaseClosed, BalanceNotZero, Forbidden
  3. Partial success - SyncFailure (charge written, payout stale)
  4. Infrastructure - LockNotObtained, store failures

PROPAGATION:
  Validation and NotFound are returned before any write happens.
  CaseClosed and BalanceNotZero are returned to the caller and never logged
  as system errors. SyncFailure is the only error that rides alongside a
  successful write; the pending-payout scanner is its recovery path.

SEE ALSO:
  - lifecycle.go: Produces CaseClosed and BalanceNotZero
  - payout.go: Produces SyncFailure
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a case, charge, payment or payout is absent.
	ErrNotFound = errors.New("not found")

	// ErrCaseClosed is returned when a locked case is mutated without the
	// admin capability.
	ErrCaseClosed = errors.New("case is closed")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrBalanceNotZero is returned when closing a case with an outstanding balance.
	ErrBalanceNotZero = errors.New("balance is not zero")

	// ErrSyncFailure is returned when the payout synchronizer could not
	// complete after a charge write.
	ErrSyncFailure = errors.New("payout synchronization failed")

	// ErrForbidden is returned when an operation requires the admin capability.
	ErrForbidden = errors.New("admin capability required")

	// ErrLockNotObtained is returned when a per-key lock could not be acquired
	// within the configured wait.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "case", "charge", "payment", "payout"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// CaseClosedError identifies the locked case.
type CaseClosedError struct {
	CaseID CaseID
}

func (e *CaseClosedError) Error() string {
	return fmt.Sprintf("case %s is closed", e.CaseID)
}

func (e *CaseClosedError) Unwrap() error { return ErrCaseClosed }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// BalanceNotZeroError carries the computed balance so callers can display it.
type BalanceNotZeroError struct {
	CaseID  CaseID
	Balance decimal.Decimal
}

func (e *BalanceNotZeroError) Error() string {
	return fmt.Sprintf("case %s cannot be closed: outstanding balance %s",
		e.CaseID, e.Balance.StringFixed(2))
}

func (e *BalanceNotZeroError) Unwrap() error { return ErrBalanceNotZero }

// SyncFailureError reports a payout pair left stale after a charge write.
type SyncFailureError struct {
	CaseID      CaseID
	PhysicianID PhysicianID
	Err         error
}

func (e *SyncFailureError) Error() string {
	return fmt.Sprintf("payout sync for case %s physician %s: %v",
		e.CaseID, e.PhysicianID, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *SyncFailureError) Unwrap() []error { return []error{ErrSyncFailure, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}

// IsBusinessRejection returns true for rule-based refusals that are part of
// normal operation and must not be logged as system errors.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrCaseClosed) ||
		errors.Is(err, ErrBalanceNotZero) ||
		errors.Is(err, ErrForbidden)
}
