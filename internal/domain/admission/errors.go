package admission

import (
	"errors"
	"fmt"

	"github.com/chatsaas/backend/internal/domain/shared"
)

// ConfigurationError indicates a deployment or catalog fault, such as an
// unknown tier or resource key. It is never converted into a permissive default.
type ConfigurationError struct {
	shared.DomainError
	// Reason is a machine-readable detail code (e.g. UNKNOWN_TIER)
	Reason string `json:"reason"`
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(reason, message string) *ConfigurationError {
	return &ConfigurationError{
		DomainError: shared.DomainError{
			Code:    CodeConfigurationError,
			Message: message,
		},
		Reason: reason,
	}
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return e.Message
}

// IsInputFault returns true if the error was caused by an unknown tier or
// resource supplied by the caller rather than by a malformed catalog
func (e *ConfigurationError) IsInputFault() bool {
	switch e.Reason {
	case "UNKNOWN_TIER", "UNKNOWN_RESOURCE", "UNKNOWN_GRANULARITY":
		return true
	}
	return false
}

// Error codes
const (
	CodeConfigurationError = "CONFIGURATION_ERROR"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeIdempotencyReused  = "IDEMPOTENCY_KEY_REUSED"
)

var (
	// ErrStoreUnavailable is returned when counter or membership storage cannot
	// be reached or times out. It is distinct from a denial.
	ErrStoreUnavailable = shared.NewDomainError(CodeStoreUnavailable, "Admission storage is unavailable")

	// ErrConcurrencyConflict is returned by stores when an atomic operation lost
	// a race and may be retried
	ErrConcurrencyConflict = shared.ErrConcurrencyConflict

	// ErrIdempotencyKeyReused is returned when a request key already served a
	// reservation for a different tier, resource or amount
	ErrIdempotencyKeyReused = shared.NewDomainError(CodeIdempotencyReused, "Request key was already used for a different reservation")

	// ErrMembershipRemoved is returned when removing a membership that is no longer active
	ErrMembershipRemoved = shared.NewDomainError("MEMBERSHIP_REMOVED", "Membership has already been removed")
)

// StoreUnavailable wraps a driver error so that errors.Is(err, ErrStoreUnavailable)
// holds while the cause stays reachable through errors.Unwrap.
func StoreUnavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrStoreUnavailable) {
		return cause
	}
	return &storeError{op: op, cause: cause}
}

type storeError struct {
	op    string
	cause error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable.Message, e.op, e.cause)
}

func (e *storeError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.cause}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
