package shared

import (
	"context"
	"encoding/json"
	"time"
)

// IdempotencyRecord is what a store keeps under a request key
type IdempotencyRecord struct {
	// Fingerprint identifies the request the key was first used for
	Fingerprint string `json:"fingerprint"`

	// Outcome is the encoded result of the request; empty while the request
	// is still being applied
	Outcome json.RawMessage `json:"outcome,omitempty"`
}

// Pending reports whether the request that claimed the key has not finished
func (r IdempotencyRecord) Pending() bool {
	return len(r.Outcome) == 0
}

// IdempotencyStore records request keys so that a retried request is
// answered from the first attempt instead of being applied twice
type IdempotencyStore interface {
	// Claim stores a pending record for fingerprint under key unless a record
	// exists. It returns claimed=true when the caller now owns the key;
	// otherwise it returns the existing record.
	Claim(ctx context.Context, key, fingerprint string, ttl time.Duration) (IdempotencyRecord, bool, error)

	// Complete replaces the pending record of an owned key with its outcome
	Complete(ctx context.Context, key string, record IdempotencyRecord, ttl time.Duration) error

	// Forget removes a record so the request may be applied again
	Forget(ctx context.Context, key string) error

	// Close closes the store and releases resources
	Close() error
}

// IdempotencyConfig holds configuration for idempotency handling
type IdempotencyConfig struct {
	// TTL is how long a completed outcome is replayed
	// Default: 24 hours
	TTL time.Duration

	// PendingTTL bounds how long an unfinished claim blocks retries
	// Default: 1 minute
	PendingTTL time.Duration

	// Enabled determines whether idempotency keys are honoured
	// Default: true
	Enabled bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:        24 * time.Hour,
		PendingTTL: time.Minute,
		Enabled:    true,
	}
}
