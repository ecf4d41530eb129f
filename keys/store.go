package keys

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store when the key does not exist.
	ErrNotFound = errors.New("signing key not found")
	// ErrConflict is returned when a compare-and-set precondition failed,
	// usually because another instance already performed the transition.
	ErrConflict = errors.New("signing key state conflict")
	// ErrStoreUnavailable wraps infrastructure failures of the durable store.
	ErrStoreUnavailable = errors.New("signing key store unavailable")
	// ErrNoSigningKey is returned when neither an active nor a static key exists.
	ErrNoSigningKey = errors.New("no signing key available")
	// ErrUnknownKey is returned when a key id is not in the verification set.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrKeyRevoked is returned when a key id refers to a revoked key.
	ErrKeyRevoked = errors.New("signing key revoked")
	// ErrStaticKey is returned when RevokeKey targets the configured static
	// key. Remove it from configuration instead.
	ErrStaticKey = errors.New("static signing key cannot be revoked at runtime")
)

// RotateRequest describes an atomic rotation.
type RotateRequest struct {
	// ExpectedActiveID is the id of the key the caller believes is active.
	// Empty means the caller expects no active key.
	ExpectedActiveID string
	// Next is inserted with status active.
	Next *SigningKeyPair
	// RotatedAt is stamped on the demoted key.
	RotatedAt time.Time
	// RetireAt becomes the demoted key's ExpiresAt.
	RetireAt time.Time
}

// Store is the durable record store for signing keys. Implementations must
// provide read-after-write consistency and must never hold more than one
// active key.
type Store interface {
	// List returns keys filtered by status; no statuses means all keys.
	List(ctx context.Context, statuses ...Status) ([]*SigningKeyPair, error)
	Get(ctx context.Context, id string) (*SigningKeyPair, error)
	Insert(ctx context.Context, key *SigningKeyPair) error
	// Rotate demotes the active key to rotating and inserts req.Next as
	// active in one atomic step. It returns the demoted key ids, or
	// ErrConflict when the active key is not req.ExpectedActiveID.
	Rotate(ctx context.Context, req RotateRequest) ([]string, error)
	// Transition moves a key from one status to another, returning
	// ErrConflict when the key is no longer in status from.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) error
	// Revoke marks the key revoked regardless of its current status.
	Revoke(ctx context.Context, id, reason string, at, retireAt time.Time) error
	Delete(ctx context.Context, id string) error
	AddUsage(ctx context.Context, id string, delta uint64, lastUsed time.Time) error
}
