package keys

import (
	"crypto/rsa"
	"time"
)

// Status is the lifecycle state of a signing key pair.
type Status string

const (
	StatusActive     Status = "active"
	StatusRotating   Status = "rotating"
	StatusDeprecated Status = "deprecated"
	StatusRevoked    Status = "revoked"
)

// AlgorithmRS256 is the only signing algorithm produced by this package.
const AlgorithmRS256 = "RS256"

// Usage tracks how much a key has been used for signing.
type Usage struct {
	TokensIssued uint64
	LastUsed     time.Time
}

// SigningKeyPair is an RSA key pair together with its lifecycle metadata.
//
// ExpiresAt has two meanings depending on status. For the active key it is the
// instant scheduled rotation falls due (zero disables scheduled rotation). For
// every other status it is the instant after which the key may be destroyed.
type SigningKeyPair struct {
	ID            string
	Algorithm     string
	PrivateKey    *rsa.PrivateKey
	PublicKey     *rsa.PublicKey
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RotatedAt     time.Time
	DeprecatedAt  time.Time
	RevokedAt     time.Time
	RevokedReason string
	Status        Status
	Usage         Usage
}

// CanSign reports whether the key may produce new signatures.
func (k *SigningKeyPair) CanSign() bool {
	return k != nil && k.Status == StatusActive && k.PrivateKey != nil
}

// CanVerify reports whether signatures made by the key are still accepted.
func (k *SigningKeyPair) CanVerify() bool {
	if k == nil || k.PublicKey == nil {
		return false
	}
	switch k.Status {
	case StatusActive, StatusRotating, StatusDeprecated:
		return true
	default:
		return false
	}
}

// Clone returns a copy that shares the immutable key material.
func (k *SigningKeyPair) Clone() *SigningKeyPair {
	if k == nil {
		return nil
	}
	out := *k
	return &out
}

// RotationResult is returned by [Manager.RotateKeys].
type RotationResult struct {
	NewKey           *SigningKeyPair
	DeprecatedKeyIDs []string
}

// SweepResult summarises one [Manager.Sweep] pass.
type SweepResult struct {
	Deprecated []string
	Deleted    []string
	Rotated    *RotationResult
}
