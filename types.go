package tokenguard

import (
	"context"
	"time"

	"github.com/MrEthical07/tokenguard/internal/rate"
	"github.com/MrEthical07/tokenguard/jwt"
	"github.com/MrEthical07/tokenguard/keys"
)

// Identity is the claim material attached to bearer tokens minted during a
// refresh.
type Identity struct {
	TenantID string
	Roles    []string
	Custom   map[string]any
	// Disabled users cannot refresh.
	Disabled bool
}

// IdentityProvider resolves the current claims of a user. It is consulted on
// every refresh so role changes take effect at the next rotation.
type IdentityProvider interface {
	Identity(ctx context.Context, userID, tenantID string) (Identity, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider.
type IdentityProviderFunc func(ctx context.Context, userID, tenantID string) (Identity, error)

func (f IdentityProviderFunc) Identity(ctx context.Context, userID, tenantID string) (Identity, error) {
	return f(ctx, userID, tenantID)
}

// TokenPair is a bearer token together with its refresh token.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	UserID           string
	TenantID         string
}

// SignRequest describes a bearer token to issue.
type SignRequest = jwt.SignRequest

// Token is a signed bearer token with its metadata.
type Token = jwt.Token

// Claims is the verified claim set of a bearer token.
type Claims = jwt.Claims

// LimitResult is the outcome of a rate limit check.
type LimitResult = rate.Result

// SigningKey is a signing key pair with lifecycle metadata.
type SigningKey = keys.SigningKeyPair

// JWKSet is the published verification key set.
type JWKSet = keys.JWKSet

// RotationResult describes a completed key rotation.
type RotationResult = keys.RotationResult

// SweepResult summarises one key sweep.
type SweepResult = keys.SweepResult
