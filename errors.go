package tokenguard

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/tokenguard/internal/csrf"
	"github.com/MrEthical07/tokenguard/internal/rate"
	"github.com/MrEthical07/tokenguard/jwt"
	"github.com/MrEthical07/tokenguard/keys"
	"github.com/MrEthical07/tokenguard/refresh"
	"github.com/MrEthical07/tokenguard/revocation"
)

var (
	// ErrTokenInvalid covers malformed, forged and unverifiable bearer tokens.
	ErrTokenInvalid = jwt.ErrTokenInvalid
	// ErrTokenExpired is returned for a well-signed token past its expiry.
	ErrTokenExpired = jwt.ErrTokenExpired
	// ErrTokenRevoked is returned when the revocation ledger rejects a token.
	ErrTokenRevoked = jwt.ErrTokenRevoked
	// ErrKeyRevoked is returned for tokens signed by a revoked key. It wraps
	// ErrTokenInvalid.
	ErrKeyRevoked = jwt.ErrKeyRevoked
	// ErrKeyNotFound is returned by RevokeKey for an unknown key id.
	ErrKeyNotFound = keys.ErrNotFound
	// ErrStaticKeyRevocation is returned by RevokeKey for the static
	// fallback key id.
	ErrStaticKeyRevocation = keys.ErrStaticKey
	// ErrNoSigningKey is returned when neither the store nor the static
	// fallback provide an active key.
	ErrNoSigningKey = keys.ErrNoSigningKey
	// ErrRefreshInvalid is returned for unknown, expired or mismatched refresh tokens.
	ErrRefreshInvalid = refresh.ErrInvalid
	// ErrRefreshReuse is returned when a consumed refresh token is presented again.
	ErrRefreshReuse = refresh.ErrReuse
	// ErrRateLimited is returned when a request exceeds its window.
	ErrRateLimited = rate.ErrRateLimited
	// ErrIPBlocked is returned for requests from a blocked address.
	ErrIPBlocked = errors.New("ip blocked")
	// ErrForgeryRejected matches every CSRF rejection.
	ErrForgeryRejected = csrf.ErrRejected
	// ErrCSRFDisabled is returned by the CSRF operations when protection is off.
	ErrCSRFDisabled = errors.New("csrf protection disabled")
	// ErrStoreUnavailable wraps failures of Redis or the durable store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrIdentityUnavailable is returned when the identity provider fails.
	ErrIdentityUnavailable = errors.New("identity provider unavailable")
	// ErrUserDisabled is returned when the identity provider reports the
	// user as disabled.
	ErrUserDisabled = errors.New("user disabled")
	// ErrEngineNotReady is returned when a nil or closed Engine is used.
	ErrEngineNotReady = errors.New("engine not ready")
)

// storeErr tags component store failures with ErrStoreUnavailable while
// keeping the original chain.
func storeErr(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	switch {
	case errors.Is(err, keys.ErrStoreUnavailable),
		errors.Is(err, refresh.ErrStoreUnavailable),
		errors.Is(err, revocation.ErrUnavailable),
		errors.Is(err, rate.ErrRedisUnavailable),
		errors.Is(err, csrf.ErrStoreUnavailable):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
