// Package csrf issues and redeems single-use anti-forgery tokens bound to a
// session.
//
// A token is "sessionID:timestampMs:nonce:sig" where sig is the unpadded
// base64url HMAC-SHA256 of the first three fields. The HMAC key is derived
// from the configured secret with HKDF. Every issued token is also recorded
// in a Store and can be redeemed exactly once; a redeemed token leaves a
// tombstone for the rest of its lifetime so a replay is reported as such.
//
// When the store cannot be reached, verification fails closed.
package csrf
