// Package refresh implements rotating, single-use refresh tokens.
//
// # Token format
//
// A refresh token is "<recordID>.<secret>" where recordID is a UUID and secret
// is 32 random bytes in unpadded base64url. The store retains only the sha256
// of the secret.
//
// # Rotation
//
// Presenting a token consumes it: the record is stamped used and a successor
// is inserted in one store operation. The stamp is conditional, so of two
// concurrent presentations exactly one succeeds and the other observes
// ErrReuse. Presenting an already consumed token with the correct secret is
// a replay and is reported through the reuse hook.
//
// Records are never deleted; a used or expired record stays invalid.
package refresh
