// Package tokenguard issues, verifies, rotates and revokes short-lived RS256
// bearer tokens and longer-lived refresh tokens for a multi-tenant user base,
// and gates state-changing requests against forgery and abusive traffic.
//
// The package is designed for concurrent server workloads: Engine methods are safe to call
// from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// tokenguard is the public surface. It exposes [Engine], [Builder], [Config] and value
// types. Signing keys live in package keys, bearer tokens in jwt, refresh records in
// refresh and the revocation ledger in revocation. Rate limiting, CSRF protection and
// audit dispatch live under internal/.
//
// # What this package must NOT do
//
//   - Hash passwords or keep long-term user records; claims come from an [IdentityProvider].
//   - Perform I/O outside of Engine methods and Build.
//   - Import any sub-package that re-imports tokenguard (no import cycles).
//
// # Failure policy
//
// Verification keeps working while the key store is down (cached key set plus an optional
// static key). Revocation lookups and rate limiting fail open with a metric; CSRF
// redemption and refresh rotation fail closed.
package tokenguard
