// Package revocation is the shared ledger of revoked bearer tokens.
//
// Two kinds of entries live in Redis:
//
//   - <prefix>bl:<sha256(token)>: one revoked token, kept for the token's
//     remaining lifetime.
//   - <prefix>ur:<userID>: a user-wide marker. Every token of the user issued
//     at or before the marker timestamp is treated as revoked.
//
// Lookups fail open: when Redis cannot answer, the token is treated as not
// revoked, the failure is logged and reported to the failure hook.
package revocation
