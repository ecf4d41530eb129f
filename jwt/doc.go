// Package jwt issues and verifies RS256 bearer tokens.
//
// Every token names its signing key in the kid header. Verification resolves
// the key through a KeySource, so tokens signed by a key that has since been
// rotated out keep verifying until that key is deprecated and destroyed.
// A token signed by a revoked key fails with ErrKeyRevoked, which also
// matches ErrTokenInvalid.
//
// RSA operations are bounded by a weighted semaphore; callers queue on their
// context when the bound is reached.
package jwt
