// Package middleware adapts a tokenguard.Engine to net/http.
//
// # Middleware
//
//   - [RequireBearer] verifies the Authorization header and stores claims in
//     the request context.
//   - [RateLimit] applies a sliding-window limit and the IP deny-list, with
//     X-RateLimit-* headers.
//   - [CSRF] checks the anti-forgery header on state-changing requests.
//   - [ClientIP] records the peer address for audit events and per-IP keys.
//
// # Handlers
//
//   - [JWKSHandler] publishes verification keys.
//   - [RefreshHandler] and [LogoutHandler] work with the refresh cookie.
//   - [CSRFTokenHandler] issues CSRF tokens.
//
// Errors are reported as JSON objects with a single "error" field. The
// package makes no security decisions of its own; every verdict comes from
// the Engine.
package middleware
