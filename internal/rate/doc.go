// Package rate provides the distributed request limiter and IP deny-list.
//
// # Window semantics
//
// The Redis backend keeps a sliding log per identifier: a sorted set of
// request timestamps (ms scores, unique members) trimmed to the window and
// updated in one MULTI/EXEC batch. Every request is logged, so denied
// requests keep the window full.
//
// The local backend is a fixed window per identifier held in process memory.
// It serves the "local" strategy and backs the "redis" strategy whenever a
// Redis call fails or exceeds the per-call timeout.
//
// Key prefixes (after the configured prefix):
//   - rl:    sliding window per identifier
//   - block: IP deny-list entry
package rate
