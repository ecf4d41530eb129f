// Package keys owns the signing key pairs used for bearer tokens and their
// lifecycle: creation on rotation, the overlap window during which a demoted
// key still verifies, deprecation, emergency revocation and final removal.
//
// # Lifecycle
//
//	active --RotateKeys--> rotating --Sweep(overlap)--> deprecated --Sweep(max token life)--> deleted
//	any    --RevokeKey---> revoked  (never signs, never verifies)
//
// Exactly one key is active at a time. Only the active key signs; rotating and
// deprecated keys verify. The durable [Store] enforces the single-active
// invariant and every lifecycle step is a compare-and-set, so [Manager.Sweep]
// can run concurrently on every instance.
//
// # Failure mode
//
// When the store is unreachable the [Manager] keeps serving from its last
// loaded key set and, when configured, from a static key pair. Rotation
// agility is traded for availability.
package keys
