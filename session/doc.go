// Package session implements the session registry: creation, atomic
// refresh-token rotation, idempotent revocation, and usable-session lookup
// over Redis records.
//
// Rotation is a single Lua compare-and-swap keyed by the stored refresh
// hash, which guarantees at most one successful rotation per presented
// token even under concurrent duplicate requests.
package session
