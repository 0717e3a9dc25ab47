// Package internal holds primitives shared by the engine and its stores:
// record identifiers and the opaque token codec.
package internal
