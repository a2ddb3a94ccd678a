// Package uuidutil wraps github.com/google/uuid for the handful of
// identifiers vcycle needs to mint itself (machine-name suffixes, state
// store staging file names).
// OpenStack-assigned identifiers (server uuid, image id, ...) are consumed
// as opaque strings and never round-tripped through this package.
package uuidutil

import "github.com/google/uuid"

// New generates a fresh random (v4) identifier as a string.
func New() string {
	return uuid.New().String()
}

// Valid reports whether s parses as a UUID in any RFC 4122 variant.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
