package ident

import "github.com/google/uuid"

// Generator produces identifiers for audit entries, change-log entries and
// unplanned lines.
type Generator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
