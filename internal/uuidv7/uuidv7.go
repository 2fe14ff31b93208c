// Package uuidv7 generates the time-ordered identifiers the session core
// tags its log streams with, so entries from successive session incarnations
// sort in creation order.
package uuidv7

import "github.com/google/uuid"

// NewString returns a fresh UUIDv7 in canonical string form. Generation
// failure is a broken random source and panics.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}
