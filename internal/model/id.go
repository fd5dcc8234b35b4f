package model

import "github.com/oklog/ulid/v2"

// NewID returns a ULID string. IDs made in the same millisecond still sort
// in creation order.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed ID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
