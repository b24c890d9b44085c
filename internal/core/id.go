package core

import "github.com/google/uuid"

// NewID returns a random identifier for run records.
func NewID() string {
	return uuid.NewString()
}
