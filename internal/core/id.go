package core

import "github.com/google/uuid"

// NewID returns a random UUID used for runs and stored payloads.
func NewID() string {
	return uuid.NewString()
}
