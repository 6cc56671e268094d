package api

import "github.com/google/uuid"

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
