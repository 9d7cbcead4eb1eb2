package session

import "github.com/google/uuid"

// IDGenerator produces the session identifier used in the transport path.
type IDGenerator func() string

// RandomID returns a fresh UUID; used once per client process.
func RandomID() string {
	return uuid.NewString()
}

// StaticID always returns id. Useful for pinning a conversation while debugging the backend.
func StaticID(id string) IDGenerator {
	return func() string { return id }
}
