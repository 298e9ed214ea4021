// Package uuid provides crawl session ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 session IDs so session rows sort by
// start time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewSessionID returns a UUIDv7.
func (Generator) NewSessionID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

// Parse validates a session ID received from a client.
func Parse(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse session id %q: %w", raw, err)
	}
	return id, nil
}
