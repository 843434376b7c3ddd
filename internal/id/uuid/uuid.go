// Package uuid provides ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator creates time-ordered UUID identifiers.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7, falling back to a random UUID if the monotonic
// source fails.
func (Generator) NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
