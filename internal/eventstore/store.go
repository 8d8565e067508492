// Package eventstore keeps an append-only history of build lifecycle events
// and projects it into per-build and per-repository read models.
package eventstore

import (
	"context"
	"time"
)

// Store defines the interface for persisting and retrieving events.
type Store interface {
	// Append adds a new event to the store.
	Append(ctx context.Context, rec Record) error

	// GetByBuildID retrieves all events for a specific build, oldest first.
	GetByBuildID(ctx context.Context, buildID string) ([]Event, error)

	// GetRange retrieves events within a time range, oldest first.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close closes the store and releases resources.
	Close() error
}

// Record is an event about to be appended.
type Record struct {
	BuildID    string
	Repository string
	Type       string
	At         time.Time
	Payload    []byte
	Metadata   map[string]string
}
