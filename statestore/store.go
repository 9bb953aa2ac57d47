// Package statestore provides persistence for suspended service contexts.
//
// A service that suspends a context serializes it and stores the resulting
// record keyed by the service channel ID. When a message for a dormant
// channel arrives, the transport loads the record, reactivates the context,
// dispatches the message, and stores the updated snapshot again.
package statestore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/asmvp/asmv-go"
)

// Store defines the interface for suspended context persistence.
type Store interface {
	// Put persists a context record under the given key,
	// replacing any previous record stored there.
	Put(ctx context.Context, key string, rec Record) error

	// Get retrieves a context record by key.
	// Returns ErrNotFound if no record exists for the key.
	Get(ctx context.Context, key string) (*Record, error)

	// Delete removes a context record. Deleting a key that does not
	// exist is not an error.
	Delete(ctx context.Context, key string) error
}

// Record is a persisted service context: the channel descriptor needed to
// reach the counterpart again, plus the serialized context state exactly as
// produced by serialization. State is opaque to the store and must round-trip
// byte for byte.
type Record struct {
	Channel asmv.Channel    `json:"channel"`
	State   json.RawMessage `json:"state"`
}

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("context not found")

// ErrInvalidKey is returned when an empty key is passed to a store operation.
var ErrInvalidKey = errors.New("invalid context key")
