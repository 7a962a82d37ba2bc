// Package backing is the adapter over the durable system of record that
// sits behind the cache and task layers. The fast store is a performance
// layer only: anything it holds must be reconstructible from here.
package backing

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates no record exists at the key.
var ErrNotFound = errors.New("backing: record not found")

// ErrConflict indicates a conditional write lost to a concurrent writer.
var ErrConflict = errors.New("backing: version conflict")

// Record is one durable row. Version counts committed writes and backs
// optimistic concurrency: a write naming a stale version is rejected.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the system of record. Reads return the committed record or
// ErrNotFound; writes either commit and return the new record or report
// ErrConflict.
type Store interface {
	// Read returns the record at key.
	Read(ctx context.Context, key string) (*Record, error)

	// Write commits value at key. expectVersion is the version the caller
	// read: 0 requires the key to be absent (create), a positive version
	// requires an exact match, and a negative version writes
	// unconditionally.
	Write(ctx context.Context, key string, value json.RawMessage, expectVersion int64) (*Record, error)

	// Delete removes the record. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
