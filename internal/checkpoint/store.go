package checkpoint

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Store.Load when no record has the given ID.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("checkpoint: corrupt record")
)

// Store persists checkpoints, one record per ID.
//
// Save overwrites any existing record with the same ID. Load returns
// ErrNotFound for unknown or malformed IDs and an error wrapping ErrCorrupt
// for records that exist but cannot be decoded. List returns every
// decodable record of a network in no particular order and logs the rest.
// Delete is idempotent.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context, network string) ([]*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// StatusCounter is implemented by stores that can count the checkpoints of
// a network per status without decoding them.
type StatusCounter interface {
	CountByStatus(ctx context.Context, network string) (map[Status]int, error)
}
