package world

import (
	"errors"
	"io"
)

// ErrNotFound is returned by Store implementations when no payload is stored
// under the key read.
var ErrNotFound = errors.New("world: entry not found")

// Store is the durable storage of a world: an opaque byte payload per chunk
// position, plus a single settings blob. Stores have no knowledge of the
// payload contents. Implementations must be safe for concurrent use; the
// world itself guarantees that writes to the same chunk position are never
// issued concurrently.
type Store interface {
	// ReadColumn reads the payload stored for a chunk position. If nothing is
	// stored for the position, an error wrapping ErrNotFound is returned.
	ReadColumn(pos ChunkPos) ([]byte, error)
	// WriteColumn stores a payload for a chunk position, replacing any
	// previous payload.
	WriteColumn(pos ChunkPos, payload []byte) error
	// ReadSettings reads the settings blob of the world. If no settings were
	// stored yet, an error wrapping ErrNotFound is returned.
	ReadSettings() ([]byte, error)
	// WriteSettings stores the settings blob of the world.
	WriteSettings(payload []byte) error

	io.Closer
}

// NopStore implements Store and persists nothing. Worlds backed by a NopStore
// generate every chunk on demand and lose all state when closed.
type NopStore struct{}

func (NopStore) ReadColumn(ChunkPos) ([]byte, error) { return nil, ErrNotFound }
func (NopStore) WriteColumn(ChunkPos, []byte) error  { return nil }
func (NopStore) ReadSettings() ([]byte, error)       { return nil, ErrNotFound }
func (NopStore) WriteSettings([]byte) error          { return nil }
func (NopStore) Close() error                        { return nil }
