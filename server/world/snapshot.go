package world

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// EntitySnapshot is an immutable copy of the state of one entity at the
// moment it was taken. Unlike an EntityHandle, a snapshot may be retained
// beyond the transaction it was taken in and read from any goroutine.
type EntitySnapshot struct {
	ID       uuid.UUID
	Type     string
	Position mgl64.Vec3
	Velocity mgl64.Vec3
	Chunk    ChunkPos
}

// ColumnSnapshot is an immutable copy of an active chunk column: its block
// storage, the entities it owns and the block updates still scheduled within
// it. The chunk held by a snapshot is a deep copy and is safe to read after
// the transaction finishes.
type ColumnSnapshot struct {
	Pos      ChunkPos
	Chunk    *chunk.Chunk
	Entities []EntitySnapshot
	// ScheduledUpdates holds the pending block updates within the column with
	// their absolute due ticks.
	ScheduledUpdates []chunk.ScheduledUpdate
	// Tick is the simulation tick the snapshot was taken at.
	Tick int64
}

func (w *World) entitySnapshot(e *EntityHandle) EntitySnapshot {
	return EntitySnapshot{ID: e.id, Type: e.t, Position: e.pos, Velocity: e.vel, Chunk: e.chunk}
}

// SnapshotColumn copies the chunk column at a position. The bool returned is
// false if the chunk at the position is not active.
func (tx *Tx) SnapshotColumn(pos ChunkPos) (ColumnSnapshot, bool) {
	tx.mustNotBeClosed()
	w := tx.w
	col, ok := w.chunks[pos]
	if !ok || col.status != StatusActive {
		return ColumnSnapshot{}, false
	}
	snap := ColumnSnapshot{
		Pos:              pos,
		Chunk:            col.chunk.Clone(),
		ScheduledUpdates: w.scheduledUpdates.updatesInChunk(pos),
		Tick:             w.CurrentTick(),
	}
	for _, id := range col.entities {
		if e, ok := w.entities[id]; ok {
			snap.Entities = append(snap.Entities, w.entitySnapshot(e))
		}
	}
	return snap, true
}

// SnapshotEntities copies the state of all entities in the world, ordered by
// their identifiers.
func (tx *Tx) SnapshotEntities() []EntitySnapshot {
	tx.mustNotBeClosed()
	w := tx.w
	snaps := make([]EntitySnapshot, 0, len(w.entityOrder))
	for _, id := range w.entityOrder {
		if e, ok := w.entities[id]; ok {
			snaps = append(snaps, w.entitySnapshot(e))
		}
	}
	return snaps
}
