package world

import (
	"iter"
	"slices"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stratum-world/stratum/server/internal/txguard"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// Tx represents a synchronised transaction performed on a World. World state
// may only be read or mutated through a transaction, which the world runs on
// its tick goroutine. A Tx is not safe for use by multiple goroutines
// concurrently.
type Tx struct {
	closed atomic.Bool
	w      *World
}

func newTx(w *World) *Tx {
	return &Tx{w: w}
}

// close finishes the transaction. Any use of the Tx after close panics with
// txguard.ClosedPanicMessage, which txguard.Run recovers.
func (tx *Tx) close() {
	tx.closed.Store(true)
}

func (tx *Tx) mustNotBeClosed() {
	if tx.closed.Load() {
		panic(txguard.ClosedPanicMessage)
	}
}

// World returns the World of the Tx. It panics if the transaction has
// finished.
func (tx *Tx) World() *World {
	tx.mustNotBeClosed()
	return tx.w
}

// Range returns the lower and upper bounds of the World that the Tx is
// operating on.
func (tx *Tx) Range() chunk.Range {
	return tx.w.ra
}

// Block reads the runtime ID of the block at a position. Positions outside
// the world's range or in chunks that are not active read as air.
func (tx *Tx) Block(pos BlockPos) uint32 {
	tx.mustNotBeClosed()
	return tx.w.blockAt(pos)
}

// SetBlock writes a block at a position and reports whether the write was
// applied. Writes are refused for unregistered runtime IDs, positions
// outside the world's range and chunks that are not active.
func (tx *Tx) SetBlock(pos BlockPos, rid uint32) bool {
	tx.mustNotBeClosed()
	if _, ok := tx.w.conf.Blocks.Behaviour(rid); !ok {
		return false
	}
	return tx.w.setBlockAt(pos, rid)
}

// ScheduleBlockUpdate schedules a block update at the position passed after
// a delay in ticks. The update fires only if the block at the position is
// still of the same type by then. Scheduling for the same position and block
// type only ever pushes the update further out, never closer. Requests for
// positions outside active chunks are ignored.
func (tx *Tx) ScheduleBlockUpdate(pos BlockPos, delay int64) {
	tx.mustNotBeClosed()
	w := tx.w
	if pos.OutOfBounds(w.ra) {
		return
	}
	col, ok := w.chunks[chunkPosFromBlockPos(pos)]
	if !ok || col.status != StatusActive {
		return
	}
	rid := col.chunk.Block(byte(pos[0]&15), pos[1], byte(pos[2]&15))
	w.scheduledUpdates.schedule(pos, rid, delay)
	// Pending updates are part of the column's persisted state, so the
	// column must be written out even if no block changed.
	col.dirty = true
}

// LoadChunk requests the chunk at a position, queueing its load or
// generation if it is not in memory yet, and returns its current lifecycle
// stage.
func (tx *Tx) LoadChunk(pos ChunkPos) ChunkStatus {
	tx.mustNotBeClosed()
	col, _ := tx.w.getOrQueue(pos)
	return col.status
}

// UnloadChunk requests the removal of the chunk at a position and reports
// whether the request took effect. Active chunks are saved and removed;
// chunks whose load is still in flight are discarded. Chunks already being
// saved, and positions not in memory, report false.
func (tx *Tx) UnloadChunk(pos ChunkPos) bool {
	tx.mustNotBeClosed()
	return tx.w.unloadChunk(tx, pos)
}

// ChunkStatus returns the lifecycle stage of the chunk at a position. The
// bool returned is false if the chunk is not in memory.
func (tx *Tx) ChunkStatus(pos ChunkPos) (ChunkStatus, bool) {
	tx.mustNotBeClosed()
	return tx.w.chunkStatus(pos)
}

// SpawnEntity creates an entity of a registered type at a position and
// returns its handle. The chunk owning the position is queued if it is not
// in memory; the entity starts ticking once that chunk is active.
func (tx *Tx) SpawnEntity(t string, pos mgl64.Vec3) (*EntityHandle, error) {
	tx.mustNotBeClosed()
	return tx.w.spawnEntity(t, pos)
}

// RemoveEntity removes an entity from the world and reports whether it was
// found.
func (tx *Tx) RemoveEntity(id uuid.UUID) bool {
	tx.mustNotBeClosed()
	e, ok := tx.w.entities[id]
	if !ok {
		return false
	}
	tx.w.despawnEntity(e)
	return true
}

// Entity looks up an entity by its identifier.
func (tx *Tx) Entity(id uuid.UUID) (*EntityHandle, bool) {
	tx.mustNotBeClosed()
	e, ok := tx.w.entities[id]
	return e, ok
}

// Entities returns an iterator yielding all entities in the world in a
// stable order. The yield function may mutate the world, including removing
// the entity yielded.
func (tx *Tx) Entities() iter.Seq[*EntityHandle] {
	tx.mustNotBeClosed()
	return func(yield func(*EntityHandle) bool) {
		for _, id := range slices.Clone(tx.w.entityOrder) {
			e, ok := tx.w.entities[id]
			if !ok {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// MoveEntity moves an entity to a position, transferring it between chunks
// if the movement crosses a chunk border. It reports whether the entity was
// found.
func (tx *Tx) MoveEntity(id uuid.UUID, pos mgl64.Vec3) bool {
	tx.mustNotBeClosed()
	e, ok := tx.w.entities[id]
	if !ok {
		return false
	}
	tx.w.setEntityPosition(e, pos)
	return true
}

// SetEntityVelocity sets the velocity applied to an entity's position on
// every tick. It reports whether the entity was found.
func (tx *Tx) SetEntityVelocity(id uuid.UUID, vel mgl64.Vec3) bool {
	tx.mustNotBeClosed()
	e, ok := tx.w.entities[id]
	if !ok {
		return false
	}
	e.vel = vel
	if col, ok := tx.w.chunks[e.chunk]; ok {
		col.dirty = true
	}
	return true
}
