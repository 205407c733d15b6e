package chunk

import "github.com/google/uuid"

// Column groups a Chunk with the data persisted alongside it: the entities
// located in the column and the block updates scheduled within it, together
// with the simulation tick at which the column was serialised.
type Column struct {
	Chunk            *Chunk
	Entities         []Entity
	ScheduledUpdates []ScheduledUpdate
	// Tick is the simulation tick at which the column was encoded. It is used
	// to rebase the due ticks of ScheduledUpdates when the column is loaded
	// into a world whose clock has advanced.
	Tick int64
}

// Entity is the persisted state of a single entity within a column.
type Entity struct {
	ID       uuid.UUID
	Type     string
	Position [3]float64
	Velocity [3]float64
}

// ScheduledUpdate is a persisted block update pending within a column. Tick
// holds the absolute due tick at the time the column was encoded.
type ScheduledUpdate struct {
	Pos   [3]int32
	Block uint32
	Tick  int64
}
