package world

import (
	"slices"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// EntityBehaviour describes how one registered entity type behaves. The zero
// value is a valid, inert entity type.
type EntityBehaviour struct {
	// Name uniquely identifies the entity type, such as "stratum:marker".
	Name string
	// Tick is called once per simulation step for every entity of this type
	// whose chunk is active, after the entity's position was integrated. Nil
	// for entity types without behaviour.
	Tick func(e *EntityHandle, tx *Tx, current int64)
}

// EntityRegistry holds the entity types a world is able to simulate and
// persist. Entities of unregistered types are dropped with a warning when a
// column holding them is loaded.
type EntityRegistry struct {
	types map[string]EntityBehaviour
}

// NewEntityRegistry creates an EntityRegistry from the behaviours passed.
// Duplicate names overwrite earlier entries.
func NewEntityRegistry(behaviours ...EntityBehaviour) EntityRegistry {
	types := make(map[string]EntityBehaviour, len(behaviours))
	for _, b := range behaviours {
		types[b.Name] = b
	}
	return EntityRegistry{types: types}
}

// Lookup returns the behaviour registered for an entity type name.
func (reg EntityRegistry) Lookup(name string) (EntityBehaviour, bool) {
	b, ok := reg.types[name]
	return b, ok
}

// Types returns the names of all registered entity types in sorted order.
func (reg EntityRegistry) Types() []string {
	names := make([]string, 0, len(reg.types))
	for name := range reg.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// EntityHandle is the world-owned state of a single entity. An EntityHandle
// must only be used through the transaction that exposed it: the world
// mutates and moves entities exclusively on its tick goroutine.
type EntityHandle struct {
	id  uuid.UUID
	t   string
	pos mgl64.Vec3
	vel mgl64.Vec3
	// chunk is the position of the column currently owning the entity. It is
	// kept in lockstep with the column's entity list.
	chunk ChunkPos
}

// UUID returns the unique identifier of the entity.
func (e *EntityHandle) UUID() uuid.UUID {
	return e.id
}

// Type returns the registered entity type name of the entity.
func (e *EntityHandle) Type() string {
	return e.t
}

// Position returns the current position of the entity.
func (e *EntityHandle) Position() mgl64.Vec3 {
	return e.pos
}

// Velocity returns the velocity applied to the entity's position each tick.
func (e *EntityHandle) Velocity() mgl64.Vec3 {
	return e.vel
}

// ChunkPos returns the position of the chunk column that owns the entity.
func (e *EntityHandle) ChunkPos() ChunkPos {
	return e.chunk
}
