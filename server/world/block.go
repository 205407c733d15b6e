package world

import (
	"fmt"
	"math/rand/v2"

	"github.com/brentp/intintmap"
	"github.com/segmentio/fasthash/fnv1a"
)

// BlockBehaviour describes how one registered block type behaves when the
// world ticks it. The zero value is a valid, inert block.
type BlockBehaviour struct {
	// Name uniquely identifies the block type, such as "stratum:stone".
	Name string
	// ScheduledTick is called when a scheduled update for a block of this type
	// comes due, provided the block at the scheduled position still is of this
	// type. Nil for blocks without scheduled behaviour.
	ScheduledTick func(pos BlockPos, tx *Tx, r *rand.Rand)
	// RandomTick is called when a block of this type is selected by the random
	// ticking of an active chunk. Nil for blocks without random behaviour.
	RandomTick func(pos BlockPos, tx *Tx, r *rand.Rand)
}

// AirBlock is the name of the block every BlockRegistry is created with. Its
// runtime ID fills chunks before generation and after fallback generation.
const AirBlock = "stratum:air"

// BlockRegistry maps block type names and runtime IDs to their behaviour.
// Blocks must be registered before the registry is handed to a world;
// registration is not safe for concurrent use with lookups.
type BlockRegistry struct {
	behaviours []BlockBehaviour
	names      *intintmap.Map
}

// NewBlockRegistry creates a BlockRegistry holding only AirBlock, which is
// assigned runtime ID 0.
func NewBlockRegistry() *BlockRegistry {
	reg := &BlockRegistry{names: intintmap.New(64, 0.6)}
	if _, err := reg.Register(BlockBehaviour{Name: AirBlock}); err != nil {
		panic(err)
	}
	return reg
}

// Register adds a block type to the registry and returns the runtime ID
// assigned to it. Runtime IDs are handed out in registration order, so a
// registry built by registering the same types in the same order is stable
// across runs.
func (reg *BlockRegistry) Register(b BlockBehaviour) (uint32, error) {
	if b.Name == "" {
		return 0, fmt.Errorf("register block: name must not be empty")
	}
	if _, ok := reg.RuntimeID(b.Name); ok {
		return 0, fmt.Errorf("register block: %v already registered", b.Name)
	}
	rid := uint32(len(reg.behaviours))
	reg.behaviours = append(reg.behaviours, b)
	reg.names.Put(int64(fnv1a.HashString64(b.Name)), int64(rid))
	return rid, nil
}

// RuntimeID looks up the runtime ID registered for a block type name.
func (reg *BlockRegistry) RuntimeID(name string) (uint32, bool) {
	rid, ok := reg.names.Get(int64(fnv1a.HashString64(name)))
	if !ok {
		return 0, false
	}
	return uint32(rid), true
}

// Behaviour returns the behaviour registered for a runtime ID.
func (reg *BlockRegistry) Behaviour(rid uint32) (BlockBehaviour, bool) {
	if int(rid) >= len(reg.behaviours) {
		return BlockBehaviour{}, false
	}
	return reg.behaviours[rid], true
}

// Air returns the runtime ID of AirBlock, which is always 0.
func (reg *BlockRegistry) Air() uint32 {
	return 0
}

// Count returns the number of block types registered.
func (reg *BlockRegistry) Count() int {
	return len(reg.behaviours)
}
