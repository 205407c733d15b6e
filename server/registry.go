package server

import (
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stratum-world/stratum/server/world"
)

// Block type names registered by DefaultBlocks.
const (
	BlockAir     = world.AirBlock
	BlockStone   = "stratum:stone"
	BlockDirt    = "stratum:dirt"
	BlockGrass   = "stratum:grass"
	BlockSand    = "stratum:sand"
	BlockBedrock = "stratum:bedrock"
)

// Entity type names registered by DefaultEntities.
const (
	EntityMarker  = "stratum:marker"
	EntityDrifter = "stratum:drifter"
)

// sandFallDelay is the number of ticks between the steps of a falling sand
// block.
const sandFallDelay = 2

// DefaultBlocks returns the block registry used by servers whose Config does
// not set one. It holds a small terrain palette: grass spreads onto bare dirt
// and smothers under cover, and sand falls through air one block per
// scheduled update.
func DefaultBlocks() *world.BlockRegistry {
	reg := world.NewBlockRegistry()
	register := func(b world.BlockBehaviour) uint32 {
		rid, err := reg.Register(b)
		if err != nil {
			panic(err)
		}
		return rid
	}

	var dirt, grass, sand uint32
	register(world.BlockBehaviour{Name: BlockStone})
	dirt = register(world.BlockBehaviour{
		Name: BlockDirt,
		RandomTick: func(pos world.BlockPos, tx *world.Tx, r *rand.Rand) {
			if tx.Block(world.BlockPos{pos[0], pos[1] + 1, pos[2]}) != reg.Air() {
				return
			}
			for _, n := range horizontalNeighbours(pos) {
				if tx.Block(n) == grass {
					tx.SetBlock(pos, grass)
					return
				}
			}
		},
	})
	grass = register(world.BlockBehaviour{
		Name: BlockGrass,
		RandomTick: func(pos world.BlockPos, tx *world.Tx, r *rand.Rand) {
			if tx.Block(world.BlockPos{pos[0], pos[1] + 1, pos[2]}) != reg.Air() {
				tx.SetBlock(pos, dirt)
			}
		},
	})
	sand = register(world.BlockBehaviour{
		Name: BlockSand,
		ScheduledTick: func(pos world.BlockPos, tx *world.Tx, r *rand.Rand) {
			below := world.BlockPos{pos[0], pos[1] - 1, pos[2]}
			if below.OutOfBounds(tx.Range()) || tx.Block(below) != reg.Air() {
				return
			}
			tx.SetBlock(pos, reg.Air())
			tx.SetBlock(below, sand)
			tx.ScheduleBlockUpdate(below, sandFallDelay)
		},
	})
	register(world.BlockBehaviour{Name: BlockBedrock})
	return reg
}

// DefaultEntities returns the entity registry used by servers whose Config
// does not set one. Markers are inert. Drifters wander horizontally, turning
// into a new cardinal direction every few seconds.
func DefaultEntities() world.EntityRegistry {
	return world.NewEntityRegistry(
		world.EntityBehaviour{Name: EntityMarker},
		world.EntityBehaviour{Name: EntityDrifter, Tick: driftTick},
	)
}

// driftSpeed is the distance a drifter covers per tick.
const driftSpeed = 0.25

func driftTick(e *world.EntityHandle, tx *world.Tx, current int64) {
	if current%80 != 0 {
		return
	}
	// Derive the direction from the entity's identity and the current tick so
	// that drifters fan out instead of moving in lockstep.
	id := e.UUID()
	dir := int(id[0]^id[15]^byte(current>>6)) % 4
	vel := [4]mgl64.Vec3{
		{driftSpeed, 0, 0}, {-driftSpeed, 0, 0},
		{0, 0, driftSpeed}, {0, 0, -driftSpeed},
	}[dir]
	tx.SetEntityVelocity(id, vel)
}

// horizontalNeighbours returns the four positions horizontally adjacent to
// pos.
func horizontalNeighbours(pos world.BlockPos) [4]world.BlockPos {
	return [4]world.BlockPos{
		{pos[0] + 1, pos[1], pos[2]},
		{pos[0] - 1, pos[1], pos[2]},
		{pos[0], pos[1], pos[2] + 1},
		{pos[0], pos[1], pos[2] - 1},
	}
}
