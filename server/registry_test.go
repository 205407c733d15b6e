package server

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stratum-world/stratum/server/world"
)

// newTestWorld creates a fast-ticking world over an empty generator, closed
// when the test ends.
func newTestWorld(t *testing.T, blocks *world.BlockRegistry) *world.World {
	t.Helper()
	w := world.Config{
		Log:          discardLogger(),
		Blocks:       blocks,
		Entities:     DefaultEntities(),
		TickInterval: time.Millisecond * 5,
	}.New()
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Errorf("close world: %v", err)
		}
	})
	return w
}

// waitForActive keeps requesting a chunk until it is active.
func waitForActive(t *testing.T, w *world.World, pos world.ChunkPos) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		var active bool
		<-w.Exec(func(tx *world.Tx) {
			st, ok := tx.ChunkStatus(pos)
			active = ok && st == world.StatusActive
			if !ok {
				tx.LoadChunk(pos)
			}
		})
		if active {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatalf("chunk %v did not become active", pos)
}

func mustRID(t *testing.T, reg *world.BlockRegistry, name string) uint32 {
	t.Helper()
	rid, ok := reg.RuntimeID(name)
	if !ok {
		t.Fatalf("block %v not registered", name)
	}
	return rid
}

func TestDefaultBlocksPalette(t *testing.T) {
	reg := DefaultBlocks()
	if reg.Count() != 6 {
		t.Fatalf("palette holds %v blocks, want 6", reg.Count())
	}
	if rid := mustRID(t, reg, BlockAir); rid != reg.Air() {
		t.Fatalf("air registered with runtime ID %v", rid)
	}
	for _, name := range []string{BlockStone, BlockDirt, BlockGrass, BlockSand, BlockBedrock} {
		mustRID(t, reg, name)
	}
}

func TestDefaultEntitiesTypes(t *testing.T) {
	reg := DefaultEntities()
	types := reg.Types()
	if len(types) != 2 {
		t.Fatalf("registry holds %v types, want 2: %v", len(types), types)
	}
	if _, ok := reg.Lookup(EntityMarker); !ok {
		t.Fatalf("marker not registered")
	}
	b, ok := reg.Lookup(EntityDrifter)
	if !ok {
		t.Fatalf("drifter not registered")
	}
	if b.Tick == nil {
		t.Fatalf("drifter has no tick behaviour")
	}
}

func TestGrassSpreadsOntoBareDirt(t *testing.T) {
	reg := DefaultBlocks()
	w := newTestWorld(t, reg)
	waitForActive(t, w, world.ChunkPos{0, 0})

	dirt, grass := mustRID(t, reg, BlockDirt), mustRID(t, reg, BlockGrass)
	dirtPos := world.BlockPos{8, 10, 8}

	var got uint32
	<-w.Exec(func(tx *world.Tx) {
		tx.SetBlock(dirtPos, dirt)
		tx.SetBlock(world.BlockPos{9, 10, 8}, grass)

		b, _ := reg.Behaviour(dirt)
		b.RandomTick(dirtPos, tx, rand.New(rand.NewPCG(1, 2)))
		got = tx.Block(dirtPos)
	})
	if got != grass {
		t.Fatalf("dirt with a grass neighbour stayed %v, want grass", got)
	}
}

func TestGrassSmothersUnderCover(t *testing.T) {
	reg := DefaultBlocks()
	w := newTestWorld(t, reg)
	waitForActive(t, w, world.ChunkPos{0, 0})

	dirt, grass := mustRID(t, reg, BlockDirt), mustRID(t, reg, BlockGrass)
	stone := mustRID(t, reg, BlockStone)
	grassPos := world.BlockPos{8, 10, 8}

	var got uint32
	<-w.Exec(func(tx *world.Tx) {
		tx.SetBlock(grassPos, grass)
		tx.SetBlock(world.BlockPos{8, 11, 8}, stone)

		b, _ := reg.Behaviour(grass)
		b.RandomTick(grassPos, tx, rand.New(rand.NewPCG(1, 2)))
		got = tx.Block(grassPos)
	})
	if got != dirt {
		t.Fatalf("covered grass stayed %v, want dirt", got)
	}
}

func TestDirtStaysWithoutGrassNeighbour(t *testing.T) {
	reg := DefaultBlocks()
	w := newTestWorld(t, reg)
	waitForActive(t, w, world.ChunkPos{0, 0})

	dirt := mustRID(t, reg, BlockDirt)
	dirtPos := world.BlockPos{8, 10, 8}

	var got uint32
	<-w.Exec(func(tx *world.Tx) {
		tx.SetBlock(dirtPos, dirt)

		b, _ := reg.Behaviour(dirt)
		b.RandomTick(dirtPos, tx, rand.New(rand.NewPCG(1, 2)))
		got = tx.Block(dirtPos)
	})
	if got != dirt {
		t.Fatalf("lone dirt became %v", got)
	}
}

func TestSandFallsWhenScheduled(t *testing.T) {
	reg := DefaultBlocks()
	w := newTestWorld(t, reg)
	waitForActive(t, w, world.ChunkPos{0, 0})

	stone, sand := mustRID(t, reg, BlockStone), mustRID(t, reg, BlockSand)
	<-w.Exec(func(tx *world.Tx) {
		tx.SetBlock(world.BlockPos{8, 0, 8}, stone)
		tx.SetBlock(world.BlockPos{8, 4, 8}, sand)
		tx.ScheduleBlockUpdate(world.BlockPos{8, 4, 8}, 1)
	})

	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		var landed bool
		<-w.Exec(func(tx *world.Tx) {
			landed = tx.Block(world.BlockPos{8, 1, 8}) == sand &&
				tx.Block(world.BlockPos{8, 4, 8}) == reg.Air()
		})
		if landed {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatalf("sand did not come to rest on the stone floor")
}

func TestDrifterStartsMoving(t *testing.T) {
	w := newTestWorld(t, DefaultBlocks())
	waitForActive(t, w, world.ChunkPos{0, 0})

	var spawnErr error
	<-w.Exec(func(tx *world.Tx) {
		_, spawnErr = tx.SpawnEntity(EntityDrifter, mgl64.Vec3{8, 10, 8})
	})
	if spawnErr != nil {
		t.Fatalf("spawn drifter: %v", spawnErr)
	}

	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		var moving bool
		<-w.Exec(func(tx *world.Tx) {
			for e := range tx.Entities() {
				if e.Velocity() != (mgl64.Vec3{}) {
					moving = true
				}
			}
		})
		if moving {
			return
		}
		time.Sleep(time.Millisecond * 20)
	}
	t.Fatalf("drifter never picked a direction")
}
