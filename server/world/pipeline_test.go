package world

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratum-world/stratum/server/world/chunk"
)

// flakyGenerator fails a fixed number of generation attempts before writing
// a marker block like countGenerator does.
type flakyGenerator struct {
	failures atomic.Int64
	rid      uint32
}

func (g *flakyGenerator) GenerateChunk(_ ChunkPos, c *chunk.Chunk) error {
	if g.failures.Add(-1) >= 0 {
		return errors.New("injected generation failure")
	}
	c.SetBlock(0, c.Range().Min(), 0, g.rid)
	return nil
}

// panicGenerator panics on its first call and generates normally afterwards.
type panicGenerator struct {
	panicked atomic.Bool
	rid      uint32
}

func (g *panicGenerator) GenerateChunk(_ ChunkPos, c *chunk.Chunk) error {
	if g.panicked.CompareAndSwap(false, true) {
		panic("injected generator panic")
	}
	c.SetBlock(0, c.Range().Min(), 0, g.rid)
	return nil
}

// brokenGenerator fails every attempt.
type brokenGenerator struct{}

func (brokenGenerator) GenerateChunk(ChunkPos, *chunk.Chunk) error {
	return errors.New("injected generation failure")
}

// seedGenerator derives the bottom block layer from a seed, giving every
// seed a distinct but reproducible world.
type seedGenerator struct {
	seed int64
}

func (g seedGenerator) GenerateChunk(pos ChunkPos, c *chunk.Chunk) error {
	min := c.Range().Min()
	for x := byte(0); x < 16; x++ {
		for z := byte(0); z < 16; z++ {
			rid := uint32(1 + (uint64(g.seed)+uint64(pos[0])*31+uint64(pos[1])*17+uint64(x)*3+uint64(z))%7)
			c.SetBlock(x, min, z, rid)
		}
	}
	return nil
}

// encodeActiveChunk snapshots the active chunk at pos and encodes its block
// storage, without the tick and entity data that varies between runs.
func encodeActiveChunk(t *testing.T, w *World, pos ChunkPos) []byte {
	t.Helper()
	var payload []byte
	var err error
	<-w.Exec(func(tx *Tx) {
		snap, ok := tx.SnapshotColumn(pos)
		if !ok {
			err = errors.New("chunk not active")
			return
		}
		payload, err = chunk.Encode(&chunk.Column{Chunk: snap.Chunk})
	})
	if err != nil {
		t.Fatalf("failed encoding chunk %v: %v", pos, err)
	}
	return payload
}

func TestWorldActivatesChunkWhenReadsExhaust(t *testing.T) {
	store := &failStore{memStore: newMemStore()}
	store.failReads.Store(true)
	gen := &countGenerator{rid: 1}
	conf := Config{
		Store:        store,
		Generator:    gen,
		ReadRetries:  2,
		RetryBackoff: time.Millisecond,
		Log:          discardLogger(),
	}
	w := conf.New()
	closeWorld(t, w)

	pos := ChunkPos{0, 0}
	activateChunk(t, w, pos)

	if n := gen.calls.Load(); n != 1 {
		t.Fatalf("chunk was generated %v times after read exhaustion, expected 1", n)
	}
	if n := w.Metrics().ReadRetries; n != 2 {
		t.Fatalf("ReadRetries is %v, expected 2", n)
	}
}

func TestWorldRetriesFailedGeneration(t *testing.T) {
	gen := &flakyGenerator{rid: 7}
	gen.failures.Store(2)
	conf := Config{
		Store:             newMemStore(),
		Generator:         gen,
		GenerationRetries: 2,
		RetryBackoff:      time.Millisecond,
		Log:               discardLogger(),
	}
	w := conf.New()
	closeWorld(t, w)

	pos := ChunkPos{3, -2}
	activateChunk(t, w, pos)

	if n := w.Metrics().GenerationRetries; n != 2 {
		t.Fatalf("GenerationRetries is %v, expected 2", n)
	}
	if n := w.Metrics().GenerationFallbacks; n != 0 {
		t.Fatalf("GenerationFallbacks is %v, expected 0", n)
	}
	var rid uint32
	<-w.Exec(func(tx *Tx) {
		rid = tx.Block(BlockPos{48, tx.Range().Min(), -32})
	})
	if rid != 7 {
		t.Fatalf("marker block is %v after retried generation, expected 7", rid)
	}
}

func TestWorldInstallsFallbackWhenGenerationExhausts(t *testing.T) {
	store := newMemStore()
	conf := Config{
		Store:             store,
		Generator:         brokenGenerator{},
		GenerationRetries: 1,
		RetryBackoff:      time.Millisecond,
		Log:               discardLogger(),
	}
	w := conf.New()

	pos := ChunkPos{0, 0}
	activateChunk(t, w, pos)

	if n := w.Metrics().GenerationFallbacks; n != 1 {
		t.Fatalf("GenerationFallbacks is %v, expected 1", n)
	}
	var rid uint32
	<-w.Exec(func(tx *Tx) {
		rid = tx.Block(BlockPos{0, tx.Range().Min(), 0})
	})
	if air := w.Blocks().Air(); rid != air {
		t.Fatalf("fallback chunk holds block %v, expected air %v", rid, air)
	}

	// A fallback chunk is never dirty, so closing must not persist it and
	// shadow a later successful generation.
	if err := w.Close(); err != nil {
		t.Fatalf("failed closing world: %v", err)
	}
	if _, ok := store.column(pos); ok {
		t.Fatalf("fallback chunk was persisted")
	}
}

func TestWorldRecoversFromGeneratorPanic(t *testing.T) {
	gen := &panicGenerator{rid: 5}
	conf := Config{
		Store:        newMemStore(),
		Generator:    gen,
		RetryBackoff: time.Millisecond,
		Log:          discardLogger(),
	}
	w := conf.New()
	closeWorld(t, w)

	pos := ChunkPos{0, 0}
	activateChunk(t, w, pos)

	if n := w.Metrics().GenerationRetries; n != 1 {
		t.Fatalf("GenerationRetries is %v after a generator panic, expected 1", n)
	}
	var rid uint32
	<-w.Exec(func(tx *Tx) {
		rid = tx.Block(BlockPos{0, tx.Range().Min(), 0})
	})
	if rid != 5 {
		t.Fatalf("marker block is %v after recovered generation, expected 5", rid)
	}
}

func TestWorldGeneratesIdenticalChunksForSeed(t *testing.T) {
	encode := func(seed int64) []byte {
		conf := Config{
			Store:     newMemStore(),
			Generator: seedGenerator{seed: seed},
			Seed:      seed,
		}
		w := conf.New()
		closeWorld(t, w)
		pos := ChunkPos{2, -1}
		activateChunk(t, w, pos)
		return encodeActiveChunk(t, w, pos)
	}

	a, b, c := encode(42), encode(42), encode(43)
	if !bytes.Equal(a, b) {
		t.Fatalf("two worlds with seed 42 generated different chunks")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("seeds 42 and 43 generated identical chunks")
	}
}

func TestWorldReloadedChunkMatchesGenerated(t *testing.T) {
	conf := Config{
		Store:     newMemStore(),
		Generator: seedGenerator{seed: 7},
	}
	w := conf.New()
	closeWorld(t, w)

	pos := ChunkPos{0, 0}
	activateChunk(t, w, pos)
	first := encodeActiveChunk(t, w, pos)

	<-w.Exec(func(tx *Tx) { tx.UnloadChunk(pos) })
	waitForAbsent(t, w, pos)
	activateChunk(t, w, pos)
	second := encodeActiveChunk(t, w, pos)

	if !bytes.Equal(first, second) {
		t.Fatalf("chunk block storage changed across an unload and reload")
	}
}
