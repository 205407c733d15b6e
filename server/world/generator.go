package world

import (
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// Generator produces the block storage of chunks that have no persisted
// payload. Implementations must be deterministic: generating the same
// position twice for the same generator state yields identical chunks.
// GenerateChunk is called from worker goroutines and must be safe for
// concurrent calls on distinct chunks.
type Generator interface {
	GenerateChunk(pos ChunkPos, c *chunk.Chunk) error
}

// NopGenerator implements a Generator that generates chunks made up entirely
// of air.
type NopGenerator struct{}

// GenerateChunk ...
func (NopGenerator) GenerateChunk(ChunkPos, *chunk.Chunk) error { return nil }

// Flat generates identical chunks made up of horizontal layers, starting at
// the bottom of the chunk's range.
type Flat struct {
	layers []uint32
}

// NewFlat creates a Flat generator producing the block layers passed, ordered
// from the bottom of the world upwards.
func NewFlat(layers ...uint32) Flat {
	return Flat{layers: layers}
}

// GenerateChunk ...
func (f Flat) GenerateChunk(_ ChunkPos, c *chunk.Chunk) error {
	min := c.Range().Min()
	for i, rid := range f.layers {
		y := min + i
		for x := byte(0); x < 16; x++ {
			for z := byte(0); z < 16; z++ {
				c.SetBlock(x, y, z, rid)
			}
		}
	}
	return nil
}

// Terrain generates rolling terrain. The height of each block column is
// derived from a hash of the world seed and the column position, so two
// worlds created from the same seed produce identical chunks.
type Terrain struct {
	seed                   int64
	base, amplitude        int
	surface, filler, stone uint32
}

// NewTerrain creates a Terrain generator for the seed passed. base is the
// column height above the bottom of the chunk's range at the lowest point and
// amplitude the number of extra blocks a column may rise above that. Columns
// are topped with the surface block over a bed of filler blocks, with stone
// below.
func NewTerrain(seed int64, base, amplitude int, surface, filler, stone uint32) Terrain {
	if base < 1 {
		base = 1
	}
	if amplitude < 1 {
		amplitude = 1
	}
	return Terrain{seed: seed, base: base, amplitude: amplitude, surface: surface, filler: filler, stone: stone}
}

// GenerateChunk ...
func (t Terrain) GenerateChunk(pos ChunkPos, c *chunk.Chunk) error {
	r := c.Range()
	for x := byte(0); x < 16; x++ {
		for z := byte(0); z < 16; z++ {
			h := t.base + int(t.columnSalt(pos, x, z)%uint64(t.amplitude))
			if h > r.Height() {
				h = r.Height()
			}
			for y := 0; y < h; y++ {
				rid := t.stone
				switch {
				case y == h-1:
					rid = t.surface
				case y >= h-4:
					rid = t.filler
				}
				c.SetBlock(x, r.Min()+y, z, rid)
			}
		}
	}
	return nil
}

// columnSalt hashes the seed and a block column position into the salt that
// decides the column's height.
func (t Terrain) columnSalt(pos ChunkPos, x, z byte) uint64 {
	h := fnv1a.AddUint64(fnv1a.Init64, uint64(t.seed))
	h = fnv1a.AddUint64(h, uint64(uint32(pos[0]))<<32|uint64(uint32(pos[1])))
	return fnv1a.AddUint64(h, uint64(x)<<8|uint64(z))
}
