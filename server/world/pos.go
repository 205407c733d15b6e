package world

import (
	"cmp"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// ChunkPos holds the position of a chunk. The X and Z values of a ChunkPos
// are the block coordinates divided by 16.
type ChunkPos [2]int32

// X returns the X coordinate of the chunk position.
func (p ChunkPos) X() int32 {
	return p[0]
}

// Z returns the Z coordinate of the chunk position.
func (p ChunkPos) Z() int32 {
	return p[1]
}

// compare orders chunk positions by X first and Z second, producing the
// stable enumeration order used when ticking active chunks.
func (p ChunkPos) compare(o ChunkPos) int {
	if c := cmp.Compare(p[0], o[0]); c != 0 {
		return c
	}
	return cmp.Compare(p[1], o[1])
}

// chunkPosFromVec3 returns the position of the chunk that a position vector
// falls in.
func chunkPosFromVec3(vec mgl64.Vec3) ChunkPos {
	return ChunkPos{
		int32(math.Floor(vec[0])) >> 4,
		int32(math.Floor(vec[2])) >> 4,
	}
}

// BlockPos holds the position of a block. Y is vertical.
type BlockPos [3]int

// X returns the X coordinate of the block position.
func (p BlockPos) X() int {
	return p[0]
}

// Y returns the Y coordinate of the block position.
func (p BlockPos) Y() int {
	return p[1]
}

// Z returns the Z coordinate of the block position.
func (p BlockPos) Z() int {
	return p[2]
}

// OutOfBounds checks if the Y value of the position falls outside of the
// vertical range passed.
func (p BlockPos) OutOfBounds(r chunk.Range) bool {
	return p[1] < r.Min() || p[1] > r.Max()
}

// Vec3 returns a vector centred on the block position.
func (p BlockPos) Vec3() mgl64.Vec3 {
	return mgl64.Vec3{float64(p[0]) + 0.5, float64(p[1]) + 0.5, float64(p[2]) + 0.5}
}

// chunkPosFromBlockPos returns the position of the chunk that a block
// position falls in.
func chunkPosFromBlockPos(p BlockPos) ChunkPos {
	return ChunkPos{int32(p[0] >> 4), int32(p[2] >> 4)}
}
