package world

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// Viewer is a viewer in the world. It can view changes that are made in the
// world, such as the changing of blocks and the movement of entities. Viewer
// methods are called on the world's tick goroutine: implementations must
// return quickly and must not retain the chunk data passed beyond the call.
type Viewer interface {
	// ViewChunk is called when a chunk a Loader subscribed to becomes active,
	// passing its live block storage.
	ViewChunk(pos ChunkPos, c *chunk.Chunk)
	// ViewChunkUnload is called when a chunk previously shown to the viewer is
	// removed from memory.
	ViewChunkUnload(pos ChunkPos)
	// ViewBlockUpdate is called when a block changes within a chunk shown to
	// the viewer.
	ViewBlockUpdate(pos BlockPos, rid uint32)
	// ViewEntitySpawn is called when an entity appears in a chunk shown to the
	// viewer, either by spawning or by moving in from an unwatched chunk.
	ViewEntitySpawn(e EntitySnapshot)
	// ViewEntityMove is called when an entity moves within chunks shown to the
	// viewer.
	ViewEntityMove(id uuid.UUID, pos mgl64.Vec3)
	// ViewEntityDespawn is called when an entity disappears from the chunks
	// shown to the viewer.
	ViewEntityDespawn(id uuid.UUID)
}

// NopViewer is a Viewer implementation that does not do anything when
// receiving updates. It may be embedded by structs that need to implement
// only part of the Viewer interface.
type NopViewer struct{}

// Compile time check to make sure NopViewer implements Viewer.
var _ Viewer = NopViewer{}

func (NopViewer) ViewChunk(ChunkPos, *chunk.Chunk)     {}
func (NopViewer) ViewChunkUnload(ChunkPos)             {}
func (NopViewer) ViewBlockUpdate(BlockPos, uint32)     {}
func (NopViewer) ViewEntitySpawn(EntitySnapshot)       {}
func (NopViewer) ViewEntityMove(uuid.UUID, mgl64.Vec3) {}
func (NopViewer) ViewEntityDespawn(uuid.UUID)          {}
