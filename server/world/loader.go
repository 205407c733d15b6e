package world

import (
	"cmp"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stratum-world/stratum/server/internal/sliceutil"
)

// Loader implements the loading of the world around a centre position. A
// Loader is of a specific radius and requests the square of chunks around
// its centre as Load is called, subscribing its Viewer to each of them:
// chunks are delivered to the viewer once they become active. Moving the
// centre evicts the chunks that end up further away than the radius.
type Loader struct {
	mu     sync.Mutex
	r      int
	w      *World
	viewer Viewer

	centre ChunkPos
	// tracked maps every position requested by the loader to whether its
	// chunk was delivered to the viewer yet.
	tracked map[ChunkPos]bool
	// loadQueue holds the positions within the radius that were not yet
	// requested from the world, closest to the centre first.
	loadQueue []ChunkPos
	closed    bool
}

// NewLoader creates a new loader using the world and viewer passed, showing
// the viewer the chunks within radius r around the loader's centre. The
// centre starts at the origin; chunks are only requested once Load is
// called.
func NewLoader(r int, w *World, v Viewer) *Loader {
	l := &Loader{r: r, w: w, viewer: v, tracked: make(map[ChunkPos]bool)}
	l.populateLoadQueue()
	return l
}

// Move moves the loader to a position in the world. Chunks that fall outside
// of the radius around the new centre are evicted and the positions newly
// within it are queued for loading.
func (l *Loader) Move(tx *Tx, pos mgl64.Vec3) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	centre := chunkPosFromVec3(pos)
	if centre == l.centre {
		return
	}
	l.centre = centre
	l.evictOutside(tx)
	l.populateLoadQueue()
}

// ChangeRadius changes the radius of the loader. Chunks beyond the new
// radius are evicted and positions newly within it are queued for loading.
func (l *Loader) ChangeRadius(tx *Tx, r int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || r == l.r {
		return
	}
	l.r = r
	l.evictOutside(tx)
	l.populateLoadQueue()
}

// Radius returns the current radius of the loader in chunks.
func (l *Loader) Radius() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r
}

// Load requests up to n chunks within the loader's radius that were not yet
// requested, closest to the centre first. Chunks that are already active are
// delivered to the viewer in the same call; the rest arrive once their load
// or generation completes.
func (l *Loader) Load(tx *Tx, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	w := tx.World()
	for n > 0 && len(l.loadQueue) > 0 {
		pos := l.loadQueue[0]
		l.loadQueue = l.loadQueue[1:]
		if _, ok := l.tracked[pos]; ok {
			continue
		}
		n--
		col, active := w.getOrQueue(pos)
		if !slices.Contains(col.loaders, l) {
			col.loaders = append(col.loaders, l)
		}
		l.tracked[pos] = false
		if active {
			l.deliver(pos, col, w)
		}
	}
}

// Chunk returns the lifecycle stage the loader last observed for the chunk
// at a position and whether that chunk was delivered to the viewer. Unlike
// the other Loader methods, Chunk may be called without a transaction.
func (l *Loader) Chunk(pos ChunkPos) (ChunkStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delivered, ok := l.tracked[pos]
	if !ok {
		return StatusQueued, false
	}
	if delivered {
		return StatusActive, true
	}
	return StatusQueued, false
}

// Close closes the loader. It hides all delivered chunks and entities from
// the viewer and detaches the loader from the columns it subscribed to.
func (l *Loader) Close(tx *Tx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for pos, delivered := range l.tracked {
		l.deregister(tx, pos, delivered)
	}
	l.tracked = map[ChunkPos]bool{}
	l.loadQueue = nil
	l.closed = true
}

// receiveChunk delivers a chunk that became active to the viewer. The world
// calls it for every loader attached to the chunk's column.
func (l *Loader) receiveChunk(pos ChunkPos, col *Column) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.tracked[pos]; !ok {
		return
	}
	l.deliver(pos, col, l.w)
}

// dropChunk detaches a chunk the world is removing from the loader. If the
// position still lies within the square around the centre, it is queued to
// be requested again.
func (l *Loader) dropChunk(pos ChunkPos) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delivered, ok := l.tracked[pos]
	if !ok {
		return
	}
	delete(l.tracked, pos)
	if delivered {
		l.viewer.ViewChunkUnload(pos)
	}
	if l.closed {
		return
	}
	dx, dz := int(pos[0]-l.centre[0]), int(pos[1]-l.centre[1])
	if dx >= -l.r && dx <= l.r && dz >= -l.r && dz <= l.r {
		l.loadQueue = append(l.loadQueue, pos)
	}
}

// deliver marks a chunk delivered and shows it and the entities it owns to
// the viewer. The caller must hold l.mu.
func (l *Loader) deliver(pos ChunkPos, col *Column, w *World) {
	l.tracked[pos] = true
	l.viewer.ViewChunk(pos, col.chunk)
	for _, id := range col.entities {
		if e, ok := w.entities[id]; ok {
			l.viewer.ViewEntitySpawn(w.entitySnapshot(e))
		}
	}
}

// evictOutside unloads all tracked chunks that fell outside of the loader's
// radius. The caller must hold l.mu.
func (l *Loader) evictOutside(tx *Tx) {
	rsq := int64(l.r) * int64(l.r)
	for pos, delivered := range l.tracked {
		if distSq(pos, l.centre) <= rsq {
			continue
		}
		delete(l.tracked, pos)
		l.deregister(tx, pos, delivered)
	}
}

// deregister detaches the loader from the column at a position and, if the
// chunk was delivered, hides it and its entities from the viewer. The caller
// must hold l.mu.
func (l *Loader) deregister(tx *Tx, pos ChunkPos, delivered bool) {
	w := tx.World()
	if col, ok := w.chunks[pos]; ok {
		col.loaders = sliceutil.DeleteVal(col.loaders, l)
		if delivered {
			for _, id := range col.entities {
				l.viewer.ViewEntityDespawn(id)
			}
		}
	}
	if delivered {
		l.viewer.ViewChunkUnload(pos)
	}
}

// populateLoadQueue rebuilds the load queue with all positions of the square
// around the centre that are not yet tracked, ordered by distance to the
// centre. The caller must hold l.mu.
func (l *Loader) populateLoadQueue() {
	queue := make([]ChunkPos, 0, (2*l.r+1)*(2*l.r+1))
	for x := -l.r; x <= l.r; x++ {
		for z := -l.r; z <= l.r; z++ {
			pos := ChunkPos{l.centre[0] + int32(x), l.centre[1] + int32(z)}
			if _, ok := l.tracked[pos]; ok {
				continue
			}
			queue = append(queue, pos)
		}
	}
	slices.SortFunc(queue, func(a, b ChunkPos) int {
		if c := cmp.Compare(distSq(a, l.centre), distSq(b, l.centre)); c != 0 {
			return c
		}
		return a.compare(b)
	})
	l.loadQueue = queue
}

// distSq returns the squared distance between two chunk positions.
func distSq(a, b ChunkPos) int64 {
	dx, dz := int64(a[0]-b[0]), int64(a[1]-b[1])
	return dx*dx + dz*dz
}
