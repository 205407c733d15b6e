package world

import (
	"bytes"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stratum-world/stratum/server/internal/sliceutil"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// ChunkStatus is the lifecycle stage of a chunk column kept in memory.
// Columns only ever move forward: from StatusQueued to StatusLoading or
// StatusGenerating, to StatusActive and finally to StatusSaving, after which
// they are removed from memory. A failed write is the one exception and
// returns a column from StatusSaving to StatusActive so nothing is lost.
type ChunkStatus uint8

const (
	// StatusQueued means the chunk was requested and waits for a pipeline
	// worker to find out whether a payload is stored for it.
	StatusQueued ChunkStatus = iota
	// StatusLoading means a stored payload was found for the chunk and is
	// being decoded.
	StatusLoading
	// StatusGenerating means no usable payload was stored and the chunk is
	// being generated.
	StatusGenerating
	// StatusActive means the chunk is live: it ticks, accepts mutations and
	// serves block reads.
	StatusActive
	// StatusSaving means the chunk is being written back before removal. It
	// no longer ticks and refuses mutations.
	StatusSaving
)

// String ...
func (s ChunkStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusLoading:
		return "loading"
	case StatusGenerating:
		return "generating"
	case StatusActive:
		return "active"
	case StatusSaving:
		return "saving"
	}
	return "unknown"
}

// World implements a voxel world made up of chunk columns. It manages the
// full lifecycle of its chunks, from queueing through loading or generation
// to active simulation, saving and eviction, and runs the tick loop that
// drives the simulation clock, scheduled and random block updates and
// entities.
//
// All world state is owned by a single goroutine, the tick goroutine. Other
// goroutines interact with a World through Exec, TryExec and the exported
// accessors, all of which are safe for concurrent use.
type World struct {
	conf Config
	ra   chunk.Range

	closing chan struct{}
	running sync.WaitGroup
	o       sync.Once

	queue    *taskQueue
	pipeline *pipeline

	set     *Settings
	handler atomic.Pointer[Handler]
	metrics *Metrics
	r       *rand.Rand

	// tokenSrc hands out install tokens. A column only accepts pipeline
	// results carrying the token it was queued with, so results for chunks
	// that were unloaded or re-queued in the meantime are discarded as stale.
	tokenSrc uint64

	chunks map[ChunkPos]*Column
	// active holds the positions of all columns in StatusActive, sorted, so
	// that chunks tick in a stable order independent of map iteration.
	active []ChunkPos
	// tickCursor is the position active chunk ticking resumes from after a
	// tick was cut short by the tick budget.
	tickCursor  ChunkPos
	cursorValid bool

	entities map[uuid.UUID]*EntityHandle
	// entityOrder holds all entity identifiers sorted bytewise, giving
	// entity ticking a stable iteration order.
	entityOrder []uuid.UUID

	scheduledUpdates *scheduledTickQueue

	// writeFailures counts consecutive write failures per chunk position.
	// Any successful write of a position resets its count.
	writeFailures map[ChunkPos]int
	degraded      atomic.Bool

	tps         atomic.Uint64
	chunkCount  atomic.Int64
	entityCount atomic.Int64
}

// New creates a new initialised world. The world may be used right away, but
// it will not be saved or loaded from disk until it has been given a
// different Store than the default. (NopStore) By default, the name of the
// world will be 'World'.
func New() *World {
	var conf Config
	return conf.New()
}

// Name returns the display name of the world, loaded from the store settings
// if the world was saved before.
func (w *World) Name() string {
	w.set.Lock()
	defer w.set.Unlock()
	return w.set.Name
}

// Seed returns the seed the world generates its chunks and randomness with.
func (w *World) Seed() int64 {
	w.set.Lock()
	defer w.set.Unlock()
	return w.set.Seed
}

// Range returns the range in blocks of the World (min and max).
func (w *World) Range() chunk.Range {
	return w.ra
}

// Spawn returns the spawn position of the world.
func (w *World) Spawn() BlockPos {
	w.set.Lock()
	defer w.set.Unlock()
	return w.set.Spawn
}

// SetSpawn sets the spawn position of the world.
func (w *World) SetSpawn(pos BlockPos) {
	w.set.Lock()
	defer w.set.Unlock()
	w.set.Spawn = pos
}

// CurrentTick returns the current tick counter of the world.
func (w *World) CurrentTick() int64 {
	if w == nil {
		return 0
	}
	w.set.Lock()
	defer w.set.Unlock()
	return w.set.CurrentTick
}

// TPS returns the current average ticks per second of the world. The value
// is averaged over the last tpsSampleSize ticks and may be zero if no
// samples have been recorded yet.
func (w *World) TPS() float64 {
	return math.Float64frombits(w.tps.Load())
}

// Degraded reports whether the world entered the degraded state after
// repeated write failures for the same chunk position.
func (w *World) Degraded() bool {
	return w.degraded.Load()
}

// Metrics returns a snapshot of the health counters of the world.
func (w *World) Metrics() MetricsSnapshot {
	return w.metrics.Snapshot()
}

// LoadedChunkCount returns the number of chunk columns currently kept in
// memory by the world, in any lifecycle stage.
func (w *World) LoadedChunkCount() int {
	return int(w.chunkCount.Load())
}

// EntityCount returns the number of entities tracked by the world.
func (w *World) EntityCount() int {
	return int(w.entityCount.Load())
}

// EntityRegistry returns the EntityRegistry that was passed to the World's
// Config upon construction.
func (w *World) EntityRegistry() EntityRegistry {
	return w.conf.Entities
}

// Blocks returns the BlockRegistry that was passed to the World's Config
// upon construction.
func (w *World) Blocks() *BlockRegistry {
	return w.conf.Blocks
}

// Handler returns the Handler of the world.
func (w *World) Handler() Handler {
	if w == nil {
		return NopHandler{}
	}
	return *w.handler.Load()
}

// Handle changes the current Handler of the world. As a result, events
// called by the world will call event methods of this handler. Handle sets
// the world's Handler to NopHandler if nil is passed.
func (w *World) Handle(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	h = wrapWorldHandler(w, h)
	w.handler.Store(&h)
}

// ExecFunc is a function that performs a synchronised transaction on a World.
type ExecFunc func(tx *Tx)

// Exec queues f as a deferred task on the World. Deferred tasks run on the
// tick goroutine at the start of the next tick, in submission order. Exec
// returns a channel that is closed once the task completed. If the task
// queue is full, Exec blocks until space frees up. Tasks submitted after
// Close never run; Exec then returns an already closed channel.
func (w *World) Exec(f ExecFunc) <-chan struct{} {
	c := make(chan struct{})
	if !w.queue.push(transaction{c: c, f: f}, true, w.closing) {
		// The world closed before the task could be queued. The channel is
		// closed right away so that waiters do not hang.
		close(c)
	}
	return c
}

// TryExec queues f like Exec does, but never blocks: if the task queue is
// full, the task is dropped, counted and logged instead, and TryExec returns
// false.
func (w *World) TryExec(f ExecFunc) bool {
	if !w.queue.push(transaction{f: f}, false, w.closing) {
		w.metrics.addDroppedTask()
		w.conf.Log.Warn("world task queue full: dropped low-priority task.", "queue_size", cap(w.queue.tasks))
		return false
	}
	return true
}

// Save submits writes for all chunks holding unsaved changes and for the
// world settings, without unloading anything. Save returns once the writes
// have been handed to the pipeline; they complete in the background. On a
// read-only world, Save does nothing.
func (w *World) Save() {
	<-w.Exec(w.saveDirty)
}

// blockAt reads the block at a position from its column. Positions outside
// the world's range or outside active chunks read as air.
func (w *World) blockAt(pos BlockPos) uint32 {
	if pos.OutOfBounds(w.ra) {
		// Fast way out.
		return w.conf.Blocks.Air()
	}
	col, ok := w.chunks[chunkPosFromBlockPos(pos)]
	if !ok || col.status != StatusActive {
		return w.conf.Blocks.Air()
	}
	return col.chunk.Block(byte(pos[0]&15), pos[1], byte(pos[2]&15))
}

// setBlockAt writes a block into its column and reports whether the write
// was applied. Writes outside the world's range or to chunks that are not
// active are refused.
func (w *World) setBlockAt(pos BlockPos, rid uint32) bool {
	if pos.OutOfBounds(w.ra) {
		return false
	}
	col, ok := w.chunks[chunkPosFromBlockPos(pos)]
	if !ok || col.status != StatusActive {
		return false
	}
	col.chunk.SetBlock(byte(pos[0]&15), pos[1], byte(pos[2]&15), rid)
	col.dirty = true
	col.lastUsed = w.CurrentTick()
	for _, l := range col.loaders {
		l.viewer.ViewBlockUpdate(pos, rid)
	}
	return true
}

// getOrQueue returns the column at a position, queueing a load for it if it
// is not in memory. The bool returned reports whether the column is active.
func (w *World) getOrQueue(pos ChunkPos) (*Column, bool) {
	if col, ok := w.chunks[pos]; ok {
		col.lastUsed = w.CurrentTick()
		if col.status == StatusSaving {
			// Interest in a chunk on its way out: once its write completes,
			// the chunk is queued again instead of removed.
			col.revive = true
		}
		return col, col.status == StatusActive
	}
	return w.queueColumn(pos), false
}

// queueColumn creates a column in StatusQueued and submits its load to the
// pipeline.
func (w *World) queueColumn(pos ChunkPos) *Column {
	w.tokenSrc++
	col := newColumn(w.tokenSrc)
	col.lastUsed = w.CurrentTick()
	w.chunks[pos] = col
	w.chunkCount.Add(1)
	w.pipeline.submitLoad(pos, col.token)
	return col
}

// applyEvents drains all pending pipeline events, advancing load phases,
// installing completed loads and resolving finished writes.
func (w *World) applyEvents(tx *Tx) {
	for {
		select {
		case ev := <-w.pipeline.events:
			w.applyEvent(tx, ev)
		default:
			return
		}
	}
}

func (w *World) applyEvent(tx *Tx, ev pipelineEvent) {
	col, ok := w.chunks[ev.pos]
	if !ok || col.token != ev.token {
		if ev.kind == eventLoaded {
			w.metrics.addStaleInstall()
			w.conf.Log.Debug("discarding stale chunk result", "X", ev.pos[0], "Z", ev.pos[1])
		}
		return
	}
	switch ev.kind {
	case eventPhase:
		col.status = ev.status
	case eventLoaded:
		w.install(tx, ev, col)
	case eventSaved:
		w.resolveSave(tx, ev, col)
	}
}

// install completes the load of a column: the chunk data is attached, stored
// entities are restored, persisted block updates are rescheduled relative to
// the current tick and the column becomes active.
func (w *World) install(tx *Tx, ev pipelineEvent, col *Column) {
	col.chunk = ev.col.Chunk
	col.status = StatusActive
	col.lastUsed = w.CurrentTick()
	w.addActive(ev.pos)

	for _, e := range ev.col.Entities {
		if _, ok := w.conf.Entities.Lookup(e.Type); !ok {
			// The entity stays in the stored payload: it is only lost once
			// another mutation forces a save of this column.
			w.conf.Log.Warn("load chunk: dropping entity of unregistered type", "type", e.Type, "X", ev.pos[0], "Z", ev.pos[1])
			continue
		}
		if _, live := w.entities[e.ID]; live {
			// An entity that moved back in while the column was being
			// written out and reloaded. The live state is newer.
			continue
		}
		h := &EntityHandle{id: e.ID, t: e.Type, pos: mgl64.Vec3(e.Position), vel: mgl64.Vec3(e.Velocity), chunk: ev.pos}
		w.addEntity(h)
		col.entities = append(col.entities, h.id)
	}
	if ev.prov == provenanceStored {
		w.scheduledUpdates.install(ev.col.ScheduledUpdates, ev.col.Tick)
	}

	for _, l := range col.loaders {
		l.receiveChunk(ev.pos, col)
	}
	w.handlerHook("chunk_activated", func(h Handler, htx *Tx) { h.HandleChunkActivated(htx, ev.pos) })
}

// resolveSave finishes a column write. On success, a column that was being
// unloaded is removed from memory. On failure, the column returns to the
// active set with its changes intact, so that a later save retries the
// write.
func (w *World) resolveSave(tx *Tx, ev pipelineEvent, col *Column) {
	col.savePending = false
	col.pendingSave = nil
	if ev.err != nil {
		w.metrics.addSaveFailure()
		w.conf.Log.Error("save chunk: "+ev.err.Error(), "X", ev.pos[0], "Z", ev.pos[1])
		col.dirty = true
		col.saved = nil
		if col.status == StatusSaving {
			col.status = StatusActive
			w.addActive(ev.pos)
		}
		w.recordWriteFailure(ev.pos, ev.err)
		return
	}
	delete(w.writeFailures, ev.pos)
	if col.status != StatusSaving {
		// An interval save of a column that stays loaded.
		return
	}
	if col.dirty && !w.conf.ReadOnly {
		// The column changed again while its unload write was in flight.
		// Write once more before it is removed.
		w.submitSave(ev.pos, col)
		return
	}
	w.finishUnload(ev.pos, col)
}

// startUnload begins the removal of an active column. The column stops
// ticking immediately and, if it holds unsaved changes, its write is
// submitted to the pipeline. The column is removed once the write completes.
func (w *World) startUnload(tx *Tx, pos ChunkPos, col *Column) {
	w.handlerHook("chunk_unload", func(h Handler, htx *Tx) { h.HandleChunkUnload(htx, pos) })

	col.status = StatusSaving
	w.removeActive(pos)
	for _, l := range col.loaders {
		for _, id := range col.entities {
			l.viewer.ViewEntityDespawn(id)
		}
		l.dropChunk(pos)
	}
	col.loaders = nil

	if col.savePending {
		// An interval save of this column is still in flight. Its completion
		// drives the rest of the unload.
		return
	}
	if !col.dirty || w.conf.ReadOnly {
		w.finishUnload(pos, col)
		return
	}
	w.submitSave(pos, col)
}

// submitSave encodes a column and hands its write to the pipeline. The
// payload bytes are retained until the write is acknowledged, so a shutdown
// in the middle of the write can reissue the exact same bytes.
func (w *World) submitSave(pos ChunkPos, col *Column) {
	payload, err := w.encodeColumn(pos, col)
	if err != nil {
		// Treated like a failed write so the column is not lost silently.
		w.metrics.addSaveFailure()
		w.conf.Log.Error("save chunk: encode: "+err.Error(), "X", pos[0], "Z", pos[1])
		col.dirty = true
		if col.status == StatusSaving {
			col.status = StatusActive
			w.addActive(pos)
		}
		w.recordWriteFailure(pos, err)
		return
	}
	col.dirty = false
	col.savePending = true
	col.pendingSave = payload
	if col.status == StatusSaving {
		// Remember which entities the payload captured: they leave the world
		// with the column, while entities that move in later do not.
		col.saved = slices.Clone(col.entities)
	}
	w.pipeline.submitSave(pos, col.token, payload)
}

// encodeColumn serialises a column into a payload holding its blocks, its
// entities and the block updates still scheduled within it, stamped with the
// current tick so that update delays survive the round trip to disk.
func (w *World) encodeColumn(pos ChunkPos, col *Column) ([]byte, error) {
	data := chunk.Column{Chunk: col.chunk, Tick: w.CurrentTick()}
	for _, id := range col.entities {
		e, ok := w.entities[id]
		if !ok {
			continue
		}
		data.Entities = append(data.Entities, chunk.Entity{
			ID:       id,
			Type:     e.t,
			Position: [3]float64(e.pos),
			Velocity: [3]float64(e.vel),
		})
	}
	data.ScheduledUpdates = w.scheduledUpdates.updatesInChunk(pos)
	return chunk.Encode(&data)
}

// finishUnload removes a written-out column from memory. Entities captured
// in its payload leave the world with it. If interest in the chunk arrived
// while the write was in flight, the column is queued again right away,
// carrying over its loaders and any entity that moved in during the write.
func (w *World) finishUnload(pos ChunkPos, col *Column) {
	for _, id := range col.saved {
		e, ok := w.entities[id]
		if !ok {
			continue
		}
		w.removeEntity(e)
		col.entities = sliceutil.DeleteVal(col.entities, id)
	}
	col.saved = nil
	w.scheduledUpdates.removeChunk(pos)
	delete(w.chunks, pos)
	w.chunkCount.Add(-1)
	w.metrics.addEvictedColumn()

	if !col.revive {
		// Entities not captured by an unload write were already part of the
		// last interval save of the column; they leave memory with it.
		for _, id := range col.entities {
			if e, ok := w.entities[id]; ok {
				w.removeEntity(e)
			}
		}
		return
	}
	nc := w.queueColumn(pos)
	nc.loaders = col.loaders
	nc.entities = col.entities
	nc.dirty = len(nc.entities) > 0
}

// unloadChunk requests the removal of the chunk at a position. Active chunks
// begin their save and removal. Chunks still queued, loading or generating
// are discarded outright; any in-flight result for them no longer finds the
// column and is dropped as stale. Chunks already saving are left alone.
func (w *World) unloadChunk(tx *Tx, pos ChunkPos) bool {
	col, ok := w.chunks[pos]
	if !ok {
		return false
	}
	switch col.status {
	case StatusActive:
		w.startUnload(tx, pos, col)
		return true
	case StatusSaving:
		return false
	default:
		w.discardPending(pos, col)
		return true
	}
}

// discardPending drops a column that never became active, together with any
// entity that was placed into it while it was pending.
func (w *World) discardPending(pos ChunkPos, col *Column) {
	for _, id := range col.entities {
		if e, ok := w.entities[id]; ok {
			w.removeEntity(e)
		}
	}
	col.entities = nil
	col.loaders = nil
	delete(w.chunks, pos)
	w.chunkCount.Add(-1)
}

func (w *World) chunkStatus(pos ChunkPos) (ChunkStatus, bool) {
	col, ok := w.chunks[pos]
	if !ok {
		return 0, false
	}
	return col.status, true
}

// spawnEntity creates an entity of a registered type and places it into the
// column owning its position, queueing that column if needed. The entity
// only ticks once its column is active.
func (w *World) spawnEntity(t string, pos mgl64.Vec3) (*EntityHandle, error) {
	if _, ok := w.conf.Entities.Lookup(t); !ok {
		return nil, fmt.Errorf("spawn entity: unregistered type %v", t)
	}
	e := &EntityHandle{id: uuid.New(), t: t, pos: pos, chunk: chunkPosFromVec3(pos)}
	w.addEntity(e)
	col, _ := w.getOrQueue(e.chunk)
	col.entities = append(col.entities, e.id)
	col.dirty = true
	for _, l := range col.loaders {
		l.viewer.ViewEntitySpawn(w.entitySnapshot(e))
	}
	w.handlerHook("entity_spawn", func(h Handler, htx *Tx) { h.HandleEntitySpawn(htx, e) })
	return e, nil
}

// despawnEntity removes an entity from the world and from the column that
// owns it.
func (w *World) despawnEntity(e *EntityHandle) {
	if col, ok := w.chunks[e.chunk]; ok {
		col.entities = sliceutil.DeleteVal(col.entities, e.id)
		col.dirty = true
		for _, l := range col.loaders {
			l.viewer.ViewEntityDespawn(e.id)
		}
	}
	w.removeEntity(e)
	w.handlerHook("entity_despawn", func(h Handler, htx *Tx) { h.HandleEntityDespawn(htx, e) })
}

// setEntityPosition moves an entity, transferring chunk ownership in the
// same step when the movement crosses a chunk border.
func (w *World) setEntityPosition(e *EntityHandle, pos mgl64.Vec3) {
	e.pos = pos
	dst := chunkPosFromVec3(pos)
	if dst == e.chunk {
		if col, ok := w.chunks[e.chunk]; ok {
			col.dirty = true
			for _, l := range col.loaders {
				l.viewer.ViewEntityMove(e.id, pos)
			}
		}
		return
	}
	w.transferEntity(e, dst)
}

// transferEntity moves ownership of an entity to the column at dst, queueing
// that column if it is not in memory. The entity stops ticking until its new
// column is active. Viewers watching only one of the two columns see the
// entity spawn or despawn; viewers watching both see it move.
func (w *World) transferEntity(e *EntityHandle, dst ChunkPos) {
	var srcLoaders []*Loader
	if src, ok := w.chunks[e.chunk]; ok {
		src.entities = sliceutil.DeleteVal(src.entities, e.id)
		src.dirty = true
		srcLoaders = src.loaders
	}
	dstCol, _ := w.getOrQueue(dst)
	dstCol.entities = append(dstCol.entities, e.id)
	dstCol.dirty = true
	e.chunk = dst

	for _, l := range srcLoaders {
		if !slices.Contains(dstCol.loaders, l) {
			l.viewer.ViewEntityDespawn(e.id)
		}
	}
	for _, l := range dstCol.loaders {
		if slices.Contains(srcLoaders, l) {
			l.viewer.ViewEntityMove(e.id, e.pos)
		} else {
			l.viewer.ViewEntitySpawn(w.entitySnapshot(e))
		}
	}
}

func (w *World) addEntity(e *EntityHandle) {
	w.entities[e.id] = e
	i, _ := slices.BinarySearchFunc(w.entityOrder, e.id, compareUUID)
	w.entityOrder = slices.Insert(w.entityOrder, i, e.id)
	w.entityCount.Add(1)
}

func (w *World) removeEntity(e *EntityHandle) {
	if _, ok := w.entities[e.id]; !ok {
		return
	}
	delete(w.entities, e.id)
	if i, found := slices.BinarySearchFunc(w.entityOrder, e.id, compareUUID); found {
		w.entityOrder = slices.Delete(w.entityOrder, i, i+1)
	}
	w.entityCount.Add(-1)
}

// compareUUID orders entity identifiers bytewise.
func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// saveDirty submits writes for all active columns holding unsaved changes,
// and for the world settings. Interval saves leave columns loaded. A column
// whose previous write is still in flight is skipped and caught by the next
// interval.
func (w *World) saveDirty(tx *Tx) {
	if w.conf.ReadOnly {
		return
	}
	w.conf.Log.Debug("Saving dirty chunks in memory to disk...")
	for pos, col := range w.chunks {
		if col.status != StatusActive || !col.dirty || col.savePending {
			continue
		}
		w.submitSave(pos, col)
	}
	w.saveSettings()
}

// saveSettings submits a write of the world settings to the pipeline.
func (w *World) saveSettings() {
	w.set.Lock()
	payload, err := encodeSettings(w.set)
	w.set.Unlock()
	if err != nil {
		w.conf.Log.Error(err.Error())
		return
	}
	w.pipeline.submitSettings(payload)
}

// sweep unloads active columns that no loader observes and that have gone
// unused for at least the idle threshold. Columns with block updates still
// scheduled stay loaded so the updates fire on time.
func (w *World) sweep(tx *Tx) {
	current := w.CurrentTick()
	var victims []ChunkPos
	for pos, col := range w.chunks {
		if col.status != StatusActive || len(col.loaders) > 0 || col.savePending {
			continue
		}
		if current-col.lastUsed < w.conf.IdleThreshold {
			continue
		}
		if w.scheduledUpdates.hasChunk(pos) {
			continue
		}
		victims = append(victims, pos)
	}
	slices.SortFunc(victims, ChunkPos.compare)
	for _, pos := range victims {
		w.startUnload(tx, pos, w.chunks[pos])
	}
}

// autoSave runs until the world is closed, submitting interval saves of
// dirty chunks and sweeping chunks that are no longer in use.
func (w *World) autoSave() {
	save := &time.Ticker{C: make(<-chan time.Time)}
	if w.conf.SaveInterval > 0 {
		save = time.NewTicker(w.conf.SaveInterval)
		defer save.Stop()
	}
	sweep := &time.Ticker{C: make(<-chan time.Time)}
	if w.conf.SweepInterval > 0 {
		sweep = time.NewTicker(w.conf.SweepInterval)
		defer sweep.Stop()
	}

	for {
		select {
		case <-sweep.C:
			// Eviction is housekeeping; skipping a sweep under load beats
			// stalling on a full queue.
			w.TryExec(w.sweep)
		case <-save.C:
			// Not awaited: the tick goroutine drains the queue and may have
			// stopped already during shutdown.
			w.Exec(w.saveDirty)
		case <-w.closing:
			w.running.Done()
			return
		}
	}
}

// recordWriteFailure tracks consecutive write failures per chunk position.
// Once a position fails often enough in a row, the world reports itself
// degraded through the handler, a single time.
func (w *World) recordWriteFailure(pos ChunkPos, err error) {
	w.writeFailures[pos]++
	if w.writeFailures[pos] < w.conf.DegradedThreshold {
		return
	}
	if !w.degraded.CompareAndSwap(false, true) {
		return
	}
	w.conf.Log.Error("world storage degraded: repeated write failures for the same chunk", "X", pos[0], "Z", pos[1], "failures", w.writeFailures[pos])
	h := w.Handler()
	go h.HandleDegraded(pos, err)
}

// Close closes the world. It stops the tick loop and all workers, runs the
// tasks still queued, writes all unsaved chunks and the settings to the
// store and finally closes the store. Close blocks until all of that has
// completed.
func (w *World) Close() error {
	w.o.Do(w.close)
	return nil
}

// close stops all goroutines of the world, then flushes and closes storage.
// Once the goroutines have stopped, close is the only code touching world
// state, so it operates on it directly.
func (w *World) close() {
	close(w.closing)
	w.running.Wait()

	// Tasks queued before shutdown still run, against a transaction that
	// stays valid for their duration.
	tx := newTx(w)
	for {
		t, ok := w.queue.pop()
		if !ok {
			break
		}
		t.f(tx)
		if t.c != nil {
			close(t.c)
		}
	}
	tx.close()

	w.flush()

	w.conf.Log.Debug("Closing storage...")
	if err := w.conf.Store.Close(); err != nil {
		w.conf.Log.Error("close world: " + err.Error())
	}
}

// flush synchronously writes every column with unsaved or in-flight state,
// along with the world settings. It only runs once all workers have stopped:
// it is the sole writer left, so reissuing an interrupted write cannot race
// anything.
func (w *World) flush() {
	if w.conf.ReadOnly {
		return
	}
	w.conf.Log.Debug("Saving chunks in memory to disk...")
	for pos, col := range w.chunks {
		var payload []byte
		switch {
		case col.dirty && col.chunk != nil:
			var err error
			if payload, err = w.encodeColumn(pos, col); err != nil {
				w.conf.Log.Error("save chunk: encode: "+err.Error(), "X", pos[0], "Z", pos[1])
				continue
			}
		case col.savePending && col.pendingSave != nil:
			// The write may or may not have completed before the workers
			// stopped; writing the same bytes again settles it either way.
			payload = col.pendingSave
		default:
			continue
		}
		if err := w.writeDirect(pos, payload); err != nil {
			w.metrics.addSaveFailure()
			w.conf.Log.Error("save chunk: "+err.Error(), "X", pos[0], "Z", pos[1])
		}
	}
	w.conf.Log.Debug("Updating settings...")
	w.set.Lock()
	payload, err := encodeSettings(w.set)
	w.set.Unlock()
	if err != nil {
		w.conf.Log.Error(err.Error())
		return
	}
	if err := w.conf.Store.WriteSettings(payload); err != nil {
		w.metrics.addSaveFailure()
		w.conf.Log.Error("save settings: " + err.Error())
	}
}

func (w *World) writeDirect(pos ChunkPos, payload []byte) error {
	var err error
	for i := 0; i <= w.conf.WriteRetries; i++ {
		if err = w.conf.Store.WriteColumn(pos, payload); err == nil {
			return nil
		}
	}
	return err
}

// addActive inserts a position into the sorted active set.
func (w *World) addActive(pos ChunkPos) {
	i, found := slices.BinarySearchFunc(w.active, pos, ChunkPos.compare)
	if found {
		return
	}
	w.active = slices.Insert(w.active, i, pos)
}

// removeActive removes a position from the sorted active set.
func (w *World) removeActive(pos ChunkPos) {
	if i, found := slices.BinarySearchFunc(w.active, pos, ChunkPos.compare); found {
		w.active = slices.Delete(w.active, i, i+1)
	}
}

// Column tracks the lifecycle state of one chunk column kept in memory,
// along with the block storage and the entities it owns once active.
type Column struct {
	status ChunkStatus
	// token is the install token the column was queued with. Pipeline
	// results carrying any other token are stale and discarded.
	token uint64

	chunk    *chunk.Chunk
	entities []uuid.UUID

	// dirty marks unsaved changes. Freshly installed chunks start clean;
	// generated ones are reproducible from the seed until they are mutated.
	dirty bool
	// lastUsed is the tick the column was last requested or mutated at, used
	// by the eviction sweep.
	lastUsed int64

	loaders []*Loader

	// savePending is set while a write of the column is in flight, keeping
	// writes of the same position serialised.
	savePending bool
	// pendingSave holds the exact payload of the in-flight write, so the
	// final flush can reissue it if the world closes mid-write.
	pendingSave []byte
	// saved lists the entities captured in the in-flight unload write.
	saved []uuid.UUID
	// revive queues the column again once its unload completes. It is set
	// when interest in the chunk arrives while it is still being written.
	revive bool
}

// newColumn returns a new Column in StatusQueued.
func newColumn(token uint64) *Column {
	return &Column{status: StatusQueued, token: token}
}
