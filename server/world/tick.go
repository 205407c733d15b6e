package world

import (
	"cmp"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// ticker implements World ticking methods.
type ticker struct {
	interval time.Duration
}

const (
	tpsSampleSize = 20
	// tpsWarningFraction is the fraction of the nominal tick rate below which
	// a warning is logged.
	tpsWarningFraction = 0.95
)

// tickLoop starts ticking the World once every Config.TickInterval, driving
// deferred tasks, chunk activation, block updates, entities and the
// simulation clock.
func (t ticker) tickLoop(w *World) {
	tc := time.NewTicker(t.interval)
	defer tc.Stop()
	nominal := float64(time.Second) / float64(t.interval)
	lastTick := time.Now()
	var (
		durationSum time.Duration
		ticksCount  int
		warned      bool
	)
	for {
		select {
		case <-tc.C:
			tickStart := time.Now()
			duration := tickStart.Sub(lastTick)
			lastTick = tickStart
			if duration > 0 {
				durationSum += duration
				ticksCount++
				if ticksCount >= tpsSampleSize {
					avg := durationSum / time.Duration(ticksCount)
					if avg > 0 {
						tps := 1.0 / avg.Seconds()
						w.tps.Store(math.Float64bits(tps))
						if tps < nominal*tpsWarningFraction {
							if !warned {
								w.conf.Log.Warn("TPS dropped below threshold.", "tps", tps)
								warned = true
							}
						} else if warned {
							warned = false
						}
					} else {
						w.tps.Store(math.Float64bits(0))
					}
					durationSum = 0
					ticksCount = 0
				}
			}
			// The tick drains the deferred task queue itself, so it runs on
			// this goroutine directly and must not be queued as a task.
			t.tick(w)
			if time.Since(tickStart) > t.interval {
				w.metrics.addLateTick()
			}
		case <-w.closing:
			// World is being closed: Stop ticking.
			w.running.Done()
			return
		}
	}
}

// tick performs one simulation step of the World. Deferred tasks are drained
// first, then completed pipeline work is applied, due block updates fire,
// active chunks and entities tick and finally the clock advances. The order
// of these steps is fixed: each step only ever observes the completed
// effects of the steps before it.
func (t ticker) tick(w *World) {
	tx := newTx(w)
	defer tx.close()

	current := w.CurrentTick()
	deadline := time.Now().Add(w.conf.TickBudget)
	// Updates scheduled by deferred tasks this tick are relative to this
	// tick.
	w.scheduledUpdates.currentTick = current

	w.handlerHook("tick_start", func(h Handler, htx *Tx) { h.HandleTickStart(htx, current) })

	t.drainTasks(tx, w)
	w.applyEvents(tx)
	w.scheduledUpdates.tick(tx, current)
	t.tickChunks(tx, w, deadline)
	t.tickEntities(tx, w, current)

	w.set.Lock()
	w.set.CurrentTick++
	current = w.set.CurrentTick
	w.set.Unlock()

	w.handlerHook("tick_end", func(h Handler, htx *Tx) { h.HandleTickEnd(htx, current) })
}

// drainTasks runs deferred tasks queued through Exec and TryExec, oldest
// first, up to Config.MaxTasksPerTick of them. Tasks beyond the cap stay
// queued and run first on the next tick.
func (t ticker) drainTasks(tx *Tx, w *World) {
	for i := 0; i < w.conf.MaxTasksPerTick; i++ {
		task, ok := w.queue.pop()
		if !ok {
			return
		}
		task.f(tx)
		if task.c != nil {
			close(task.c)
		}
	}
}

// tickChunks runs random block ticks for the active chunks in sorted
// position order. This is the only step the tick budget may cut short: once
// the deadline passes, the remaining chunks are skipped and the next tick
// resumes at the first chunk this one did not get to.
func (t ticker) tickChunks(tx *Tx, w *World, deadline time.Time) {
	if len(w.active) == 0 || w.conf.RandomTickSpeed < 0 {
		w.cursorValid = false
		return
	}
	positions := slices.Clone(w.active)
	start := 0
	if w.cursorValid {
		if i, _ := slices.BinarySearchFunc(positions, w.tickCursor, ChunkPos.compare); i < len(positions) {
			start = i
		}
	}
	for i := range positions {
		// The first chunk always ticks, so a pass makes progress even when
		// the budget is already spent.
		if i > 0 && time.Now().After(deadline) {
			w.tickCursor, w.cursorValid = positions[(start+i)%len(positions)], true
			w.metrics.addTruncatedTick()
			return
		}
		pos := positions[(start+i)%len(positions)]
		col, ok := w.chunks[pos]
		if !ok || col.status != StatusActive {
			// Unloaded by an earlier chunk's behaviour this step.
			continue
		}
		t.tickChunk(tx, w, pos, col)
	}
	w.cursorValid = false
}

// tickChunk executes random block ticks in each non-empty sub chunk of a
// column.
func (t ticker) tickChunk(tx *Tx, w *World, pos ChunkPos, col *Column) {
	var (
		g            randUint4
		randomBlocks []BlockPos
	)
	cx, cz := int(pos[0]<<4), int(pos[1]<<4)

	// We generate up to j random positions for every sub chunk.
	for j := 0; j < w.conf.RandomTickSpeed; j++ {
		x, y, z := g.uint4(w.r), g.uint4(w.r), g.uint4(w.r)

		for i, sub := range col.chunk.Sub() {
			if sub.Empty() {
				// SubChunk is empty, so skip it right away.
				continue
			}
			rid := sub.Block(x, y, z)
			if b, ok := w.conf.Blocks.Behaviour(rid); ok && b.RandomTick != nil {
				randomBlocks = append(randomBlocks, BlockPos{cx + int(x), col.chunk.SubY(i) + int(y), cz + int(z)})

				// Only generate new coordinates if a tickable block was
				// actually found. If not, we can just re-use the coordinates
				// for the next sub chunk.
				x, y, z = g.uint4(w.r), g.uint4(w.r), g.uint4(w.r)
			}
		}
	}

	for _, bp := range randomBlocks {
		// The selected block may have been changed by an earlier random tick.
		rid := tx.Block(bp)
		if b, ok := w.conf.Blocks.Behaviour(rid); ok && b.RandomTick != nil {
			b.RandomTick(bp, tx, w.r)
		}
	}
}

// tickEntities integrates entity velocities and runs entity tick behaviour
// in a stable identifier order. Entities owned by chunks that are not active
// sleep until their chunk is. Chunk ownership transfers happen within the
// movement of a single entity: an entity is never listed by two columns at
// once.
func (t ticker) tickEntities(tx *Tx, w *World, current int64) {
	for _, id := range slices.Clone(w.entityOrder) {
		e, ok := w.entities[id]
		if !ok {
			// Removed by an earlier entity's behaviour this step.
			continue
		}
		col, ok := w.chunks[e.chunk]
		if !ok || col.status != StatusActive {
			continue
		}
		if e.vel != (mgl64.Vec3{}) {
			w.setEntityPosition(e, e.pos.Add(e.vel))
		}
		if b, ok := w.conf.Entities.Lookup(e.t); ok && b.Tick != nil {
			b.Tick(e, tx, current)
		}
	}
}

// randUint4 is a structure used to generate random uint4s.
type randUint4 struct {
	x uint64
	n uint8
}

// uint4 returns a random uint4.
func (g *randUint4) uint4(r *rand.Rand) uint8 {
	if g.n == 0 {
		g.x = r.Uint64()
		g.n = 16
	}
	val := g.x & 0b1111

	g.x >>= 4
	g.n--
	return uint8(val)
}

// scheduledTickQueue implements a queue for scheduled block updates.
// Scheduled block updates are both position and block type specific.
type scheduledTickQueue struct {
	ticks         []scheduledTick
	furthestTicks map[scheduledTickIndex]int64
	currentTick   int64
	seq           uint64
}

type scheduledTick struct {
	pos BlockPos
	rid uint32
	t   int64
	// seq breaks ties between updates due at the same tick: updates fire in
	// the order they were scheduled.
	seq uint64
}

type scheduledTickIndex struct {
	pos BlockPos
	rid uint32
}

// newScheduledTickQueue creates a queue for scheduled block ticks.
func newScheduledTickQueue(tick int64) *scheduledTickQueue {
	return &scheduledTickQueue{furthestTicks: make(map[scheduledTickIndex]int64), currentTick: tick}
}

// tick processes scheduled ticks, running the scheduled behaviour of every
// block update due at the tick passed, ordered by due tick first and
// scheduling order second, and removing them from the queue. An update only
// runs if the block at its position is still of the type it was scheduled
// for. Updates in chunks that are not active stay queued until their chunk
// is active again.
func (queue *scheduledTickQueue) tick(tx *Tx, tick int64) {
	queue.currentTick = tick

	w := tx.World()
	var due []scheduledTick
	for _, t := range queue.ticks {
		if t.t > tick {
			continue
		}
		if col, ok := w.chunks[chunkPosFromBlockPos(t.pos)]; !ok || col.status != StatusActive {
			continue
		}
		due = append(due, t)
	}
	if len(due) == 0 {
		return
	}
	slices.SortFunc(due, func(a, b scheduledTick) int {
		if c := cmp.Compare(a.t, b.t); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	for _, t := range due {
		if tx.Block(t.pos) != t.rid {
			// The block changed since the update was scheduled.
			continue
		}
		if b, ok := w.conf.Blocks.Behaviour(t.rid); ok && b.ScheduledTick != nil {
			b.ScheduledTick(t.pos, tx, w.r)
		}
	}

	// Clear the processed ticks from the queue. Overdue ticks in chunks that
	// were not active are left in place.
	processed := make(map[uint64]struct{}, len(due))
	for _, t := range due {
		processed[t.seq] = struct{}{}
	}
	queue.ticks = slices.DeleteFunc(queue.ticks, func(t scheduledTick) bool {
		_, ok := processed[t.seq]
		return ok
	})
	maps.DeleteFunc(queue.furthestTicks, func(index scheduledTickIndex, t int64) bool {
		if t > tick {
			return false
		}
		col, ok := w.chunks[chunkPosFromBlockPos(index.pos)]
		return ok && col.status == StatusActive
	})
}

// schedule schedules a block update at the position passed, for the block
// type currently found there, after a delay in ticks. A block update is only
// scheduled if no block update with the same position and block type is
// already scheduled at a later time than the newly scheduled update.
func (queue *scheduledTickQueue) schedule(pos BlockPos, rid uint32, delay int64) {
	resTick := queue.currentTick + max(delay, 1)
	index := scheduledTickIndex{pos: pos, rid: rid}
	if t, ok := queue.furthestTicks[index]; ok && t >= resTick {
		// Already have a tick scheduled for this position that will occur
		// after the delay passed. Block updates can only be scheduled if they
		// are after any currently scheduled updates.
		return
	}
	queue.furthestTicks[index] = resTick
	queue.seq++
	queue.ticks = append(queue.ticks, scheduledTick{pos: pos, rid: rid, t: resTick, seq: queue.seq})
}

// install restores block updates from a stored column payload. Due ticks are
// rebased onto the current clock using the tick the payload was saved at,
// with a floor of one tick, so updates that came due while their chunk was
// on disk fire promptly instead of in the past. Restored updates keep their
// stored order.
func (queue *scheduledTickQueue) install(ups []chunk.ScheduledUpdate, savedTick int64) {
	for _, u := range ups {
		pos := BlockPos{int(u.Pos[0]), int(u.Pos[1]), int(u.Pos[2])}
		resTick := queue.currentTick + max(u.Tick-savedTick, 1)
		index := scheduledTickIndex{pos: pos, rid: u.Block}
		queue.furthestTicks[index] = max(queue.furthestTicks[index], resTick)
		queue.seq++
		queue.ticks = append(queue.ticks, scheduledTick{pos: pos, rid: u.Block, t: resTick, seq: queue.seq})
	}
}

// updatesInChunk returns the scheduled updates positioned within a chunk
// with their absolute due ticks, leaving the queue untouched.
func (queue *scheduledTickQueue) updatesInChunk(pos ChunkPos) []chunk.ScheduledUpdate {
	var m []chunk.ScheduledUpdate
	for _, t := range queue.ticks {
		if chunkPosFromBlockPos(t.pos) == pos {
			m = append(m, chunk.ScheduledUpdate{
				Pos:   [3]int32{int32(t.pos[0]), int32(t.pos[1]), int32(t.pos[2])},
				Block: t.rid,
				Tick:  t.t,
			})
		}
	}
	return m
}

// removeChunk removes all scheduled ticks positioned within a ChunkPos.
func (queue *scheduledTickQueue) removeChunk(pos ChunkPos) {
	queue.ticks = slices.DeleteFunc(queue.ticks, func(t scheduledTick) bool {
		return chunkPosFromBlockPos(t.pos) == pos
	})
	maps.DeleteFunc(queue.furthestTicks, func(index scheduledTickIndex, _ int64) bool {
		return chunkPosFromBlockPos(index.pos) == pos
	})
}

// hasChunk reports whether any scheduled tick is positioned within a
// ChunkPos.
func (queue *scheduledTickQueue) hasChunk(pos ChunkPos) bool {
	return slices.ContainsFunc(queue.ticks, func(t scheduledTick) bool {
		return chunkPosFromBlockPos(t.pos) == pos
	})
}
