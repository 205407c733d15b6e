package world

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/stratum-world/stratum/server/internal/txguard"
)

// recordingHandler captures the hooks a world fires. Hooks run on guarded
// goroutines, so every record is taken under a mutex.
type recordingHandler struct {
	NopHandler
	mu        sync.Mutex
	starts    []int64
	ends      []int64
	activated []ChunkPos
	unloaded  []ChunkPos
	spawned   []uuid.UUID
	despawned []uuid.UUID
}

func (h *recordingHandler) HandleTickStart(_ *Tx, current int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, current)
}

func (h *recordingHandler) HandleTickEnd(_ *Tx, current int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, current)
}

func (h *recordingHandler) HandleChunkActivated(_ *Tx, pos ChunkPos) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated = append(h.activated, pos)
}

func (h *recordingHandler) HandleChunkUnload(_ *Tx, pos ChunkPos) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloaded = append(h.unloaded, pos)
}

func (h *recordingHandler) HandleEntitySpawn(_ *Tx, e *EntityHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawned = append(h.spawned, e.UUID())
}

func (h *recordingHandler) HandleEntityDespawn(_ *Tx, e *EntityHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.despawned = append(h.despawned, e.UUID())
}

func (h *recordingHandler) snapshot() (starts, ends []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.starts), slices.Clone(h.ends)
}

func (h *recordingHandler) sawActivated(pos ChunkPos) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.activated, pos)
}

func (h *recordingHandler) sawUnloaded(pos ChunkPos) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.unloaded, pos)
}

func (h *recordingHandler) sawSpawned(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.spawned, id)
}

func (h *recordingHandler) sawDespawned(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.despawned, id)
}

// waitFor polls cond until it returns true.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%v never happened", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerReceivesTickHooks(t *testing.T) {
	conf := Config{TickInterval: time.Millisecond * 5}
	w := conf.New()
	closeWorld(t, w)

	h := &recordingHandler{}
	w.Handle(h)

	waitFor(t, "three tick rounds", func() bool {
		starts, ends := h.snapshot()
		return len(starts) >= 3 && len(ends) >= 3
	})
	starts, ends := h.snapshot()
	// The clock advances between the start and end hooks of a tick, so each
	// recorded end is one ahead of the start it pairs with.
	for i := range min(len(starts), len(ends)) {
		if ends[i] != starts[i]+1 {
			t.Fatalf("tick %v started as current %v but ended as %v", i, starts[i], ends[i])
		}
	}
	for i := 1; i < len(starts); i++ {
		if starts[i] <= starts[i-1] {
			t.Fatalf("tick currents did not increase: %v", starts)
		}
	}
}

func TestHandlerReceivesChunkHooks(t *testing.T) {
	w := Config{Store: newMemStore()}.New()
	closeWorld(t, w)

	h := &recordingHandler{}
	w.Handle(h)

	pos := ChunkPos{3, -1}
	activateChunk(t, w, pos)
	waitFor(t, "chunk activated hook", func() bool { return h.sawActivated(pos) })

	<-w.Exec(func(tx *Tx) { tx.UnloadChunk(pos) })
	waitFor(t, "chunk unload hook", func() bool { return h.sawUnloaded(pos) })
	waitForAbsent(t, w, pos)
}

func TestHandlerReceivesEntityHooks(t *testing.T) {
	conf := Config{Entities: NewEntityRegistry(EntityBehaviour{Name: "stratum:marker"})}
	w := conf.New()
	closeWorld(t, w)

	pos := ChunkPos{0, 0}
	activateChunk(t, w, pos)

	h := &recordingHandler{}
	w.Handle(h)

	var (
		id       uuid.UUID
		spawnErr error
	)
	<-w.Exec(func(tx *Tx) {
		e, err := tx.SpawnEntity("stratum:marker", mgl64.Vec3{8, 10, 8})
		if err != nil {
			spawnErr = err
			return
		}
		id = e.UUID()
	})
	if spawnErr != nil {
		t.Fatalf("spawn entity: %v", spawnErr)
	}
	waitFor(t, "entity spawn hook", func() bool { return h.sawSpawned(id) })

	<-w.Exec(func(tx *Tx) { tx.RemoveEntity(id) })
	waitFor(t, "entity despawn hook", func() bool { return h.sawDespawned(id) })
}

// slowHandler blocks the first tick start hook until released.
type slowHandler struct {
	NopHandler
	once    sync.Once
	release chan struct{}
}

func (h *slowHandler) HandleTickStart(*Tx, int64) {
	h.once.Do(func() { <-h.release })
}

func TestHandlerHookTimeoutDoesNotStallTicking(t *testing.T) {
	conf := Config{
		TickInterval: time.Millisecond * 5,
		HookTimeout:  time.Millisecond * 10,
		Log:          discardLogger(),
	}
	w := conf.New()
	closeWorld(t, w)

	h := &slowHandler{release: make(chan struct{})}
	defer close(h.release)
	w.Handle(h)

	waitFor(t, "hook timeout", func() bool { return w.Metrics().HookTimeouts >= 1 })

	// The tick loop must have moved on without the hook.
	before := w.CurrentTick()
	waitFor(t, "ticking to continue", func() bool { return w.CurrentTick() > before })
}

// expiredTxHandler stalls past the hook budget and then uses its transaction,
// which must fail safely rather than race the tick loop.
type expiredTxHandler struct {
	NopHandler
	once sync.Once
	used chan struct{}
}

func (h *expiredTxHandler) HandleTickStart(tx *Tx, _ int64) {
	h.once.Do(func() {
		time.Sleep(time.Millisecond * 50)
		tx.Block(BlockPos{0, 0, 0})
		// Unreachable unless the expired transaction access succeeded.
		close(h.used)
	})
}

func TestHandlerAbandonedHookCannotTouchWorld(t *testing.T) {
	conf := Config{
		TickInterval: time.Millisecond * 5,
		HookTimeout:  time.Millisecond * 10,
		Log:          discardLogger(),
	}
	w := conf.New()
	closeWorld(t, w)

	h := &expiredTxHandler{used: make(chan struct{})}
	w.Handle(h)

	select {
	case <-h.used:
		t.Fatalf("abandoned hook completed a transaction access")
	case <-time.After(time.Millisecond * 200):
	}
	if w.Metrics().HookTimeouts == 0 {
		t.Fatalf("hook was not reported as timed out")
	}

	// The world keeps working after the abandoned hook.
	activateChunk(t, w, ChunkPos{0, 0})
}

// guardedHandler stalls past the hook budget and then probes its transaction
// through txguard, reporting whether the access was still permitted.
type guardedHandler struct {
	NopHandler
	once sync.Once
	got  chan bool
}

func (h *guardedHandler) HandleTickStart(tx *Tx, _ int64) {
	h.once.Do(func() {
		time.Sleep(time.Millisecond * 50)
		_, ok := txguard.Value(func() uint32 { return tx.Block(BlockPos{0, 0, 0}) })
		h.got <- ok
	})
}

func TestHandlerGuardedHookObservesExpiredTx(t *testing.T) {
	conf := Config{
		TickInterval: time.Millisecond * 5,
		HookTimeout:  time.Millisecond * 10,
		Log:          discardLogger(),
	}
	w := conf.New()
	closeWorld(t, w)

	h := &guardedHandler{got: make(chan bool, 1)}
	w.Handle(h)

	select {
	case ok := <-h.got:
		if ok {
			t.Fatalf("expired transaction access reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("guarded hook never probed its transaction")
	}
}

type prefixHandler struct {
	Handler
}

func TestSetHandlerWrapDecoratesHandlers(t *testing.T) {
	SetHandlerWrap(func(_ *World, h Handler) Handler {
		return prefixHandler{Handler: h}
	})
	defer SetHandlerWrap(nil)

	conf := Config{TickInterval: time.Millisecond * 5}
	w := conf.New()
	closeWorld(t, w)

	rec := &recordingHandler{}
	w.Handle(rec)
	if _, ok := w.Handler().(prefixHandler); !ok {
		t.Fatalf("handler of type %T, want the wrapped handler", w.Handler())
	}
	waitFor(t, "hooks to reach the wrapped handler", func() bool {
		starts, _ := rec.snapshot()
		return len(starts) > 0
	})
}
