package world

import (
	"time"

	"github.com/stratum-world/stratum/server/internal/txguard"
)

// Handler handles events that are called by a world. Implementations of
// Handler may be used to run code when a world ticks, when chunks change
// state or when the world degrades.
//
// Handler methods are invoked on the world's tick goroutine and must respect
// the world's hook budget: invocations exceeding Config.HookTimeout are
// abandoned, after which any use of the Tx passed results in a recovered
// panic rather than state corruption.
type Handler interface {
	// HandleTickStart handles the start of a tick, before deferred tasks are
	// drained.
	HandleTickStart(tx *Tx, current int64)
	// HandleTickEnd handles the end of a tick, after the simulation clock
	// advanced.
	HandleTickEnd(tx *Tx, current int64)
	// HandleChunkActivated handles a chunk completing its load or generation
	// and becoming eligible for ticking.
	HandleChunkActivated(tx *Tx, pos ChunkPos)
	// HandleChunkUnload handles a chunk about to be saved and removed from
	// memory. The chunk is still active when the hook runs.
	HandleChunkUnload(tx *Tx, pos ChunkPos)
	// HandleEntitySpawn handles a new entity entering the world.
	HandleEntitySpawn(tx *Tx, e *EntityHandle)
	// HandleEntityDespawn handles an entity being removed from the world.
	HandleEntityDespawn(tx *Tx, e *EntityHandle)
	// HandleDegraded handles the world entering a degraded state after
	// repeated write failures for the same chunk position. It is called once
	// per degradation and, unlike the other hooks, outside of a transaction.
	HandleDegraded(pos ChunkPos, err error)
}

// NopHandler implements the Handler interface but does not execute any code
// when an event is called. The default Handler of worlds is NopHandler.
type NopHandler struct{}

// Compile time check to make sure NopHandler implements Handler.
var _ Handler = NopHandler{}

func (NopHandler) HandleTickStart(*Tx, int64)             {}
func (NopHandler) HandleTickEnd(*Tx, int64)               {}
func (NopHandler) HandleChunkActivated(*Tx, ChunkPos)     {}
func (NopHandler) HandleChunkUnload(*Tx, ChunkPos)        {}
func (NopHandler) HandleEntitySpawn(*Tx, *EntityHandle)   {}
func (NopHandler) HandleEntityDespawn(*Tx, *EntityHandle) {}
func (NopHandler) HandleDegraded(ChunkPos, error)         {}

// hookGuard invokes a single handler hook on its own goroutine with a fresh
// transaction, waiting for it up to the world's hook budget. Hooks exceeding
// the budget are abandoned: their transaction expires underneath them so a
// hung hook panics on its next state access instead of racing the tick loop.
func (w *World) hookGuard(name string, f func(tx *Tx)) {
	htx := newTx(w)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.conf.Log.Error("world handler: hook panicked", "hook", name, "error", r)
			}
		}()
		if !txguard.Run(func() { f(htx) }) {
			w.conf.Log.Error("world handler: abandoned hook used expired transaction", "hook", name)
		}
	}()

	t := time.NewTimer(w.conf.HookTimeout)
	defer t.Stop()
	select {
	case <-done:
		htx.close()
	case <-t.C:
		htx.close()
		w.metrics.addHookTimeout()
		w.conf.Log.Error("world handler: hook exceeded its budget and was abandoned", "hook", name, "budget", w.conf.HookTimeout)
	}
}

// handlerHook runs f against the world's current handler through hookGuard,
// skipping the overhead entirely for the default NopHandler.
func (w *World) handlerHook(name string, f func(h Handler, tx *Tx)) {
	h := w.Handler()
	if _, nop := h.(NopHandler); nop {
		return
	}
	w.hookGuard(name, func(tx *Tx) { f(h, tx) })
}
