package world

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stratum-world/stratum/server/internal/mathutil"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// provenance records how the block storage of an installed chunk came to be.
type provenance uint8

const (
	// provenanceStored marks a chunk decoded from a stored payload.
	provenanceStored provenance = iota
	// provenanceGenerated marks a chunk generated because no payload was
	// stored for its position.
	provenanceGenerated
	// provenanceRegenerated marks a chunk generated because its stored
	// payload failed the integrity check.
	provenanceRegenerated
	// provenanceFallback marks an empty chunk installed after generation
	// exhausted its retries.
	provenanceFallback
)

// String ...
func (p provenance) String() string {
	switch p {
	case provenanceStored:
		return "stored"
	case provenanceGenerated:
		return "generated"
	case provenanceRegenerated:
		return "regenerated"
	case provenanceFallback:
		return "fallback"
	}
	return "unknown"
}

type jobKind uint8

const (
	jobLoad jobKind = iota
	jobSave
	jobSaveSettings
)

// pipelineJob is a unit of asynchronous work executed by the worker pool: a
// chunk load, which falls back to generation, a column write or a settings
// write.
type pipelineJob struct {
	kind  jobKind
	pos   ChunkPos
	token uint64
	// payload holds the encoded column or settings blob of write jobs.
	payload []byte
}

type eventKind uint8

const (
	eventPhase eventKind = iota
	eventLoaded
	eventSaved
)

// pipelineEvent is the progress or completion notice a worker posts back to
// the tick goroutine, where it is applied at the start of the next tick.
type pipelineEvent struct {
	kind  eventKind
	pos   ChunkPos
	token uint64
	// status carries the lifecycle stage a load advanced to for eventPhase.
	status ChunkStatus
	// col holds the decoded or generated column data for eventLoaded.
	col  *chunk.Column
	prov provenance
	// err holds the terminal write error of a failed eventSaved.
	err error
}

// pipeline is the bounded worker pool a World runs its chunk reads,
// generation and writes on. A single pool serves every job kind so storage
// and generation pressure share one budget.
type pipeline struct {
	w      *World
	jobs   chan pipelineJob
	events chan pipelineEvent

	// saturation counts how often jobs had to be enqueued asynchronously
	// because the worker queue was full. We use this to rate-limit
	// backpressure warnings so operators can tune queue/worker sizes.
	saturation atomic.Uint64
	lastSatLog atomic.Uint64
}

func newPipeline(w *World) *pipeline {
	return &pipeline{
		w:    w,
		jobs: make(chan pipelineJob, w.conf.PipelineQueueSize),
		// Each job posts at most two events, so this capacity lets workers
		// run ahead of the tick without ever blocking on a post.
		events: make(chan pipelineEvent, (w.conf.PipelineQueueSize+w.conf.PipelineWorkers)*2),
	}
}

// start launches the worker goroutines. They run until the world closes.
func (p *pipeline) start() {
	p.w.running.Add(p.w.conf.PipelineWorkers)
	for i := 0; i < p.w.conf.PipelineWorkers; i++ {
		go p.worker()
	}
}

func (p *pipeline) submitLoad(pos ChunkPos, token uint64) {
	p.submit(pipelineJob{kind: jobLoad, pos: pos, token: token})
}

func (p *pipeline) submitSave(pos ChunkPos, token uint64, payload []byte) {
	p.submit(pipelineJob{kind: jobSave, pos: pos, token: token, payload: payload})
}

func (p *pipeline) submitSettings(payload []byte) {
	p.submit(pipelineJob{kind: jobSaveSettings, payload: payload})
}

// submit hands a job to the worker pool. It ensures that no new jobs are
// enqueued once the world begins shutting down: dropped work is taken over by
// the final flush in Close. If the queue is full, the job spills to its own
// goroutine so that the tick goroutine never blocks on its own worker pool.
func (p *pipeline) submit(job pipelineJob) {
	select {
	case <-p.w.closing:
	case p.jobs <- job:
	default:
		go p.enqueue(job)
		p.handleBackpressure()
	}
}

// enqueue tries to enqueue a job asynchronously, giving up once the world
// shuts down.
func (p *pipeline) enqueue(job pipelineJob) {
	select {
	case <-p.w.closing:
	case p.jobs <- job:
	}
}

// handleBackpressure increments backpressure counters and emits a throttled
// warning when the job queue saturates. This gives operators concrete
// guidance on adjusting parallelism or profiling I/O bottlenecks under heavy
// load.
func (p *pipeline) handleBackpressure() {
	count := p.saturation.Add(1)
	now := uint64(time.Now().UnixNano())
	last := p.lastSatLog.Load()
	if last != 0 && time.Duration(now-last) < time.Minute {
		return
	}
	if !p.lastSatLog.CompareAndSwap(last, now) {
		return
	}

	p.w.conf.Log.Warn(
		"world pipeline queue saturated: chunk work backlog detected.",
		"queued_tasks", count,
		"queue_size", cap(p.jobs),
		"workers", p.w.conf.PipelineWorkers,
	)
}

// post sends an event to the tick goroutine. Events are dropped once the
// world shuts down; the final flush in Close accounts for the work they
// described.
func (p *pipeline) post(ev pipelineEvent) {
	select {
	case p.events <- ev:
	case <-p.w.closing:
	}
}

// worker continuously processes jobs from the queue. Each worker runs in its
// own goroutine and terminates when the world closes.
func (p *pipeline) worker() {
	defer p.w.running.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.w.closing:
			return
		}
	}
}

func (p *pipeline) run(job pipelineJob) {
	switch job.kind {
	case jobLoad:
		p.runLoad(job)
	case jobSave:
		p.post(pipelineEvent{kind: eventSaved, pos: job.pos, token: job.token, err: p.write(job)})
	case jobSaveSettings:
		p.writeSettings(job)
	}
}

// runLoad resolves the column data for a position: a payload read from the
// store if one exists and decodes, a generated chunk otherwise. Progress is
// posted as events so the lifecycle stage of the chunk stays observable.
func (p *pipeline) runLoad(job pipelineJob) {
	w := p.w
	payload, err := p.read(job.pos)
	if err == nil {
		p.post(pipelineEvent{kind: eventPhase, pos: job.pos, token: job.token, status: StatusLoading})
		col, derr := chunk.Decode(payload)
		if derr == nil {
			p.post(pipelineEvent{kind: eventLoaded, pos: job.pos, token: job.token, col: col, prov: provenanceStored})
			return
		}
		// The stored payload is unusable. The bytes are left in place for
		// inspection; they are replaced by the next successful save of this
		// position.
		w.metrics.addCorruptPayload()
		w.conf.Log.Error("load chunk: discarding corrupt payload: "+derr.Error(), "X", job.pos[0], "Z", job.pos[1])
		col, prov := p.generate(job.pos)
		if prov == provenanceGenerated {
			prov = provenanceRegenerated
		}
		p.post(pipelineEvent{kind: eventLoaded, pos: job.pos, token: job.token, col: col, prov: prov})
		return
	}
	if !errors.Is(err, ErrNotFound) {
		// Reads that keep failing are treated like an absent payload so the
		// chunk can still activate.
		w.conf.Log.Error("load chunk: "+err.Error(), "X", job.pos[0], "Z", job.pos[1])
	}
	p.post(pipelineEvent{kind: eventPhase, pos: job.pos, token: job.token, status: StatusGenerating})
	col, prov := p.generate(job.pos)
	p.post(pipelineEvent{kind: eventLoaded, pos: job.pos, token: job.token, col: col, prov: prov})
}

// read reads the payload of a position from the store, retrying transient
// errors. ErrNotFound is definitive and returned right away.
func (p *pipeline) read(pos ChunkPos) ([]byte, error) {
	w := p.w
	var err error
	for i := 0; i <= w.conf.ReadRetries; i++ {
		if i > 0 {
			w.metrics.addReadRetry()
			p.backoff(i)
		}
		var payload []byte
		if payload, err = w.conf.Store.ReadColumn(pos); err == nil {
			return payload, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, err
}

// generate produces the column data of a position through the world's
// generator, retrying failed attempts. If every attempt fails, an empty
// fallback chunk is returned so the position can still activate. Fallback
// chunks are never marked dirty, so they do not shadow a later successful
// generation.
func (p *pipeline) generate(pos ChunkPos) (*chunk.Column, provenance) {
	w := p.w
	for i := 0; i <= w.conf.GenerationRetries; i++ {
		if i > 0 {
			w.metrics.addGenerationRetry()
			p.backoff(i)
		}
		c := chunk.New(w.conf.Blocks.Air(), w.ra)
		if err := p.generateOnce(pos, c); err != nil {
			w.conf.Log.Error("generate chunk: "+err.Error(), "X", pos[0], "Z", pos[1], "attempt", i+1)
			continue
		}
		return &chunk.Column{Chunk: c}, provenanceGenerated
	}
	w.metrics.addGenerationFallback()
	w.conf.Log.Error("generate chunk: all attempts failed, installing empty fallback", "X", pos[0], "Z", pos[1])
	return &chunk.Column{Chunk: chunk.New(w.conf.Blocks.Air(), w.ra)}, provenanceFallback
}

// generateOnce runs the generator with panics converted to errors, so a
// misbehaving generator costs a retry rather than a worker.
func (p *pipeline) generateOnce(pos ChunkPos, c *chunk.Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.w.conf.Generator.GenerateChunk(pos, c)
}

// write writes the payload of a save job to the store, retrying transient
// errors. The terminal error, if any, is reported back to the tick goroutine
// which decides what happens to the column.
func (p *pipeline) write(job pipelineJob) error {
	w := p.w
	var err error
	for i := 0; i <= w.conf.WriteRetries; i++ {
		if i > 0 {
			p.backoff(i)
		}
		if err = w.conf.Store.WriteColumn(job.pos, job.payload); err == nil {
			return nil
		}
	}
	return err
}

func (p *pipeline) writeSettings(job pipelineJob) {
	w := p.w
	var err error
	for i := 0; i <= w.conf.WriteRetries; i++ {
		if i > 0 {
			p.backoff(i)
		}
		if err = w.conf.Store.WriteSettings(job.payload); err == nil {
			return
		}
	}
	w.metrics.addSaveFailure()
	w.conf.Log.Error("save settings: " + err.Error())
}

// backoff sleeps before a retry, doubling the configured base duration on
// every further attempt up to one second.
func (p *pipeline) backoff(attempt int) {
	d := mathutil.Clamp(p.w.conf.RetryBackoff<<(attempt-1), p.w.conf.RetryBackoff, time.Second)
	select {
	case <-time.After(d):
	case <-p.w.closing:
	}
}
