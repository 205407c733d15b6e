package world

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// DefaultRange is the vertical range of worlds whose Config does not set one.
var DefaultRange = chunk.Range{0, 255}

// Config may be used to create a new World. It holds a variety of fields that
// influence the World.
type Config struct {
	// Log is the logger that the World will use for errors and warnings. If
	// nil, Log is set to slog.Default().
	Log *slog.Logger
	// Store is the storage that the World loads chunk payloads and settings
	// from and saves them to. If nil, Store is set to NopStore, in which case
	// no data is persisted and every chunk is generated on demand.
	Store Store
	// Generator produces the chunks of positions the Store holds no payload
	// for. If nil, Generator is set to NopGenerator.
	Generator Generator
	// Blocks is the registry of block types the World simulates. If nil, a
	// registry holding only AirBlock is used.
	Blocks *BlockRegistry
	// Entities is the registry of entity types the World is able to simulate
	// and persist.
	Entities EntityRegistry
	// Name is the display name the World is created with. It is overwritten
	// by the name found in stored settings, if any.
	Name string
	// Seed is the seed used for deterministic chunk generation and random
	// ticking. Like Name, a seed found in stored settings takes precedence so
	// a world keeps its identity across restarts.
	Seed int64
	// Range is the vertical range of the World in blocks. If left as the zero
	// Range, DefaultRange is used. The Range's height must be a multiple of
	// 16.
	Range chunk.Range
	// TickInterval is the duration of one simulation step. It defaults to
	// 50ms, or 20 ticks per second.
	TickInterval time.Duration
	// TickBudget is the soft duration budget of a single tick. Once exceeded,
	// the ticking of active chunks is cut short and resumed on the next tick.
	// Mandatory per-tick work is never skipped. Defaults to 4/5th of
	// TickInterval.
	TickBudget time.Duration
	// MaxTasksPerTick caps how many deferred tasks a single tick drains.
	// Tasks beyond the cap remain queued for the next tick. Defaults to 256.
	MaxTasksPerTick int
	// QueueSize bounds the deferred task queue. Producers of high-priority
	// tasks block while the queue is full; low-priority tasks are dropped
	// with a warning instead. Defaults to 1024.
	QueueSize int
	// PipelineWorkers controls the number of workers executing chunk loads,
	// generation and saves. If 0 or lower, the worker count is derived from
	// the host's available CPUs.
	PipelineWorkers int
	// PipelineQueueSize limits how many pipeline jobs may wait for a worker.
	// Defaults to 256. Raise it alongside PipelineWorkers if the logs report
	// pipeline queue saturation.
	PipelineQueueSize int
	// ReadRetries, WriteRetries and GenerationRetries are the number of times
	// a failed store read, store write or chunk generation is retried before
	// giving up. Each defaults to 2.
	ReadRetries, WriteRetries, GenerationRetries int
	// RetryBackoff is the base duration a pipeline worker sleeps between
	// retries, doubled on every further attempt. Defaults to 50ms.
	RetryBackoff time.Duration
	// SaveInterval is the interval at which dirty chunks and settings are
	// written back to the Store while remaining loaded. Defaults to 5
	// minutes. A negative value disables interval saving.
	SaveInterval time.Duration
	// SweepInterval is the interval of the eviction sweep unloading chunks
	// without observers. Defaults to 2 minutes. A negative value disables
	// sweeping.
	SweepInterval time.Duration
	// IdleThreshold is the number of ticks a chunk must go without observers
	// and activity before an eviction sweep may unload it. Defaults to 1200
	// ticks, one minute at the default tick rate.
	IdleThreshold int64
	// RandomTickSpeed specifies the rate at which blocks should be ticked.
	// Setting this value to -1 or lower will stop random ticking altogether,
	// while setting it higher results in faster ticking. If left as 0, the
	// RandomTickSpeed defaults to a speed of 3 blocks per sub chunk per tick.
	RandomTickSpeed int
	// HookTimeout is the budget of a single Handler hook invocation. Hooks
	// exceeding it are abandoned and reported. Defaults to 500ms.
	HookTimeout time.Duration
	// DegradedThreshold is the number of consecutive write failures for the
	// same chunk position after which the World reports itself degraded
	// through Handler.HandleDegraded. Defaults to 3.
	DegradedThreshold int
	// ReadOnly makes the World never write to its Store.
	ReadOnly bool
}

// New creates a World using the fields of conf. The World is started
// immediately: its tick loop, pipeline workers and maintenance goroutines run
// until Close is called.
func (conf Config) New() *World {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.Store == nil {
		conf.Store = NopStore{}
	}
	if conf.Generator == nil {
		conf.Generator = NopGenerator{}
	}
	if conf.Blocks == nil {
		conf.Blocks = NewBlockRegistry()
	}
	if conf.Entities.types == nil {
		conf.Entities = NewEntityRegistry()
	}
	if conf.Name == "" {
		conf.Name = "World"
	}
	if conf.Range == (chunk.Range{}) {
		conf.Range = DefaultRange
	}
	if conf.TickInterval <= 0 {
		conf.TickInterval = time.Second / 20
	}
	if conf.TickBudget <= 0 {
		conf.TickBudget = conf.TickInterval * 4 / 5
	}
	if conf.MaxTasksPerTick <= 0 {
		conf.MaxTasksPerTick = 256
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = 1024
	}
	if conf.PipelineWorkers <= 0 {
		conf.PipelineWorkers = runtime.NumCPU()
	}
	if conf.PipelineQueueSize <= 0 {
		conf.PipelineQueueSize = 256
	}
	if conf.ReadRetries <= 0 {
		conf.ReadRetries = 2
	}
	if conf.WriteRetries <= 0 {
		conf.WriteRetries = 2
	}
	if conf.GenerationRetries <= 0 {
		conf.GenerationRetries = 2
	}
	if conf.RetryBackoff <= 0 {
		conf.RetryBackoff = time.Millisecond * 50
	}
	if conf.SaveInterval == 0 {
		conf.SaveInterval = time.Minute * 5
	}
	if conf.SweepInterval == 0 {
		conf.SweepInterval = time.Minute * 2
	}
	if conf.IdleThreshold <= 0 {
		conf.IdleThreshold = 1200
	}
	if conf.RandomTickSpeed == 0 {
		conf.RandomTickSpeed = 3
	}
	if conf.HookTimeout <= 0 {
		conf.HookTimeout = time.Millisecond * 500
	}
	if conf.DegradedThreshold <= 0 {
		conf.DegradedThreshold = 3
	}

	set, err := loadSettings(conf.Store, defaultSettings(conf.Name, conf.Seed))
	if err != nil {
		conf.Log.Error("open world: "+err.Error(), "name", conf.Name)
		set = defaultSettings(conf.Name, conf.Seed)
	}

	w := &World{
		conf:          conf,
		ra:            conf.Range,
		set:           set,
		closing:       make(chan struct{}),
		queue:         newTaskQueue(conf.QueueSize),
		chunks:        make(map[ChunkPos]*Column),
		entities:      make(map[uuid.UUID]*EntityHandle),
		writeFailures: make(map[ChunkPos]int),
		metrics:       newMetrics(),
		r: rand.New(rand.NewPCG(
			uint64(set.Seed),
			fnv1a.AddUint64(fnv1a.Init64, uint64(set.Seed)),
		)),
	}
	w.scheduledUpdates = newScheduledTickQueue(set.CurrentTick)
	w.handler.Store(&defaultHandler)
	w.tps.Store(math.Float64bits(float64(time.Second) / float64(conf.TickInterval)))

	w.pipeline = newPipeline(w)
	w.pipeline.start()

	w.running.Add(2)
	go ticker{interval: conf.TickInterval}.tickLoop(w)
	go w.autoSave()
	return w
}

var defaultHandler Handler = NopHandler{}
