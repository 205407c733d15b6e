package world

import (
	"sync"
)

// Metrics tracks counters describing the health of a world's chunk pipeline
// and tick loop. All methods are safe for concurrent use and a nil *Metrics
// discards every update.
type Metrics struct {
	mu sync.Mutex
	s  MetricsSnapshot
}

// MetricsSnapshot is a copy of all counters of a Metrics at one point in
// time.
type MetricsSnapshot struct {
	// StaleInstalls counts chunk payloads discarded because the chunk was
	// unloaded or re-requested while the payload was still being produced.
	StaleInstalls uint64
	// DroppedTasks counts low-priority deferred tasks dropped because the
	// task queue was full.
	DroppedTasks uint64
	// CorruptPayloads counts stored payloads that failed their integrity
	// check and were regenerated.
	CorruptPayloads uint64
	// GenerationRetries counts failed generation attempts that were retried.
	GenerationRetries uint64
	// GenerationFallbacks counts chunks that exhausted their generation
	// retries and were installed with an empty fallback payload.
	GenerationFallbacks uint64
	// ReadRetries counts failed store reads that were retried.
	ReadRetries uint64
	// SaveFailures counts column writes that exhausted their retries.
	SaveFailures uint64
	// HookTimeouts counts handler hook invocations abandoned after exceeding
	// their budget.
	HookTimeouts uint64
	// TruncatedTicks counts ticks in which active chunk ticking was cut short
	// by the tick budget.
	TruncatedTicks uint64
	// EvictedColumns counts columns removed from memory by the eviction sweep
	// or an explicit unload.
	EvictedColumns uint64
	// LateTicks counts ticks that took longer than the tick interval.
	LateTicks uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

func (m *Metrics) add(f func(s *MetricsSnapshot)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	f(&m.s)
	m.mu.Unlock()
}

func (m *Metrics) addStaleInstall() {
	m.add(func(s *MetricsSnapshot) { s.StaleInstalls++ })
}

func (m *Metrics) addDroppedTask() {
	m.add(func(s *MetricsSnapshot) { s.DroppedTasks++ })
}

func (m *Metrics) addCorruptPayload() {
	m.add(func(s *MetricsSnapshot) { s.CorruptPayloads++ })
}

func (m *Metrics) addGenerationRetry() {
	m.add(func(s *MetricsSnapshot) { s.GenerationRetries++ })
}

func (m *Metrics) addGenerationFallback() {
	m.add(func(s *MetricsSnapshot) { s.GenerationFallbacks++ })
}

func (m *Metrics) addReadRetry() {
	m.add(func(s *MetricsSnapshot) { s.ReadRetries++ })
}

func (m *Metrics) addSaveFailure() {
	m.add(func(s *MetricsSnapshot) { s.SaveFailures++ })
}

func (m *Metrics) addHookTimeout() {
	m.add(func(s *MetricsSnapshot) { s.HookTimeouts++ })
}

func (m *Metrics) addTruncatedTick() {
	m.add(func(s *MetricsSnapshot) { s.TruncatedTicks++ })
}

func (m *Metrics) addEvictedColumn() {
	m.add(func(s *MetricsSnapshot) { s.EvictedColumns++ })
}

func (m *Metrics) addLateTick() {
	m.add(func(s *MetricsSnapshot) { s.LateTicks++ })
}
