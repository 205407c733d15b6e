package server

// ProtocolVersion is the version of the observer gateway protocol. Observers
// must send it in their subscribe message; it is echoed in the handshake.
const ProtocolVersion = "1"

// ChunkEncoding names the encoding of chunk data sent to observers: the
// column payload codec also used by the world's storage, base64-encoded.
const ChunkEncoding = "stratum_column_v1"

// Message types sent by observers.
const (
	MessageSubscribe = "subscribe"
	MessageSetBlock  = "set_block"
)

// Message types sent by the gateway.
const (
	MessageHello         = "hello"
	MessageChunk         = "chunk"
	MessageChunkUnload   = "chunk_unload"
	MessageBlockUpdate   = "block_update"
	MessageEntitySpawn   = "entity_spawn"
	MessageEntityMove    = "entity_move"
	MessageEntityDespawn = "entity_despawn"
	MessageError         = "error"
)

// SubscribeMessage is the first message an observer sends after connecting.
// It may be re-sent at any time to move the centre of the view or change its
// radius.
type SubscribeMessage struct {
	Type     string     `json:"type"`
	Protocol string     `json:"protocol"`
	Radius   int        `json:"radius"`
	Centre   [3]float64 `json:"centre"`
}

// SetBlockMessage asks the gateway to place a block. The edit is applied as a
// high-priority deferred task on the world; a block update is broadcast to
// all observers watching the chunk once it applied.
type SetBlockMessage struct {
	Type  string `json:"type"`
	Pos   [3]int `json:"pos"`
	Block string `json:"block"`
}

// HelloMessage is the first message sent to an observer once its subscription
// was accepted. The block palette is indexed by runtime ID, letting observers
// decode the chunk payloads that follow.
type HelloMessage struct {
	Type         string   `json:"type"`
	Protocol     string   `json:"protocol"`
	Name         string   `json:"name"`
	Seed         int64    `json:"seed"`
	Tick         int64    `json:"tick"`
	TickRate     float64  `json:"tick_rate"`
	Range        [2]int   `json:"range"`
	Radius       int      `json:"radius"`
	Encoding     string   `json:"encoding"`
	BlockPalette []string `json:"block_palette"`
	EntityTypes  []string `json:"entity_types"`
}

// ChunkMessage carries the full contents of one chunk column, encoded as
// named by the hello message.
type ChunkMessage struct {
	Type string `json:"type"`
	X    int32  `json:"x"`
	Z    int32  `json:"z"`
	Data string `json:"data"`
}

// ChunkUnloadMessage tells an observer to evict a chunk from its cache.
type ChunkUnloadMessage struct {
	Type string `json:"type"`
	X    int32  `json:"x"`
	Z    int32  `json:"z"`
}

// BlockUpdateMessage reports a single block change within a watched chunk.
type BlockUpdateMessage struct {
	Type  string `json:"type"`
	Pos   [3]int `json:"pos"`
	Block uint32 `json:"block"`
}

// EntitySpawnMessage reports an entity appearing in a watched chunk, either
// by spawning or by moving in from an unwatched one.
type EntitySpawnMessage struct {
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	EntityType string     `json:"entity_type"`
	Pos        [3]float64 `json:"pos"`
}

// EntityMoveMessage reports an entity moving within watched chunks.
type EntityMoveMessage struct {
	Type string     `json:"type"`
	ID   string     `json:"id"`
	Pos  [3]float64 `json:"pos"`
}

// EntityDespawnMessage reports an entity disappearing from watched chunks.
type EntityDespawnMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrorMessage reports an observer request that could not be applied.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusResponse is the response of the gateway's status endpoint.
type StatusResponse struct {
	Protocol  string        `json:"protocol"`
	Name      string        `json:"name"`
	Tick      int64         `json:"tick"`
	TPS       float64       `json:"tps"`
	Chunks    int           `json:"chunks"`
	Entities  int           `json:"entities"`
	Observers int           `json:"observers"`
	Degraded  bool          `json:"degraded"`
	Metrics   StatusMetrics `json:"metrics"`
}

// StatusMetrics mirrors the world's metrics counters.
type StatusMetrics struct {
	StaleInstalls       uint64 `json:"stale_installs"`
	DroppedTasks        uint64 `json:"dropped_tasks"`
	CorruptPayloads     uint64 `json:"corrupt_payloads"`
	GenerationRetries   uint64 `json:"generation_retries"`
	GenerationFallbacks uint64 `json:"generation_fallbacks"`
	ReadRetries         uint64 `json:"read_retries"`
	SaveFailures        uint64 `json:"save_failures"`
	HookTimeouts        uint64 `json:"hook_timeouts"`
	TruncatedTicks      uint64 `json:"truncated_ticks"`
	EvictedColumns      uint64 `json:"evicted_columns"`
	LateTicks           uint64 `json:"late_ticks"`
}
