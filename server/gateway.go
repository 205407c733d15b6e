package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stratum-world/stratum/server/internal/mathutil"
	"github.com/stratum-world/stratum/server/world"
	"github.com/stratum-world/stratum/server/world/chunk"
)

const (
	handshakeTimeout = time.Second * 5
	writeTimeout     = time.Second * 5
	readTimeout      = time.Second * 60
	// sessionBuffer is the number of outgoing messages buffered per observer.
	// Observers that fall further behind than this are disconnected.
	sessionBuffer = 256
	// loadBatch is the number of view chunks requested from the world per
	// load task.
	loadBatch = 8
	// loadInterval is the interval of the low-priority tasks feeding an
	// observer's chunk loader.
	loadInterval = time.Millisecond * 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
}

// session is one connected observer: a websocket connection paired with a
// chunk loader that views the world on the observer's behalf.
type session struct {
	srv  *Server
	conn *websocket.Conn
	w    *world.World

	out  chan outMessage
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once

	// loader is created on the tick goroutine during the handshake and only
	// used inside world transactions afterwards.
	loader *world.Loader
}

// outMessage is a queued message to one observer. Chunks travel as clones and
// are encoded on the session's writer goroutine so that the tick goroutine
// only pays for the copy.
type outMessage struct {
	raw   []byte
	chunk *chunk.Chunk
	pos   world.ChunkPos
}

// handleObserve upgrades an observer connection and runs its session until
// either side disconnects.
func (srv *Server) handleObserve(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	s := &session{
		srv:  srv,
		conn: conn,
		w:    srv.world,
		out:  make(chan outMessage, sessionBuffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	defer close(s.done)
	defer conn.Close()

	if reason, ok := srv.conf.Allower.Allow(conn.RemoteAddr(), r.Header.Get("Origin")); !ok {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return
	}

	// Handshake: the first message must be a subscribe.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var sub SubscribeMessage
	if err := conn.ReadJSON(&sub); err != nil || sub.Type != MessageSubscribe || sub.Protocol != ProtocolVersion {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected subscribe"), time.Now().Add(time.Second))
		return
	}
	if err := srv.addSession(s); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(time.Second))
		return
	}
	defer srv.removeSession(s)

	radius := srv.clampRadius(sub.Radius)
	// The hello goes out before the loader starts delivering chunks.
	s.enqueueJSON(srv.helloMessage(radius))
	<-s.w.Exec(func(tx *world.Tx) {
		s.loader = world.NewLoader(radius, s.w, sessionViewer{s: s})
		s.loader.Move(tx, mgl64.Vec3(sub.Centre))
		s.loader.Load(tx, loadBatch)
	})
	defer s.detach()

	go s.writeLoop()
	go s.loadLoop()
	s.readLoop()
}

// readLoop reads observer messages until the connection fails or is closed.
func (s *session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.disconnect(websocket.CloseNormalClosure, "bye")
			return
		}
		s.handleMessage(msg)
	}
}

// handleMessage dispatches one observer message on its type field.
func (s *session) handleMessage(msg []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		s.sendError("malformed message")
		return
	}
	switch head.Type {
	case MessageSubscribe:
		var sub SubscribeMessage
		if err := json.Unmarshal(msg, &sub); err != nil {
			s.sendError("malformed subscribe")
			return
		}
		s.handleSubscribe(sub)
	case MessageSetBlock:
		var set SetBlockMessage
		if err := json.Unmarshal(msg, &set); err != nil {
			s.sendError("malformed set_block")
			return
		}
		s.handleSetBlock(set)
	default:
		s.sendError(fmt.Sprintf("unknown message type %q", head.Type))
	}
}

// handleSubscribe moves the observer's view. The reader does not wait for the
// world to apply it.
func (s *session) handleSubscribe(sub SubscribeMessage) {
	radius := s.srv.clampRadius(sub.Radius)
	s.w.Exec(func(tx *world.Tx) {
		s.loader.ChangeRadius(tx, radius)
		s.loader.Move(tx, mgl64.Vec3(sub.Centre))
		s.loader.Load(tx, loadBatch)
	})
}

// handleSetBlock applies an observer's block edit as a high-priority deferred
// task. Placed blocks with scheduled behaviour receive an update so that
// falling blocks start moving on their own.
func (s *session) handleSetBlock(set SetBlockMessage) {
	rid, ok := s.w.Blocks().RuntimeID(set.Block)
	if !ok {
		s.sendError(fmt.Sprintf("unknown block type %q", set.Block))
		return
	}
	pos := world.BlockPos(set.Pos)
	s.w.Exec(func(tx *world.Tx) {
		if !tx.SetBlock(pos, rid) {
			s.sendError(fmt.Sprintf("position %v is not within an active chunk", pos))
			return
		}
		if b, _ := s.w.Blocks().Behaviour(rid); b.ScheduledTick != nil {
			tx.ScheduleBlockUpdate(pos, 1)
		}
	})
}

// writeLoop encodes and writes queued messages until the session stops.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.stop:
			return
		case m := <-s.out:
			b := m.raw
			if m.chunk != nil {
				var err error
				if b, err = encodeChunkMessage(m.pos, m.chunk); err != nil {
					s.srv.conf.Log.Error("gateway: encode chunk: "+err.Error(), "pos", m.pos)
					continue
				}
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.disconnect(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// loadLoop periodically asks the world to feed the session's chunk loader.
// The requests are low-priority: a congested world drops them and the view
// catches up on a later interval.
func (s *session) loadLoop() {
	t := time.NewTicker(loadInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.w.TryExec(func(tx *world.Tx) {
				s.loader.Load(tx, loadBatch)
			})
		}
	}
}

// detach closes the session's loader, hiding its chunks and releasing them
// for eviction.
func (s *session) detach() {
	<-s.w.Exec(func(tx *world.Tx) {
		if s.loader != nil {
			s.loader.Close(tx)
		}
	})
}

// disconnect stops the session once: the writer and load loops end and the
// connection is closed, unblocking the reader.
func (s *session) disconnect(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// enqueue queues a message for the writer goroutine without ever blocking the
// caller. Observers whose buffer is full are cut off.
func (s *session) enqueue(m outMessage) {
	select {
	case s.out <- m:
	case <-s.stop:
	default:
		s.srv.conf.Log.Debug("gateway: observer too slow, disconnecting", "remote", s.conn.RemoteAddr().String())
		s.disconnect(websocket.ClosePolicyViolation, "too slow")
	}
}

func (s *session) enqueueJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.enqueue(outMessage{raw: b})
}

func (s *session) sendError(msg string) {
	s.enqueueJSON(ErrorMessage{Type: MessageError, Message: msg})
}

// encodeChunkMessage wraps a cloned chunk into a ChunkMessage, reusing the
// column payload codec of the world's storage for the data.
func encodeChunkMessage(pos world.ChunkPos, c *chunk.Chunk) ([]byte, error) {
	payload, err := chunk.Encode(&chunk.Column{Chunk: c})
	if err != nil {
		return nil, err
	}
	return json.Marshal(ChunkMessage{
		Type: MessageChunk,
		X:    pos.X(),
		Z:    pos.Z(),
		Data: base64.StdEncoding.EncodeToString(payload),
	})
}

// helloMessage assembles the handshake sent to a new observer.
func (srv *Server) helloMessage(radius int) HelloMessage {
	w := srv.world
	reg := w.Blocks()
	palette := make([]string, reg.Count())
	for rid := range palette {
		b, _ := reg.Behaviour(uint32(rid))
		palette[rid] = b.Name
	}
	r := w.Range()
	return HelloMessage{
		Type:         MessageHello,
		Protocol:     ProtocolVersion,
		Name:         w.Name(),
		Seed:         w.Seed(),
		Tick:         w.CurrentTick(),
		TickRate:     w.TPS(),
		Range:        [2]int{r.Min(), r.Max()},
		Radius:       radius,
		Encoding:     ChunkEncoding,
		BlockPalette: palette,
		EntityTypes:  w.EntityRegistry().Types(),
	}
}

// clampRadius clamps a subscribed view radius to the configured maximum.
func (srv *Server) clampRadius(r int) int {
	return mathutil.Clamp(r, 1, srv.conf.MaxChunkRadius)
}

// sessionViewer adapts a session to world.Viewer. Its methods run on the
// world's tick goroutine and never block.
type sessionViewer struct {
	s *session
}

func (v sessionViewer) ViewChunk(pos world.ChunkPos, c *chunk.Chunk) {
	v.s.enqueue(outMessage{chunk: c.Clone(), pos: pos})
}

func (v sessionViewer) ViewChunkUnload(pos world.ChunkPos) {
	v.s.enqueueJSON(ChunkUnloadMessage{Type: MessageChunkUnload, X: pos.X(), Z: pos.Z()})
}

func (v sessionViewer) ViewBlockUpdate(pos world.BlockPos, rid uint32) {
	v.s.enqueueJSON(BlockUpdateMessage{Type: MessageBlockUpdate, Pos: [3]int(pos), Block: rid})
}

func (v sessionViewer) ViewEntitySpawn(e world.EntitySnapshot) {
	v.s.enqueueJSON(EntitySpawnMessage{Type: MessageEntitySpawn, ID: e.ID.String(), EntityType: e.Type, Pos: [3]float64(e.Position)})
}

func (v sessionViewer) ViewEntityMove(id uuid.UUID, pos mgl64.Vec3) {
	v.s.enqueueJSON(EntityMoveMessage{Type: MessageEntityMove, ID: id.String(), Pos: [3]float64(pos)})
}

func (v sessionViewer) ViewEntityDespawn(id uuid.UUID) {
	v.s.enqueueJSON(EntityDespawnMessage{Type: MessageEntityDespawn, ID: id.String()})
}
