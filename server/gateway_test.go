package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stratum-world/stratum/server/world"
	"github.com/stratum-world/stratum/server/world/chunk"
)

// newTestServer starts a server on a loopback port with persistence disabled.
func newTestServer(t *testing.T, mod func(*Config)) *Server {
	t.Helper()
	conf := Config{
		Log:          discardLogger(),
		Address:      "127.0.0.1:0",
		TickInterval: time.Millisecond * 5,
	}
	if mod != nil {
		mod(&conf)
	}
	srv := conf.New()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("close server: %v", err)
		}
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return srv
}

func dialObserver(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%v/observe", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, radius int, centre [3]float64) {
	t.Helper()
	msg := SubscribeMessage{Type: MessageSubscribe, Protocol: ProtocolVersion, Radius: radius, Centre: centre}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

// readMessage reads one gateway message, returning its type and raw bytes.
func readMessage(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read gateway message: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		t.Fatalf("malformed gateway message: %v", err)
	}
	return head.Type, b
}

// awaitMessage reads messages until one of the wanted type arrives.
func awaitMessage(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		typ, b := readMessage(t, conn)
		if typ == want {
			return b
		}
	}
	t.Fatalf("no %v message arrived", want)
	return nil
}

// awaitChunk reads messages until the chunk at pos arrives, returning its
// decoded column.
func awaitChunk(t *testing.T, conn *websocket.Conn, pos world.ChunkPos) *chunk.Column {
	t.Helper()
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		var msg ChunkMessage
		if err := json.Unmarshal(awaitMessage(t, conn, MessageChunk), &msg); err != nil {
			t.Fatalf("malformed chunk message: %v", err)
		}
		if msg.X != pos.X() || msg.Z != pos.Z() {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			t.Fatalf("chunk data is not valid base64: %v", err)
		}
		col, err := chunk.Decode(payload)
		if err != nil {
			t.Fatalf("decode chunk payload: %v", err)
		}
		return col
	}
	t.Fatalf("chunk %v never arrived", pos)
	return nil
}

// paletteRID resolves a block name against the palette of a hello message.
func paletteRID(t *testing.T, hello HelloMessage, name string) uint32 {
	t.Helper()
	i := slices.Index(hello.BlockPalette, name)
	if i < 0 {
		t.Fatalf("block %v missing from palette %v", name, hello.BlockPalette)
	}
	return uint32(i)
}

func TestGatewayHandshake(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialObserver(t, srv)
	subscribe(t, conn, 1, [3]float64{8, 64, 8})

	typ, b := readMessage(t, conn)
	if typ != MessageHello {
		t.Fatalf("first message is %v, want hello", typ)
	}
	var hello HelloMessage
	if err := json.Unmarshal(b, &hello); err != nil {
		t.Fatalf("malformed hello: %v", err)
	}
	if hello.Protocol != ProtocolVersion {
		t.Fatalf("hello protocol %v, want %v", hello.Protocol, ProtocolVersion)
	}
	if hello.Name != "Stratum Server" {
		t.Fatalf("hello name %v", hello.Name)
	}
	if hello.Encoding != ChunkEncoding {
		t.Fatalf("hello encoding %v", hello.Encoding)
	}
	if hello.Radius != 1 {
		t.Fatalf("granted radius %v, want 1", hello.Radius)
	}
	if len(hello.BlockPalette) != 6 || hello.BlockPalette[0] != BlockAir {
		t.Fatalf("unexpected palette %v", hello.BlockPalette)
	}

	// The default terrain should put a grass surface somewhere in the first
	// chunk column.
	col := awaitChunk(t, conn, world.ChunkPos{0, 0})
	grass := paletteRID(t, hello, BlockGrass)
	found := false
	for y := 40; y < 80 && !found; y++ {
		found = col.Chunk.Block(0, y, 0) == grass
	}
	if !found {
		t.Fatalf("no grass surface in the delivered chunk")
	}
}

func TestGatewayRejectsWrongProtocol(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialObserver(t, srv)

	msg := SubscribeMessage{Type: MessageSubscribe, Protocol: "999", Radius: 1}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived a bad handshake")
	}
}

func TestGatewaySetBlockBroadcasts(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialObserver(t, srv)
	subscribe(t, conn, 1, [3]float64{8, 64, 8})

	var hello HelloMessage
	if err := json.Unmarshal(awaitMessage(t, conn, MessageHello), &hello); err != nil {
		t.Fatalf("malformed hello: %v", err)
	}
	awaitChunk(t, conn, world.ChunkPos{0, 0})

	target := [3]int{8, 200, 8}
	if err := conn.WriteJSON(SetBlockMessage{Type: MessageSetBlock, Pos: target, Block: BlockStone}); err != nil {
		t.Fatalf("set_block: %v", err)
	}

	var update BlockUpdateMessage
	if err := json.Unmarshal(awaitMessage(t, conn, MessageBlockUpdate), &update); err != nil {
		t.Fatalf("malformed block update: %v", err)
	}
	if update.Pos != target {
		t.Fatalf("block update at %v, want %v", update.Pos, target)
	}
	if want := paletteRID(t, hello, BlockStone); update.Block != want {
		t.Fatalf("block update carries runtime ID %v, want %v", update.Block, want)
	}
}

func TestGatewayRejectsUnknownBlock(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialObserver(t, srv)
	subscribe(t, conn, 1, [3]float64{8, 64, 8})
	awaitMessage(t, conn, MessageHello)

	if err := conn.WriteJSON(SetBlockMessage{Type: MessageSetBlock, Pos: [3]int{0, 64, 0}, Block: "stratum:bogus"}); err != nil {
		t.Fatalf("set_block: %v", err)
	}
	var e ErrorMessage
	if err := json.Unmarshal(awaitMessage(t, conn, MessageError), &e); err != nil {
		t.Fatalf("malformed error message: %v", err)
	}
	if e.Message == "" {
		t.Fatalf("error message has no description")
	}
}

func TestGatewayStreamsEntities(t *testing.T) {
	srv := newTestServer(t, nil)
	w := srv.World()
	waitForActive(t, w, world.ChunkPos{0, 0})

	var (
		id       uuid.UUID
		spawnErr error
	)
	<-w.Exec(func(tx *world.Tx) {
		e, err := tx.SpawnEntity(EntityMarker, mgl64.Vec3{8, 80, 8})
		if err != nil {
			spawnErr = err
			return
		}
		id = e.UUID()
	})
	if spawnErr != nil {
		t.Fatalf("spawn marker: %v", spawnErr)
	}

	conn := dialObserver(t, srv)
	subscribe(t, conn, 1, [3]float64{8, 64, 8})

	var spawn EntitySpawnMessage
	if err := json.Unmarshal(awaitMessage(t, conn, MessageEntitySpawn), &spawn); err != nil {
		t.Fatalf("malformed entity spawn: %v", err)
	}
	if spawn.ID != id.String() {
		t.Fatalf("spawn for entity %v, want %v", spawn.ID, id)
	}
	if spawn.EntityType != EntityMarker {
		t.Fatalf("spawn of type %v", spawn.EntityType)
	}

	w.Exec(func(tx *world.Tx) {
		tx.RemoveEntity(id)
	})
	var despawn EntityDespawnMessage
	if err := json.Unmarshal(awaitMessage(t, conn, MessageEntityDespawn), &despawn); err != nil {
		t.Fatalf("malformed entity despawn: %v", err)
	}
	if despawn.ID != id.String() {
		t.Fatalf("despawn for entity %v, want %v", despawn.ID, id)
	}
}

func TestGatewayObserverLimit(t *testing.T) {
	srv := newTestServer(t, func(conf *Config) {
		conf.MaxObservers = 1
	})
	first := dialObserver(t, srv)
	subscribe(t, first, 1, [3]float64{})
	awaitMessage(t, first, MessageHello)

	second := dialObserver(t, srv)
	subscribe(t, second, 1, [3]float64{})
	_ = second.SetReadDeadline(time.Now().Add(time.Second * 5))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatalf("second observer was not refused")
	}
	if n := srv.ObserverCount(); n != 1 {
		t.Fatalf("%v observers connected, want 1", n)
	}
}

func TestGatewayWhitelist(t *testing.T) {
	wl, err := LoadWhitelist(filepath.Join(t.TempDir(), "whitelist.toml"))
	if err != nil {
		t.Fatalf("load whitelist: %v", err)
	}
	wl.SetEnabled(true)
	srv := newTestServer(t, func(conf *Config) {
		conf.Allower = wl
	})

	// The loopback host is not whitelisted yet, so the connection must be
	// closed before any handshake takes place.
	denied := dialObserver(t, srv)
	_ = denied.SetReadDeadline(time.Now().Add(time.Second * 5))
	if _, _, err := denied.ReadMessage(); err == nil {
		t.Fatalf("connection from a non-whitelisted host was not closed")
	}

	if _, err := wl.Add("127.0.0.1"); err != nil {
		t.Fatalf("add host: %v", err)
	}
	allowed := dialObserver(t, srv)
	subscribe(t, allowed, 1, [3]float64{})
	awaitMessage(t, allowed, MessageHello)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%v/status", srv.Addr()))
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint returned %v", resp.StatusCode)
	}
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Protocol != ProtocolVersion {
		t.Fatalf("status protocol %v", st.Protocol)
	}
	if st.Name != "Stratum Server" {
		t.Fatalf("status name %v", st.Name)
	}
	if st.TPS <= 0 {
		t.Fatalf("status reports TPS %v", st.TPS)
	}
}
