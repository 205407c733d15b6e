package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stratum-world/stratum/server/world"
)

// Server implements a Stratum server. It runs a single simulated world and
// exposes it to observers through a websocket gateway.
type Server struct {
	conf  Config
	world *world.World

	smu      sync.Mutex
	sessions map[*session]struct{}
	listener net.Listener
	hsrv     *http.Server
	closed   bool

	once     sync.Once
	closeErr error
}

// World returns the world the Server simulates.
func (srv *Server) World() *world.World {
	return srv.world
}

// Listen makes the Server start accepting observer connections on the
// configured address. It returns once the listener is bound; connections are
// handled in the background until Close is called.
func (srv *Server) Listen() error {
	srv.smu.Lock()
	defer srv.smu.Unlock()
	if srv.closed {
		return errors.New("server closed")
	}
	if srv.listener != nil {
		return errors.New("server already listening")
	}
	l, err := net.Listen("tcp", srv.conf.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv.listener = l
	srv.hsrv = &http.Server{Handler: srv.handler()}
	go func() {
		if err := srv.hsrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.conf.Log.Error("gateway: " + err.Error())
		}
	}()
	srv.conf.Log.Info("Observer gateway listening.", "addr", l.Addr().String())
	return nil
}

// Addr returns the address the observer gateway is bound to. It returns nil
// if Listen has not been called.
func (srv *Server) Addr() net.Addr {
	srv.smu.Lock()
	defer srv.smu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// ObserverCount returns the number of observers currently connected to the
// gateway.
func (srv *Server) ObserverCount() int {
	srv.smu.Lock()
	defer srv.smu.Unlock()
	return len(srv.sessions)
}

// Close closes the Server: the gateway stops accepting connections, all
// connected observers are disconnected and the world is closed, saving its
// data. Close is safe to call multiple times.
func (srv *Server) Close() error {
	srv.once.Do(srv.close)
	return srv.closeErr
}

func (srv *Server) close() {
	srv.smu.Lock()
	srv.closed = true
	hsrv := srv.hsrv
	open := make([]*session, 0, len(srv.sessions))
	for s := range srv.sessions {
		open = append(open, s)
	}
	srv.smu.Unlock()

	if hsrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		_ = hsrv.Shutdown(ctx)
		cancel()
	}
	// Shutdown does not touch hijacked connections, so websocket sessions are
	// closed explicitly. Their cleanup tasks must reach the world before it
	// stops accepting them.
	for _, s := range open {
		s.disconnect(websocket.CloseGoingAway, "server closing")
	}
	for _, s := range open {
		select {
		case <-s.done:
		case <-time.After(time.Second * 2):
		}
	}
	srv.closeErr = srv.world.Close()
}

// handler returns the HTTP handler of the observer gateway.
func (srv *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/observe", srv.handleObserve)
	return mux
}

// handleStatus reports a JSON summary of the server and world state.
func (srv *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w := srv.world
	m := w.Metrics()
	resp := StatusResponse{
		Protocol:  ProtocolVersion,
		Name:      w.Name(),
		Tick:      w.CurrentTick(),
		TPS:       w.TPS(),
		Chunks:    w.LoadedChunkCount(),
		Entities:  w.EntityCount(),
		Observers: srv.ObserverCount(),
		Degraded:  w.Degraded(),
		Metrics: StatusMetrics{
			StaleInstalls:       m.StaleInstalls,
			DroppedTasks:        m.DroppedTasks,
			CorruptPayloads:     m.CorruptPayloads,
			GenerationRetries:   m.GenerationRetries,
			GenerationFallbacks: m.GenerationFallbacks,
			ReadRetries:         m.ReadRetries,
			SaveFailures:        m.SaveFailures,
			HookTimeouts:        m.HookTimeouts,
			TruncatedTicks:      m.TruncatedTicks,
			EvictedColumns:      m.EvictedColumns,
			LateTicks:           m.LateTicks,
		},
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

// addSession registers a freshly upgraded observer session, refusing it if
// the server is closed or full.
func (srv *Server) addSession(s *session) error {
	srv.smu.Lock()
	defer srv.smu.Unlock()
	if srv.closed {
		return errors.New("server closed")
	}
	if len(srv.sessions) >= srv.conf.MaxObservers {
		return fmt.Errorf("observer limit of %v reached", srv.conf.MaxObservers)
	}
	srv.sessions[s] = struct{}{}
	return nil
}

// removeSession deregisters a closed observer session.
func (srv *Server) removeSession(s *session) {
	srv.smu.Lock()
	defer srv.smu.Unlock()
	delete(srv.sessions, s)
}
