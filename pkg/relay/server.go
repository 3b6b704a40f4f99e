package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tandem-engine/tandem/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Run after a graceful shutdown.
var ErrServerClosed = errors.New("relay: server closed")

// Server is the rendezvous relay. Clients connect to /ws, receive a
// hello envelope assigning their peer ID, and from then on every frame
// they send is routed per the package rules.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	rooms    map[string]map[string]string
	closed   bool

	rpcMu    sync.Mutex
	handlers map[string]Definition
}

// New builds a Server from cfg. Zero-valued fields take their
// DefaultConfig equivalents.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "relay"),
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]string),
		handlers: make(map[string]Definition),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return s, nil
}

// Handler returns the relay's HTTP surface: the WebSocket endpoint at
// /ws, a liveness probe at /healthz, and Prometheus metrics at /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves on the configured address until ctx is canceled, then
// shuts down gracefully: the listener closes, every client is told the
// server is going away, and in-flight writes get ShutdownTimeout to
// finish. Returns ErrServerClosed on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("relay listening", "address", s.cfg.Address)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ErrServerClosed
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ErrServerClosed
	}
	return err
}

// Close severs every client connection. Idempotent. A Server handed to
// an http.Server through Handler should be closed when that server
// stops; Run does this itself.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.rooms = make(map[string]map[string]string)
	s.mu.Unlock()

	s.cfg.Metrics.setConnections(0)
	s.cfg.Metrics.setRooms(0)
	for _, sess := range sessions {
		sess.write(protocol.NewFatalErrorEnvelope(protocol.ErrCodeServerError, "server shutting down"))
		sess.close()
	}
}

// handleWS upgrades one client, assigns it a peer ID, sends the hello,
// and pumps its frames until the socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if len(s.sessions) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.log.Warn("refusing connection at capacity", "max", s.cfg.MaxConnections)
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(protocol.MaxEnvelopeSize)

	sess := newSession(s, protocol.NewID(), conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.cfg.Metrics.setConnections(n)
	s.log.Info("client connected", "peer_id", sess.id, "remote", r.RemoteAddr, "connections", n)

	sess.write(protocol.NewHello(sess.id))
	sess.readLoop()
	s.dropSession(sess)
}

// dropSession forgets a session and announces its departure to its room.
func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.mu.Unlock()

	sess.close()
	s.cfg.Metrics.setConnections(n)
	s.log.Info("client disconnected", "peer_id", sess.id, "connections", n)
	s.leaveRoom(sess, "connection closed")
}

// session returns the live session for a peer ID, or nil.
func (s *Server) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Stats is a point-in-time snapshot of relay occupancy.
type Stats struct {
	Connections int
	Rooms       int
}

// Stats snapshots the relay's occupancy.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: len(s.sessions), Rooms: len(s.rooms)}
}
