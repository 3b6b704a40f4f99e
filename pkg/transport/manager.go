package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/tandem-engine/tandem/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// Manager owns one signaling connection and the direct peer links that
// hang off it. All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	dialer PeerDialer

	// mu guards the connection, its identity, the room membership, and
	// the offline queue. Held across queue flushes so no Send can observe
	// StateConnected before queued envelopes have drained.
	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	epoch    uint64
	stop     chan struct{}
	localID  string
	serverAt int64
	room     string
	roomName string
	inRoom   bool
	queue    []*protocol.Envelope

	// writeMu serializes frames onto the socket. Acquired after mu when
	// both are needed, never the other way around.
	writeMu sync.Mutex

	peersMu sync.RWMutex
	peers   map[string]*Peer

	rpcMu    sync.Mutex
	pending  map[string]chan *protocol.RPCPayload
	handlers map[string]RPCDefinition

	hub    *eventHub
	closed atomic.Bool
	done   chan struct{}

	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	reconnects  atomic.Uint64
	latencyMs   atomic.Int64
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	State           ConnState
	LocalID         string
	Room            string
	Peers           int
	QueueLength     int
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	Reconnects      uint64
	EventsDropped   uint64
	LatencyMs       int64
}

// New builds a Manager from cfg. Zero-valued fields take their
// DefaultConfig equivalents. The manager starts disconnected; call
// Connect to dial the relay.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "transport"),
		state:    StateDisconnected,
		peers:    make(map[string]*Peer),
		pending:  make(map[string]chan *protocol.RPCPayload),
		handlers: make(map[string]RPCDefinition),
		hub:      newEventHub(cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	m.dialer = cfg.Dialer
	if m.dialer == nil {
		m.dialer = newWebRTCDialer(cfg)
	}
	return m, nil
}

// Connect dials the relay and completes the hello handshake. It is
// idempotent: calling while connected, or while another connect or an
// automatic reconnect is in flight, returns nil without a second dial.
// A failed initial connect leaves the manager in StateError and does
// not retry on its own.
func (m *Manager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	epoch := m.bumpEpochLocked()
	m.setStateLocked(StateConnecting, "connect requested")
	m.mu.Unlock()

	ctx, span := startSpan(ctx, "transport.connect",
		attribute.String("server.address", m.cfg.ServerURL))
	err := m.establish(ctx, epoch)
	endSpan(span, err)
	if err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.setStateLocked(StateError, "connect failed")
		}
		m.mu.Unlock()
		m.emit(Event{Kind: EventError, Err: err, Reason: "connect failed"})
		return err
	}
	return nil
}

// establish dials, waits for the hello, installs the connection, and
// flushes the offline queue before anyone can observe StateConnected.
// epoch pins the attempt: if any transition happened since the caller
// read it, the fresh connection is discarded.
func (m *Manager) establish(ctx context.Context, epoch uint64) error {
	conn, hello, err := m.dialAndHello(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed.Load() || m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.localID = hello.PeerID
	m.serverAt = hello.ServerTime
	stop := make(chan struct{})
	m.stop = stop
	m.flushQueueLocked()
	m.setStateLocked(StateConnected, "hello received")
	m.mu.Unlock()

	m.log.Info("connected", "peer_id", hello.PeerID, "server", m.cfg.ServerURL)
	m.emit(Event{Kind: EventConnected})
	go m.readLoop(conn, epoch)
	go m.pingLoop(stop)
	return nil
}

// dialAndHello opens the socket and blocks until the relay's hello
// assigns us a peer ID. Anything else arriving first is discarded.
func (m *Manager) dialAndHello(ctx context.Context) (*websocket.Conn, *protocol.StatePayload, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.Timeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.ServerURL, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %s", ErrConnectTimeout, m.cfg.ServerURL)
		}
		return nil, nil, fmt.Errorf("transport: dial %s: %w", m.cfg.ServerURL, err)
	}
	conn.SetReadLimit(protocol.MaxEnvelopeSize)

	deadline := time.Now().Add(m.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrHelloMissing, err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			m.cfg.Metrics.incBadEnvelope()
			m.log.Warn("discarding malformed envelope during handshake", "err", err)
			continue
		}
		if env.Kind != protocol.KindState {
			m.log.Debug("ignoring envelope before hello", "kind", env.Kind)
			continue
		}
		st, serr := protocol.DecodeState(env.Payload)
		if serr != nil || st.Type != protocol.StateHello || st.PeerID == "" {
			_ = conn.Close()
			return nil, nil, ErrHelloMissing
		}
		_ = conn.SetReadDeadline(time.Time{})
		return conn, st, nil
	}
}

// Disconnect closes the signaling connection and every peer link with
// no automatic reconnection. Queued reliable envelopes survive for the
// next Connect. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.bumpEpochLocked()
	m.teardownConnLocked()
	m.setStateLocked(StateDisconnected, "disconnect requested")
	m.mu.Unlock()

	m.clearPeers("disconnect")
	m.emit(Event{Kind: EventDisconnected, Reason: "disconnect requested"})
	return nil
}

// Close shuts the manager down for good. Every later operation returns
// ErrClosed and all event subscriptions end.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)
	err := m.Disconnect()
	m.hub.close()
	return err
}

// Send transmits env over the signaling connection, stamping the local
// peer ID as sender when unset. While disconnected, reliable envelopes
// queue in order and flush on the next successful connect; unreliable
// envelopes are dropped.
func (m *Manager) Send(env *protocol.Envelope) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if env == nil {
		return errors.New("transport: nil envelope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if env.SenderID == "" {
		env.SenderID = m.localID
	}
	if m.state == StateConnected && m.conn != nil {
		return m.writeConn(m.conn, env)
	}
	if !env.Reliable {
		m.log.Debug("dropping unreliable envelope while offline", "kind", env.Kind)
		return nil
	}
	m.queue = append(m.queue, env)
	m.cfg.Metrics.setQueueLength(len(m.queue))
	m.log.Debug("queued envelope for reconnect", "kind", env.Kind, "queued", len(m.queue))
	return nil
}

// SendToPeer delivers env to one peer. Unreliable envelopes prefer the
// unreliable channel and upgrade to the reliable one when that is all
// there is; reliable envelopes use only the reliable channel. With no
// open channel the envelope falls back to a targeted relay copy, which
// follows Send's offline rules.
func (m *Manager) SendToPeer(peerID string, env *protocol.Envelope) error {
	if m.closed.Load() {
		return ErrClosed
	}
	peer := m.peer(peerID)
	if peer == nil {
		return &PeerError{PeerID: peerID, Op: "send", Err: ErrPeerNotFound}
	}
	e := *env
	e.TargetID = peerID
	if e.SenderID == "" {
		e.SenderID = m.LocalID()
	}
	err := m.sendDirect(peer, &e)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoOpenChannel) {
		return &PeerError{PeerID: peerID, Op: "send", Err: err}
	}
	return m.Send(&e)
}

/// Broadcast delivers env to every known peer exactly once: over the
// direct channel where one is open, as a targeted relay copy otherwise.
// Every peer is attempted; the first failure is returned.
func (m *Manager) Broadcast(env *protocol.Envelope) error {
	if m.closed.Load() {
		return ErrClosed
	}
	sender := m.LocalID()
	var firstErr error
	for _, peer := range m.peerList() {
		e := *env
		e.TargetID = peer.ID
		if e.SenderID == "" {
			e.SenderID = sender
		}
		err := m.sendDirect(peer, &e)
		if errors.Is(err, ErrNoOpenChannel) {
			err = m.Send(&e)
		}
		if err != nil && firstErr == nil {
			firstErr = &PeerError{PeerID: peer.ID, Op: "broadcast", Err: err}
		}
	}
	return firstErr
}

// sendDirect routes env over peer's data channels by reliability, or
// reports ErrNoOpenChannel so the caller can fall back to the relay.
func (m *Manager) sendDirect(peer *Peer, env *protocol.Envelope) error {
	link := peer.getLink()
	if link == nil {
		return ErrNoOpenChannel
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	switch {
	case !env.Reliable && link.UnreliableState() == ChannelOpen:
		err = link.SendUnreliable(data)
	case link.ReliableState() == ChannelOpen:
		err = link.SendReliable(data)
	default:
		return ErrNoOpenChannel
	}
	if err != nil {
		return err
	}
	m.packetsSent.Add(1)
	m.bytesSent.Add(uint64(len(data)))
	m.cfg.Metrics.observeSent(string(env.Kind), "peer", len(data))
	return nil
}

// writeConn frames env onto conn. Callers hold mu or own the conn.
func (m *Manager) writeConn(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.Timeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	m.packetsSent.Add(1)
	m.bytesSent.Add(uint64(len(data)))
	m.cfg.Metrics.observeSent(string(env.Kind), "signaling", len(data))
	return nil
}

// flushQueueLocked drains the offline queue in arrival order. A write
// failure stops the flush and keeps the unsent tail queued; the dying
// connection surfaces through the read loop moments later.
func (m *Manager) flushQueueLocked() {
	if len(m.queue) == 0 {
		return
	}
	flushed := 0
	for _, env := range m.queue {
		if env.SenderID == "" {
			env.SenderID = m.localID
		}
		if err := m.writeConn(m.conn, env); err != nil {
			m.log.Warn("queue flush interrupted", "err", err, "remaining", len(m.queue)-flushed)
			break
		}
		flushed++
	}
	m.queue = append([]*protocol.Envelope(nil), m.queue[flushed:]...)
	if len(m.queue) == 0 {
		m.queue = nil
	}
	m.cfg.Metrics.setQueueLength(len(m.queue))
	if flushed > 0 {
		m.log.Debug("offline queue flushed", "count", flushed)
	}
}

// JoinRoom enters roomID, announcing displayName to the roster. While
// disconnected the join queues like any reliable envelope. The room is
// remembered and rejoined after an automatic reconnect.
func (m *Manager) JoinRoom(roomID, displayName string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if roomID == "" {
		return protocol.ErrMissingRoomID
	}
	if len(roomID) > protocol.MaxRoomIDLength {
		return protocol.ErrRoomIDTooLong
	}
	m.mu.Lock()
	m.room, m.roomName, m.inRoom = roomID, displayName, true
	m.mu.Unlock()
	m.log.Info("joining room", "room", roomID)
	return m.Send(protocol.NewJoin(roomID, displayName))
}

// LeaveRoom exits the current room and forgets every peer. A no-op when
// not in a room.
func (m *Manager) LeaveRoom() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	room, wasIn := m.room, m.inRoom
	m.room, m.roomName, m.inRoom = "", "", false
	m.mu.Unlock()
	if !wasIn {
		return nil
	}
	m.log.Info("leaving room", "room", room)
	err := m.Send(protocol.NewLeave(room, "leave"))
	m.clearPeers("left room")
	return err
}

// rejoinRoom replays the last join after a reconnect.
func (m *Manager) rejoinRoom() {
	m.mu.Lock()
	room, name, in := m.room, m.roomName, m.inRoom
	m.mu.Unlock()
	if !in {
		return
	}
	m.log.Info("rejoining room", "room", room)
	if err := m.Send(protocol.NewJoin(room, name)); err != nil {
		m.log.Warn("room rejoin failed", "room", room, "err", err)
	}
}

// readLoop pumps the signaling socket until it dies. Malformed frames
// are dropped with a warning; everything else dispatches by kind.
func (m *Manager) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(epoch, err)
			return
		}
		m.packetsRecv.Add(1)
		m.bytesRecv.Add(uint64(len(data)))
		env, derr := protocol.Decode(data)
		if derr != nil {
			m.cfg.Metrics.incBadEnvelope()
			m.log.Warn("discarding malformed envelope", "err", derr)
			continue
		}
		m.cfg.Metrics.observeRecv(string(env.Kind), "signaling", len(data))
		m.dispatch(env, source{})
	}
}

// pingLoop measures the signaling round trip and each open peer channel
// every PingInterval. Pings are unreliable, so none of them ever queue.
func (m *Manager) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		sender := m.LocalID()
		ping := protocol.NewPing().Unreliable()
		ping.SenderID = sender
		if err := m.Send(ping); err != nil {
			m.log.Debug("signaling ping failed", "err", err)
		}
		for _, peer := range m.peerList() {
			p := protocol.NewPing().Unreliable()
			p.SenderID = sender
			p.TargetID = peer.ID
			if err := m.sendDirect(peer, p); err != nil && !errors.Is(err, ErrNoOpenChannel) {
				m.log.Debug("peer ping failed", "peer", peer.ID, "err", err)
			}
		}
	}
}

// source identifies where an inbound envelope arrived from, so replies
// can return over the same path.
type source struct {
	peer     *Peer
	reliable bool
}

// reply routes env back over the path the triggering envelope arrived
// on, falling back to the relay when a peer channel has gone away.
func (m *Manager) reply(env *protocol.Envelope, src source) error {
	if src.peer != nil {
		err := m.sendDirect(src.peer, env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoOpenChannel) {
			return err
		}
	}
	return m.Send(env)
}

func (m *Manager) dispatch(env *protocol.Envelope, src source) {
	if src.peer != nil {
		src.peer.touch()
	}
	switch env.Kind {
	case protocol.KindPing:
		m.handlePing(env, src)
	case protocol.KindPong:
		m.handlePong(env, src)
	case protocol.KindState:
		m.handleState(env)
	case protocol.KindJoin:
		m.handleJoin(env)
	case protocol.KindLeave:
		m.handleLeave(env)
	case protocol.KindRPC:
		m.handleRPC(env, src)
	case protocol.KindError:
		m.handleError(env)
	default:
		// sync, action, chat and anything future flow to subscribers.
		m.emit(Event{Kind: EventMessage, Envelope: env})
	}
}

func (m *Manager) handlePing(env *protocol.Envelope, src source) {
	p, err := protocol.DecodePingPong(env.Payload)
	if err != nil {
		m.log.Warn("bad ping payload", "err", err)
		return
	}
	pong := protocol.NewPong(p.SentAt)
	pong.Reliable = env.Reliable
	pong.SenderID = m.LocalID()
	pong.TargetID = env.SenderID
	if rerr := m.reply(pong, src); rerr != nil {
		m.log.Debug("pong reply failed", "err", rerr)
	}
}

func (m *Manager) handlePong(env *protocol.Envelope, src source) {
	p, err := protocol.DecodePingPong(env.Payload)
	if err != nil {
		m.log.Warn("bad pong payload", "err", err)
		return
	}
	rtt := protocol.NowMillis() - p.SentAt
	if rtt < 0 {
		rtt = 0
	}
	if src.peer != nil {
		src.peer.setLatency(rtt)
		return
	}
	// A pong relayed on behalf of a peer carries that peer's ID; the
	// relay's own pongs carry no sender.
	if env.SenderID != "" && env.SenderID != m.LocalID() {
		if peer := m.peer(env.SenderID); peer != nil {
			peer.setLatency(rtt)
			return
		}
	}
	m.latencyMs.Store(rtt)
	m.cfg.Metrics.setLatency(rtt)
}

func (m *Manager) handleState(env *protocol.Envelope) {
	st, err := protocol.DecodeState(env.Payload)
	if err == nil && st.Type == protocol.StateHello {
		// The handshake consumed the real hello; a straggler is stale.
		m.log.Debug("ignoring hello outside handshake", "peer_id", st.PeerID)
		return
	}
	m.emit(Event{Kind: EventMessage, Envelope: env})
}

// handleJoin absorbs both roster forms the relay fans out: the full
// list handed to a newcomer and the single announcement of one.
func (m *Manager) handleJoin(env *protocol.Envelope) {
	p, err := protocol.DecodeJoin(env.Payload)
	if err != nil {
		m.log.Warn("bad join payload", "err", err)
		return
	}
	local := m.LocalID()
	for _, info := range p.Peers {
		if info.PeerID == "" || info.PeerID == local {
			continue
		}
		m.ensurePeer(info.PeerID, info.DisplayName)
	}
	if env.SenderID != "" && env.SenderID != local {
		m.ensurePeer(env.SenderID, p.DisplayName)
	}
}

func (m *Manager) handleLeave(env *protocol.Envelope) {
	p, err := protocol.DecodeLeave(env.Payload)
	if err != nil {
		m.log.Warn("bad leave payload", "err", err)
		return
	}
	id := p.PeerID
	if id == "" {
		id = env.SenderID
	}
	reason := p.Reason
	if reason == "" {
		reason = "leave"
	}
	m.removePeer(id, reason)
}

func (m *Manager) handleError(env *protocol.Envelope) {
	p, err := protocol.DecodeError(env.Payload)
	if err != nil {
		m.log.Warn("bad error payload", "err", err)
		return
	}
	if p.IsFatal() {
		m.log.Error("fatal error from remote", "code", p.Code, "message", p.Message)
	} else {
		m.log.Warn("error from remote", "code", p.Code, "message", p.Message)
	}
	m.emit(Event{Kind: EventError, Err: p, Reason: p.Message})
}

// ensurePeer returns the registered peer, creating it when new. New
// peers are announced to subscribers, and negotiation starts when the
// local side initiates toward them. Returns nil at the peer limit.
func (m *Manager) ensurePeer(id, displayName string) *Peer {
	m.peersMu.Lock()
	if p, ok := m.peers[id]; ok {
		m.peersMu.Unlock()
		return p
	}
	if len(m.peers) >= m.cfg.MaxPeers {
		m.peersMu.Unlock()
		m.log.Warn("peer limit reached, ignoring roster entry", "peer", id, "max", m.cfg.MaxPeers)
		return nil
	}
	p := newPeer(id, displayName)
	m.peers[id] = p
	n := len(m.peers)
	m.peersMu.Unlock()

	m.cfg.Metrics.setPeers(n)
	m.log.Info("peer joined", "peer", id, "peers", n)
	info := p.Info()
	m.emit(Event{Kind: EventPeerJoined, Peer: &info})
	if m.initiates(id) {
		go m.negotiate(p)
	}
	return p
}

// initiates reports whether the local side opens the link to remoteID.
// The lexicographically smaller peer ID always initiates, so the two
// ends of a pair never both send offers.
func (m *Manager) initiates(remoteID string) bool {
	local := m.LocalID()
	return local != "" && local < remoteID
}

func (m *Manager) removePeer(id, reason string) {
	m.peersMu.Lock()
	p, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	n := len(m.peers)
	m.peersMu.Unlock()
	if !ok {
		return
	}
	p.closeLink()
	m.cfg.Metrics.setPeers(n)
	m.log.Info("peer left", "peer", id, "reason", reason)
	info := p.Info()
	m.emit(Event{Kind: EventPeerLeft, Peer: &info, Reason: reason})
}

func (m *Manager) clearPeers(reason string) {
	m.peersMu.Lock()
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.peersMu.Unlock()
	m.cfg.Metrics.setPeers(0)
	for _, p := range peers {
		p.closeLink()
		info := p.Info()
		m.emit(Event{Kind: EventPeerLeft, Peer: &info, Reason: reason})
	}
}

// linkFor returns the peer's link, creating one on first use. Both the
// initiator and the responder paths funnel through here, so a link is
// never created twice.
func (m *Manager) linkFor(peer *Peer) (PeerLink, error) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	if link := peer.getLink(); link != nil {
		return link, nil
	}
	link, err := m.dialer.NewLink(peer.ID, m.linkHooks(peer), func(c webrtc.ICECandidateInit) {
		m.sendCandidate(peer.ID, c)
	})
	if err != nil {
		return nil, err
	}
	peer.setLink(link)
	return link, nil
}

func (m *Manager) linkHooks(peer *Peer) LinkHooks {
	return LinkHooks{
		OnOpen: func() {
			peer.setState(PeerConnected)
			m.log.Info("peer channel open", "peer", peer.ID)
		},
		OnClose: func() {
			if peer.State() == PeerConnected {
				peer.setState(PeerDisconnected)
			}
		},
		OnFailed: func() {
			peer.setState(PeerFailed)
			m.log.Warn("peer link failed, traffic falls back to relay", "peer", peer.ID)
		},
		OnMessage: func(data []byte, reliable bool) {
			m.packetsRecv.Add(1)
			m.bytesRecv.Add(uint64(len(data)))
			env, err := protocol.Decode(data)
			if err != nil {
				m.cfg.Metrics.incBadEnvelope()
				m.log.Warn("discarding malformed peer envelope", "peer", peer.ID, "err", err)
				return
			}
			m.cfg.Metrics.observeRecv(string(env.Kind), "peer", len(data))
			m.dispatch(env, source{peer: peer, reliable: reliable})
		},
	}
}

func (m *Manager) peerFailed(peer *Peer, op string, err error) {
	peer.setState(PeerFailed)
	perr := &PeerError{PeerID: peer.ID, Op: op, Err: err}
	m.log.Warn("peer negotiation failed", "peer", peer.ID, "op", op, "err", err)
	m.emit(Event{Kind: EventError, Err: perr, Reason: "negotiation failed"})
}

func (m *Manager) peer(id string) *Peer {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	return m.peers[id]
}

// peerList snapshots known peers in a stable order.
func (m *Manager) peerList() []*Peer {
	m.peersMu.RLock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peersMu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (m *Manager) emit(ev Event) {
	m.cfg.Metrics.addEventsDropped(m.hub.emit(ev))
}

func (m *Manager) setStateLocked(s ConnState, reason string) {
	if m.state == s {
		return
	}
	old := m.state
	m.state = s
	m.log.Debug("connection state changed", "from", old, "to", s, "reason", reason)
	m.emit(Event{Kind: EventStateChanged, State: s, Reason: reason})
}

func (m *Manager) bumpEpochLocked() uint64 {
	m.epoch++
	return m.epoch
}

// teardownConnLocked closes the active connection and stops its loops.
func (m *Manager) teardownConnLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// Events subscribes to transport events. The returned cancel function
// releases the subscription; events overflowing the buffer are dropped
// and counted, never blocked on.
func (m *Manager) Events() (<-chan Event, func()) {
	return m.hub.subscribe()
}

// State returns the connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LocalID returns the peer ID the relay assigned, or "" before the
// first successful connect.
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// Latency returns the last measured signaling round trip in
// milliseconds.
func (m *Manager) Latency() int64 {
	return m.latencyMs.Load()
}

// Peers snapshots the known peers sorted by ID.
func (m *Manager) Peers() []PeerInfo {
	peers := m.peerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = p.Info()
	}
	return infos
}

// Stats snapshots the transport counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		State:       m.state,
		LocalID:     m.localID,
		Room:        m.room,
		QueueLength: len(m.queue),
	}
	m.mu.Unlock()
	m.peersMu.RLock()
	st.Peers = len(m.peers)
	m.peersMu.RUnlock()
	st.BytesSent = m.bytesSent.Load()
	st.BytesReceived = m.bytesRecv.Load()
	st.PacketsSent = m.packetsSent.Load()
	st.PacketsReceived = m.packetsRecv.Load()
	st.Reconnects = m.reconnects.Load()
	st.EventsDropped = m.hub.dropped.Load()
	st.LatencyMs = m.latencyMs.Load()
	return st
}
