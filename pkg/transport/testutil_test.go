package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/segmentio/encoding/json"
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// testRelay is a miniature rendezvous server: it assigns peer IDs,
// answers pings, fans out room joins, and forwards targeted envelopes
// between its clients. Everything a client sends lands in inbox before
// routing, with the envelope exactly as received.
type testRelay struct {
	tb     testing.TB
	srv    *httptest.Server
	silent bool

	mu     sync.Mutex
	nextID int
	conns  map[string]*relaySession
	rooms  map[string]map[string]string
	refuse bool
	rpcFn  func(from string, req *protocol.RPCPayload) *protocol.Envelope

	inbox chan relayInbound
}

type relaySession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type relayInbound struct {
	from string
	env  *protocol.Envelope
}

func newTestRelay(tb testing.TB) *testRelay {
	tb.Helper()
	return startRelay(tb, false)
}

// newSilentRelay accepts sockets but never sends the hello, so
// handshake timeouts can be provoked.
func newSilentRelay(tb testing.TB) *testRelay {
	tb.Helper()
	return startRelay(tb, true)
}

func startRelay(tb testing.TB, silent bool) *testRelay {
	r := &testRelay{
		tb:     tb,
		silent: silent,
		conns:  make(map[string]*relaySession),
		rooms:  make(map[string]map[string]string),
		inbox:  make(chan relayInbound, 256),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	tb.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// setRefuse makes future connection attempts fail at the handshake.
func (r *testRelay) setRefuse(v bool) {
	r.mu.Lock()
	r.refuse = v
	r.mu.Unlock()
}

// setRPC installs the handler for rpc requests addressed to the relay
// itself. Returning nil swallows the request. Without a handler the
// relay answers method-not-found, like the real one.
func (r *testRelay) setRPC(fn func(from string, req *protocol.RPCPayload) *protocol.Envelope) {
	r.mu.Lock()
	r.rpcFn = fn
	r.mu.Unlock()
}

func (r *testRelay) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *testRelay) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	refuse := r.refuse
	r.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	if r.silent {
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				return
			}
		}
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("peer-%02d", r.nextID)
	sess := &relaySession{id: id, conn: conn}
	r.conns[id] = sess
	r.mu.Unlock()

	r.write(sess, protocol.NewHello(id))
	defer r.dropSession(id)

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			continue
		}
		select {
		case r.inbox <- relayInbound{from: id, env: env}:
		default:
		}
		routed := *env
		routed.SenderID = id
		r.route(sess, &routed)
	}
}

func (r *testRelay) route(sess *relaySession, env *protocol.Envelope) {
	if env.TargetID != "" && env.TargetID != sess.id {
		r.mu.Lock()
		target := r.conns[env.TargetID]
		r.mu.Unlock()
		if target != nil {
			r.write(target, env)
		}
		return
	}
	switch env.Kind {
	case protocol.KindPing:
		p, err := protocol.DecodePingPong(env.Payload)
		if err != nil {
			return
		}
		pong := protocol.NewPong(p.SentAt)
		pong.Reliable = env.Reliable
		r.write(sess, pong)
	case protocol.KindJoin:
		r.join(sess, env)
	case protocol.KindLeave:
		r.leave(sess.id, "leave")
	case protocol.KindRPC:
		p, err := protocol.DecodeRPC(env.Payload)
		if err != nil || !p.IsRequest() {
			return
		}
		r.mu.Lock()
		fn := r.rpcFn
		r.mu.Unlock()
		resp := protocol.NewRPCError(p.RequestID, "method not found: "+p.Method)
		if fn != nil {
			resp = fn(sess.id, p)
		}
		if resp != nil {
			r.write(sess, resp)
		}
	default:
		r.fanout(sess.id, env)
	}
}

func (r *testRelay) join(sess *relaySession, env *protocol.Envelope) {
	p, err := protocol.DecodeJoin(env.Payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	room := r.rooms[p.RoomID]
	if room == nil {
		room = make(map[string]string)
		r.rooms[p.RoomID] = room
	}
	roster := make([]protocol.PeerInfo, 0, len(room))
	var members []*relaySession
	for pid, name := range room {
		if pid == sess.id {
			continue
		}
		roster = append(roster, protocol.PeerInfo{PeerID: pid, DisplayName: name})
		if s := r.conns[pid]; s != nil {
			members = append(members, s)
		}
	}
	room[sess.id] = p.DisplayName
	r.mu.Unlock()

	if len(roster) > 0 {
		rosterEnv, rerr := protocol.New(protocol.KindJoin, &protocol.JoinPayload{
			RoomID: p.RoomID,
			Peers:  roster,
		})
		if rerr == nil {
			r.write(sess, rosterEnv)
		}
	}
	announce, aerr := protocol.New(protocol.KindJoin, &protocol.JoinPayload{
		RoomID:      p.RoomID,
		DisplayName: p.DisplayName,
	})
	if aerr != nil {
		return
	}
	announce.SenderID = sess.id
	for _, m := range members {
		r.write(m, announce)
	}
}

func (r *testRelay) leave(id, reason string) {
	r.mu.Lock()
	var notify []*relaySession
	var roomID string
	for rid, room := range r.rooms {
		if _, ok := room[id]; !ok {
			continue
		}
		delete(room, id)
		roomID = rid
		for pid := range room {
			if s := r.conns[pid]; s != nil {
				notify = append(notify, s)
			}
		}
	}
	r.mu.Unlock()
	if roomID == "" {
		return
	}
	env, err := protocol.New(protocol.KindLeave, &protocol.LeavePayload{
		RoomID: roomID,
		PeerID: id,
		Reason: reason,
	})
	if err != nil {
		return
	}
	for _, s := range notify {
		r.write(s, env)
	}
}

func (r *testRelay) fanout(from string, env *protocol.Envelope) {
	r.mu.Lock()
	var targets []*relaySession
	for _, room := range r.rooms {
		if _, ok := room[from]; !ok {
			continue
		}
		for pid := range room {
			if pid == from {
				continue
			}
			if s := r.conns[pid]; s != nil {
				targets = append(targets, s)
			}
		}
	}
	r.mu.Unlock()
	for _, s := range targets {
		r.write(s, env)
	}
}

func (r *testRelay) write(sess *relaySession, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		r.tb.Errorf("relay encode: %v", err)
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.WriteMessage(websocket.TextMessage, data)
}

// sendTo injects env into peerID's connection as if another party had
// sent it.
func (r *testRelay) sendTo(peerID string, env *protocol.Envelope) {
	r.tb.Helper()
	r.mu.Lock()
	sess := r.conns[peerID]
	r.mu.Unlock()
	if sess == nil {
		r.tb.Fatalf("no session for %s", peerID)
	}
	r.write(sess, env)
}

func (r *testRelay) dropSession(id string) {
	r.mu.Lock()
	sess := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if sess != nil {
		_ = sess.conn.Close()
	}
	r.leave(id, "connection closed")
}

// dropAll severs every client, simulating a network failure.
func (r *testRelay) dropAll() {
	r.mu.Lock()
	sessions := make([]*relaySession, 0, len(r.conns))
	for id, s := range r.conns {
		sessions = append(sessions, s)
		delete(r.conns, id)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

// expectInbound waits for the next inbound envelope keep accepts.
func (r *testRelay) expectInbound(t *testing.T, timeout time.Duration, what string, keep func(relayInbound) bool) relayInbound {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case in := <-r.inbox:
			if keep(in) {
				return in
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return relayInbound{}
		}
	}
}

// drainInbox empties the inbox and returns what was buffered.
func (r *testRelay) drainInbox() []relayInbound {
	var out []relayInbound
	for {
		select {
		case in := <-r.inbox:
			out = append(out, in)
		default:
			return out
		}
	}
}

// newTestManager builds a manager against the relay with timeouts sized
// for tests.
func newTestManager(tb testing.TB, r *testRelay, mutate ...func(*Config)) *Manager {
	tb.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = r.url()
	cfg.Timeout = 2 * time.Second
	cfg.CallTimeout = 2 * time.Second
	cfg.PingInterval = 25 * time.Millisecond
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		tb.Fatalf("New: %v", err)
	}
	tb.Cleanup(func() { _ = m.Close() })
	return m
}

func connectManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder captures a manager's events for later assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(t *testing.T, m *Manager) *eventRecorder {
	t.Helper()
	ch, cancel := m.Events()
	t.Cleanup(cancel)
	r := &eventRecorder{}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) findLast(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func chatEnv(t *testing.T, text string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.KindChat, map[string]string{"text": text})
	if err != nil {
		t.Fatalf("chat envelope: %v", err)
	}
	return env
}

func chatText(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("chat payload: %v", err)
	}
	return p.Text
}

// fakeNet pairs in-memory links by peer ID so two managers in one test
// exchange frames without WebRTC.
type fakeNet struct {
	mu    sync.Mutex
	links map[string]*fakeLink
	fail  map[string]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		links: make(map[string]*fakeLink),
		fail:  make(map[string]bool),
	}
}

// failLinksTo makes every future link toward remoteID fail to build, so
// traffic to that peer stays on the relay.
func (n *fakeNet) failLinksTo(remoteID string) {
	n.mu.Lock()
	n.fail[remoteID] = true
	n.mu.Unlock()
}

func (n *fakeNet) link(local, remote string) *fakeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[local+"->"+remote]
}

func (n *fakeNet) remoteOf(l *fakeLink) *fakeLink {
	return n.link(l.remote, l.local)
}

// fakeDialer builds fakeLinks. bind attaches the owning manager's
// identity once it is known, after the relay assigns it.
type fakeDialer struct {
	net *fakeNet

	mu    sync.Mutex
	local func() string
}

func (d *fakeDialer) bind(idFn func() string) {
	d.mu.Lock()
	d.local = idFn
	d.mu.Unlock()
}

func (d *fakeDialer) NewLink(remoteID string, hooks LinkHooks, onCandidate func(webrtc.ICECandidateInit)) (PeerLink, error) {
	d.mu.Lock()
	idFn := d.local
	d.mu.Unlock()
	if idFn == nil {
		return nil, fmt.Errorf("fake dialer not bound")
	}
	d.net.mu.Lock()
	refused := d.net.fail[remoteID]
	d.net.mu.Unlock()
	if refused {
		return nil, fmt.Errorf("fake link to %s refused", remoteID)
	}
	l := &fakeLink{
		net:    d.net,
		local:  idFn(),
		remote: remoteID,
		hooks:  hooks,
		onCand: onCandidate,
	}
	d.net.mu.Lock()
	d.net.links[l.local+"->"+l.remote] = l
	d.net.mu.Unlock()
	return l, nil
}

// newFakePeerManager builds a connected-ready manager whose peer links
// run over net instead of WebRTC.
func newFakePeerManager(t *testing.T, r *testRelay, net *fakeNet, mutate ...func(*Config)) *Manager {
	t.Helper()
	fd := &fakeDialer{net: net}
	all := append([]func(*Config){func(c *Config) { c.Dialer = fd }}, mutate...)
	m := newTestManager(t, r, all...)
	fd.bind(m.LocalID)
	return m
}

// fakeLink mimics a negotiated link: the responder opens when it
// answers, the initiator when the answer lands. Frames cross to the
// paired link asynchronously, like a real network.
type fakeLink struct {
	net    *fakeNet
	local  string
	remote string
	hooks  LinkHooks
	onCand func(webrtc.ICECandidateInit)

	mu         sync.Mutex
	relState   ChannelState
	unrelState ChannelState
	relSent    int
	unrelSent  int
	candidates int
}

func (l *fakeLink) Offer() (string, error) {
	l.mu.Lock()
	l.relState = ChannelNegotiating
	l.unrelState = ChannelNegotiating
	l.mu.Unlock()
	// Candidates outrun the offer on purpose, like real trickle ICE.
	if l.onCand != nil {
		l.onCand(webrtc.ICECandidateInit{Candidate: "candidate:0 1 udp 2122260223 127.0.0.1 40000 typ host"})
	}
	return "offer:" + l.local, nil
}

func (l *fakeLink) HandleOffer(sdp string) (string, error) {
	if !strings.HasPrefix(sdp, "offer:") {
		return "", fmt.Errorf("unexpected offer %q", sdp)
	}
	if l.onCand != nil {
		l.onCand(webrtc.ICECandidateInit{Candidate: "candidate:0 1 udp 2122260223 127.0.0.1 40001 typ host"})
	}
	l.open()
	return "answer:" + l.local, nil
}

func (l *fakeLink) HandleAnswer(sdp string) error {
	if !strings.HasPrefix(sdp, "answer:") {
		return fmt.Errorf("unexpected answer %q", sdp)
	}
	l.open()
	return nil
}

func (l *fakeLink) AddCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	l.candidates++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) open() {
	l.mu.Lock()
	first := l.relState != ChannelOpen
	l.relState = ChannelOpen
	l.unrelState = ChannelOpen
	l.mu.Unlock()
	if first && l.hooks.OnOpen != nil {
		l.hooks.OnOpen()
	}
}

func (l *fakeLink) SendReliable(data []byte) error   { return l.deliver(data, true) }
func (l *fakeLink) SendUnreliable(data []byte) error { return l.deliver(data, false) }

func (l *fakeLink) deliver(data []byte, reliable bool) error {
	l.mu.Lock()
	st := l.relState
	if !reliable {
		st = l.unrelState
	}
	if st != ChannelOpen {
		l.mu.Unlock()
		return ErrNoOpenChannel
	}
	if reliable {
		l.relSent++
	} else {
		l.unrelSent++
	}
	l.mu.Unlock()
	remote := l.net.remoteOf(l)
	if remote == nil {
		return fmt.Errorf("no remote link for %s", l.remote)
	}
	cp := append([]byte(nil), data...)
	go remote.hooks.OnMessage(cp, reliable)
	return nil
}

func (l *fakeLink) sent() (reliable, unreliable int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relSent, l.unrelSent
}

func (l *fakeLink) candidateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.candidates
}

// closeUnreliable simulates losing just the unreliable channel.
func (l *fakeLink) closeUnreliable() {
	l.mu.Lock()
	l.unrelState = ChannelClosed
	l.mu.Unlock()
}

func (l *fakeLink) ReliableState() ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relState
}

func (l *fakeLink) UnreliableState() ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unrelState
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.relState = ChannelClosed
	l.unrelState = ChannelClosed
	l.mu.Unlock()
	return nil
}
