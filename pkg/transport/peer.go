package transport

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// PeerState is the lifecycle state of one peer connection.
type PeerState uint8

const (
	// PeerNegotiating means channel negotiation is in flight (or the peer
	// is relay-only and will stay in this state).
	PeerNegotiating PeerState = iota

	// PeerConnected means at least one data channel is open.
	PeerConnected

	// PeerDisconnected means every channel has closed.
	PeerDisconnected

	// PeerFailed means the underlying connection reported failure.
	PeerFailed
)

// String returns the state's name.
func (s PeerState) String() string {
	switch s {
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChannelState is the explicit open/closed state of one data channel.
// A channel is never a nullable handle: it is idle until negotiation
// starts and closed forever once it closes.
type ChannelState uint8

const (
	ChannelIdle ChannelState = iota
	ChannelNegotiating
	ChannelOpen
	ChannelClosed
)

// String returns the channel state's name.
func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelNegotiating:
		return "negotiating"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerInfo is the read-only snapshot of one peer handed to consumers.
type PeerInfo struct {
	PeerID      string
	DisplayName string
	State       PeerState
	LatencyMs   int64
	LastSeenAt  time.Time
}

// LinkHooks receive lifecycle and traffic notifications from a PeerLink.
// Callbacks run on the link's goroutines and must not block.
type LinkHooks struct {
	// OnOpen fires when the first data channel opens.
	OnOpen func()

	// OnClose fires once every data channel has closed.
	OnClose func()

	// OnFailed fires when the underlying connection fails.
	OnFailed func()

	// OnMessage delivers one inbound payload and which channel class
	// carried it.
	OnMessage func(data []byte, reliable bool)
}

// PeerLink is the negotiated pair of data channels to one remote peer.
// The WebRTC implementation lives in this package; tests substitute
// in-memory links.
type PeerLink interface {
	// Offer creates the local channels and returns the offer SDP.
	// Initiator side only.
	Offer() (string, error)

	// HandleOffer applies a remote offer and returns the answer SDP.
	// Responder side only.
	HandleOffer(sdp string) (string, error)

	// HandleAnswer applies the remote answer to a previous Offer.
	HandleAnswer(sdp string) error

	// AddCandidate applies one remote ICE candidate. Candidates arriving
	// before the remote description are buffered.
	AddCandidate(c webrtc.ICECandidateInit) error

	// SendReliable transmits over the ordered reliable channel.
	SendReliable(data []byte) error

	// SendUnreliable transmits over the unordered unreliable channel.
	SendUnreliable(data []byte) error

	// ReliableState and UnreliableState report each channel's state.
	ReliableState() ChannelState
	UnreliableState() ChannelState

	// Close tears the link down. Idempotent.
	Close() error
}

// PeerDialer creates links. The default dialer builds WebRTC peer
// connections from the configured ICE servers.
type PeerDialer interface {
	// NewLink prepares a link to remoteID. onCandidate is invoked for
	// every local ICE candidate that must reach the remote side.
	NewLink(remoteID string, hooks LinkHooks, onCandidate func(webrtc.ICECandidateInit)) (PeerLink, error)
}

// Peer is one remote participant.
type Peer struct {
	ID          string
	DisplayName string

	mu       sync.Mutex
	state    PeerState
	link     PeerLink
	latency  int64 // milliseconds, smoothed over pings
	lastSeen time.Time
}

func newPeer(id, displayName string) *Peer {
	return &Peer{
		ID:          id,
		DisplayName: displayName,
		state:       PeerNegotiating,
		lastSeen:    time.Now(),
	}
}

// Info returns a consumer-safe snapshot.
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		PeerID:      p.ID,
		DisplayName: p.DisplayName,
		State:       p.state,
		LatencyMs:   p.latency,
		LastSeenAt:  p.lastSeen,
	}
}

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) setLink(l PeerLink) {
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
}

func (p *Peer) getLink() PeerLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) setLatency(ms int64) {
	p.mu.Lock()
	p.latency = ms
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// closeLink tears down the link if one exists.
func (p *Peer) closeLink() {
	p.mu.Lock()
	link := p.link
	p.link = nil
	p.state = PeerDisconnected
	p.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}
