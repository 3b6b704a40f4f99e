package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Data channel labels. The initiator creates both channels; the
// responder matches on the label when they arrive.
const (
	labelReliable   = "reliable"
	labelUnreliable = "unreliable"
)

// webrtcDialer builds pion peer connections from the configured ICE
// servers.
type webrtcDialer struct {
	cfg        webrtc.Configuration
	reliable   bool
	unreliable bool
}

func newWebRTCDialer(cfg Config) PeerDialer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}
	return &webrtcDialer{
		cfg:        webrtc.Configuration{ICEServers: servers},
		reliable:   cfg.ReliableChannel,
		unreliable: cfg.UnreliableChannel,
	}
}

func (d *webrtcDialer) NewLink(remoteID string, hooks LinkHooks, onCandidate func(webrtc.ICECandidateInit)) (PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: peer connection to %s: %w", remoteID, err)
	}
	l := &webrtcLink{
		pc:             pc,
		hooks:          hooks,
		wantReliable:   d.reliable,
		wantUnreliable: d.unreliable,
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			onCandidate(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			if hooks.OnFailed != nil {
				hooks.OnFailed()
			}
		case webrtc.PeerConnectionStateClosed:
			if hooks.OnClose != nil {
				hooks.OnClose()
			}
		}
	})
	// The responder side receives the initiator's channels here.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case labelReliable:
			l.adoptChannel(dc, true)
		case labelUnreliable:
			l.adoptChannel(dc, false)
		}
	})
	return l, nil
}

// webrtcLink implements PeerLink over one pion peer connection carrying
// up to two data channels.
type webrtcLink struct {
	pc             *webrtc.PeerConnection
	hooks          LinkHooks
	wantReliable   bool
	wantUnreliable bool

	mu          sync.Mutex
	rel         *webrtc.DataChannel
	unrel       *webrtc.DataChannel
	relState    ChannelState
	unrelState  ChannelState
	pendingCand []webrtc.ICECandidateInit
	opened      bool
	closed      bool
}

// adoptChannel wires one data channel, whether created locally or
// received from the remote side.
func (l *webrtcLink) adoptChannel(dc *webrtc.DataChannel, reliable bool) {
	l.mu.Lock()
	if reliable {
		l.rel = dc
		l.relState = ChannelNegotiating
	} else {
		l.unrel = dc
		l.unrelState = ChannelNegotiating
	}
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		if reliable {
			l.relState = ChannelOpen
		} else {
			l.unrelState = ChannelOpen
		}
		first := !l.opened
		l.opened = true
		l.mu.Unlock()
		if first && l.hooks.OnOpen != nil {
			l.hooks.OnOpen()
		}
	})
	dc.OnClose(func() {
		l.mu.Lock()
		if reliable {
			l.relState = ChannelClosed
		} else {
			l.unrelState = ChannelClosed
		}
		lastOpen := l.opened && !l.closed &&
			l.relState != ChannelOpen && l.unrelState != ChannelOpen
		l.mu.Unlock()
		if lastOpen && l.hooks.OnClose != nil {
			l.hooks.OnClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.hooks.OnMessage != nil {
			l.hooks.OnMessage(msg.Data, reliable)
		}
	})
}

// Offer creates the configured channels and produces the offer SDP.
func (l *webrtcLink) Offer() (string, error) {
	if l.wantReliable {
		ordered := true
		dc, err := l.pc.CreateDataChannel(labelReliable, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return "", fmt.Errorf("transport: reliable channel: %w", err)
		}
		l.adoptChannel(dc, true)
	}
	if l.wantUnreliable {
		ordered := false
		var retransmits uint16
		dc, err := l.pc.CreateDataChannel(labelUnreliable, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if err != nil {
			return "", fmt.Errorf("transport: unreliable channel: %w", err)
		}
		l.adoptChannel(dc, false)
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set local offer: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer applies the remote offer and produces the answer. The
// responder's channels arrive via OnDataChannel once transport settles.
func (l *webrtcLink) HandleOffer(sdp string) (string, error) {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", fmt.Errorf("transport: set remote offer: %w", err)
	}
	l.drainCandidates()
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (l *webrtcLink) HandleAnswer(sdp string) error {
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("transport: set remote answer: %w", err)
	}
	l.drainCandidates()
	return nil
}

// AddCandidate applies a remote candidate, buffering it until the
// remote description has landed.
func (l *webrtcLink) AddCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pendingCand = append(l.pendingCand, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

func (l *webrtcLink) drainCandidates() {
	l.mu.Lock()
	pend := l.pendingCand
	l.pendingCand = nil
	l.mu.Unlock()
	for _, c := range pend {
		// One bad candidate is survivable; the rest may still pair.
		_ = l.pc.AddICECandidate(c)
	}
}

func (l *webrtcLink) SendReliable(data []byte) error {
	l.mu.Lock()
	dc, st := l.rel, l.relState
	l.mu.Unlock()
	if dc == nil || st != ChannelOpen {
		return ErrNoOpenChannel
	}
	return dc.Send(data)
}

func (l *webrtcLink) SendUnreliable(data []byte) error {
	l.mu.Lock()
	dc, st := l.unrel, l.unrelState
	l.mu.Unlock()
	if dc == nil || st != ChannelOpen {
		return ErrNoOpenChannel
	}
	return dc.Send(data)
}

func (l *webrtcLink) ReliableState() ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relState
}

func (l *webrtcLink) UnreliableState() ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unrelState
}

// Close tears the peer connection down. Idempotent.
func (l *webrtcLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.relState = ChannelClosed
	l.unrelState = ChannelClosed
	l.mu.Unlock()
	return l.pc.Close()
}
