package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/segmentio/encoding/json"
	"github.com/tandem-engine/tandem/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// Methods under the reserved prefix carry WebRTC negotiation between
// peers and cannot be registered by applications.
const (
	reservedPrefix      = "peer."
	methodPeerOffer     = "peer.offer"
	methodPeerCandidate = "peer.candidate"
)

// sdpPayload carries an SDP blob inside peer.offer params and results.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

// RPCHandler runs a registered method. senderID identifies the caller
// and params is the raw request payload.
type RPCHandler func(ctx context.Context, senderID string, params json.RawMessage) (any, error)

// RPCDefinition registers one callable method.
type RPCDefinition struct {
	Method  string
	Handler RPCHandler

	// Validator inspects params before Handler runs. A non-nil error
	// rejects the call with an invalid-parameters response and the
	// handler never sees it.
	Validator func(params json.RawMessage) error
}

// CallOption adjusts a single outbound call.
type CallOption func(*callOptions)

type callOptions struct {
	target  string
	timeout time.Duration
}

// WithTarget directs the call at a peer instead of the relay.
func WithTarget(peerID string) CallOption {
	return func(o *callOptions) { o.target = peerID }
}

// WithTimeout overrides the configured CallTimeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// RegisterRPC makes def.Method callable by remote parties. Registering
// a method again replaces the earlier definition.
func (m *Manager) RegisterRPC(def RPCDefinition) error {
	if def.Method == "" {
		return errors.New("transport: rpc method required")
	}
	if len(def.Method) > protocol.MaxMethodLength {
		return protocol.ErrMethodTooLong
	}
	if strings.HasPrefix(def.Method, reservedPrefix) {
		return fmt.Errorf("%w: %s", ErrReservedMethod, def.Method)
	}
	if def.Handler == nil {
		return errors.New("transport: rpc handler required")
	}
	m.rpcMu.Lock()
	m.handlers[def.Method] = def
	m.rpcMu.Unlock()
	return nil
}

// UnregisterRPC removes a method. Unknown methods are a no-op.
func (m *Manager) UnregisterRPC(method string) {
	m.rpcMu.Lock()
	delete(m.handlers, method)
	m.rpcMu.Unlock()
}

// Call invokes method on the relay, or on a peer with WithTarget, and
// waits for the matching response. The wait ends with the response, the
// per-call timeout, ctx, or manager shutdown, whichever comes first. A
// remote failure comes back as *RPCError. Untargeted calls need a live
// signaling connection and fail with ErrNotConnected without one.
func (m *Manager) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	o := callOptions{timeout: m.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	env, payload, err := protocol.NewRPCRequest(method, params)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "transport.call",
		attribute.String("rpc.method", method),
		attribute.String("rpc.request_id", payload.RequestID))
	start := time.Now()
	res, err := m.call(ctx, env, payload, o)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.cfg.Metrics.observeRPC(method, outcome, time.Since(start).Seconds())
	endSpan(span, err)
	return res, err
}

func (m *Manager) call(ctx context.Context, env *protocol.Envelope, payload *protocol.RPCPayload, o callOptions) (json.RawMessage, error) {
	ch := make(chan *protocol.RPCPayload, 1)
	m.rpcMu.Lock()
	m.pending[payload.RequestID] = ch
	m.rpcMu.Unlock()
	defer func() {
		m.rpcMu.Lock()
		delete(m.pending, payload.RequestID)
		m.rpcMu.Unlock()
	}()

	var err error
	if o.target != "" {
		err = m.SendToPeer(o.target, env)
	} else {
		// An untargeted call needs the relay. Queueing the request
		// would only ripen into a timeout, so fail fast instead.
		if m.State() != StateConnected {
			return nil, ErrNotConnected
		}
		err = m.Send(env)
	}
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &RPCError{Method: payload.Method, Reason: resp.Error}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, payload.Method, o.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrClosed
	}
}

// handleRPC splits inbound rpc envelopes into requests, which get their
// own goroutine, and responses, which wake the matching waiter. A
// response nobody waits for is dropped; late answers after a timeout
// land here.
func (m *Manager) handleRPC(env *protocol.Envelope, src source) {
	p, err := protocol.DecodeRPC(env.Payload)
	if err != nil {
		m.log.Warn("bad rpc payload", "err", err)
		return
	}
	if p.IsRequest() {
		go m.serveRPC(env, p, src)
		return
	}
	m.rpcMu.Lock()
	ch, ok := m.pending[p.RequestID]
	if ok {
		delete(m.pending, p.RequestID)
	}
	m.rpcMu.Unlock()
	if !ok {
		m.log.Debug("dropping rpc response with no waiter", "request_id", p.RequestID)
		return
	}
	ch <- p
}

// serveRPC runs one inbound request. Handlers execute isolated so a
// panic poisons neither the read loop nor other calls.
func (m *Manager) serveRPC(env *protocol.Envelope, req *protocol.RPCPayload, src source) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("rpc handler panicked",
				"method", req.Method,
				"panic", r,
				"stack", string(debug.Stack()))
			m.respondRPC(protocol.NewRPCError(req.RequestID, "internal error"), env.SenderID, src)
		}
	}()

	if strings.HasPrefix(req.Method, reservedPrefix) {
		m.servePeerRPC(env, req, src)
		return
	}

	m.rpcMu.Lock()
	def, ok := m.handlers[req.Method]
	m.rpcMu.Unlock()
	if !ok {
		m.respondRPC(protocol.NewRPCError(req.RequestID, "method not found: "+req.Method), env.SenderID, src)
		return
	}
	if def.Validator != nil {
		if verr := def.Validator(req.Params); verr != nil {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "invalid parameters: "+verr.Error()), env.SenderID, src)
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	result, herr := def.Handler(ctx, env.SenderID, req.Params)
	if herr != nil {
		m.respondRPC(protocol.NewRPCError(req.RequestID, herr.Error()), env.SenderID, src)
		return
	}
	resp, rerr := protocol.NewRPCResult(req.RequestID, result)
	if rerr != nil {
		m.log.Warn("rpc result not encodable", "method", req.Method, "err", rerr)
		m.respondRPC(protocol.NewRPCError(req.RequestID, "unencodable result"), env.SenderID, src)
		return
	}
	m.respondRPC(resp, env.SenderID, src)
}

func (m *Manager) respondRPC(resp *protocol.Envelope, to string, src source) {
	resp.SenderID = m.LocalID()
	resp.TargetID = to
	if err := m.reply(resp, src); err != nil {
		m.log.Warn("rpc response delivery failed", "target", to, "err", err)
	}
}

// servePeerRPC answers the reserved negotiation methods on the
// responder side of a link.
func (m *Manager) servePeerRPC(env *protocol.Envelope, req *protocol.RPCPayload, src source) {
	switch req.Method {
	case methodPeerOffer:
		var offer sdpPayload
		if err := json.Unmarshal(req.Params, &offer); err != nil || offer.SDP == "" {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "invalid parameters: sdp required"), env.SenderID, src)
			return
		}
		peer := m.ensurePeer(env.SenderID, "")
		if peer == nil {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "peer limit reached"), env.SenderID, src)
			return
		}
		link, err := m.linkFor(peer)
		if err != nil {
			m.peerFailed(peer, "link", err)
			m.respondRPC(protocol.NewRPCError(req.RequestID, "negotiation failed: "+err.Error()), env.SenderID, src)
			return
		}
		answer, err := link.HandleOffer(offer.SDP)
		if err != nil {
			m.peerFailed(peer, "answer", err)
			m.respondRPC(protocol.NewRPCError(req.RequestID, "negotiation failed: "+err.Error()), env.SenderID, src)
			return
		}
		resp, rerr := protocol.NewRPCResult(req.RequestID, sdpPayload{SDP: answer})
		if rerr != nil {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "unencodable result"), env.SenderID, src)
			return
		}
		m.respondRPC(resp, env.SenderID, src)

	case methodPeerCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(req.Params, &c); err != nil || c.Candidate == "" {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "invalid parameters: candidate required"), env.SenderID, src)
			return
		}
		// Candidates may outrun the offer; creating the link here lets
		// it buffer them until the remote description lands.
		peer := m.ensurePeer(env.SenderID, "")
		if peer == nil {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "peer limit reached"), env.SenderID, src)
			return
		}
		link, err := m.linkFor(peer)
		if err != nil {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "negotiation failed: "+err.Error()), env.SenderID, src)
			return
		}
		if err := link.AddCandidate(c); err != nil {
			m.respondRPC(protocol.NewRPCError(req.RequestID, "candidate rejected: "+err.Error()), env.SenderID, src)
			return
		}
		resp, rerr := protocol.NewRPCResult(req.RequestID, nil)
		if rerr != nil {
			return
		}
		m.respondRPC(resp, env.SenderID, src)

	default:
		m.respondRPC(protocol.NewRPCError(req.RequestID, "method not found: "+req.Method), env.SenderID, src)
	}
}

// negotiate runs the initiator side of a link: create it, send the
// offer as a targeted call, apply the answer. Candidates trickle
// through peer.candidate in both directions as they are gathered.
func (m *Manager) negotiate(peer *Peer) {
	link, err := m.linkFor(peer)
	if err != nil {
		m.peerFailed(peer, "link", err)
		return
	}
	offer, err := link.Offer()
	if err != nil {
		m.peerFailed(peer, "offer", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	res, err := m.Call(ctx, methodPeerOffer, sdpPayload{SDP: offer}, WithTarget(peer.ID))
	if err != nil {
		m.peerFailed(peer, "offer call", err)
		return
	}
	var answer sdpPayload
	if err := json.Unmarshal(res, &answer); err != nil || answer.SDP == "" {
		m.peerFailed(peer, "answer decode", fmt.Errorf("transport: bad answer payload: %v", err))
		return
	}
	if err := link.HandleAnswer(answer.SDP); err != nil {
		m.peerFailed(peer, "answer", err)
		return
	}
	m.log.Debug("negotiation settled", "peer", peer.ID)
}

// sendCandidate trickles one local candidate to the remote side. The
// response is ignored; losing a candidate surfaces as a negotiation
// that never opens and fails over to the relay.
func (m *Manager) sendCandidate(peerID string, c webrtc.ICECandidateInit) {
	env, _, err := protocol.NewRPCRequest(methodPeerCandidate, c)
	if err != nil {
		m.log.Warn("candidate encode failed", "peer", peerID, "err", err)
		return
	}
	if err := m.SendToPeer(peerID, env); err != nil {
		m.log.Debug("candidate delivery failed", "peer", peerID, "err", err)
	}
}
