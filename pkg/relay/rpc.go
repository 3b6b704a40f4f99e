package relay

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// handlerTimeout bounds one server-side RPC handler invocation.
const handlerTimeout = 10 * time.Second

// Handler runs a server-side method. senderID identifies the calling
// client and params is the raw request payload.
type Handler func(ctx context.Context, senderID string, params json.RawMessage) (any, error)

// Definition registers one method callable on the relay itself.
type Definition struct {
	Method  string
	Handler Handler

	// Validator inspects params before Handler runs. A non-nil error
	// rejects the call with an invalid-parameters response and the
	// handler never sees it.
	Validator func(params json.RawMessage) error
}

// RegisterRPC makes def.Method callable by clients. Registering a
// method again replaces the earlier definition.
func (s *Server) RegisterRPC(def Definition) error {
	if def.Method == "" {
		return errors.New("relay: rpc method required")
	}
	if len(def.Method) > protocol.MaxMethodLength {
		return protocol.ErrMethodTooLong
	}
	if def.Handler == nil {
		return errors.New("relay: rpc handler required")
	}
	s.rpcMu.Lock()
	s.handlers[def.Method] = def
	s.rpcMu.Unlock()
	return nil
}

// UnregisterRPC removes a method. Unknown methods are a no-op.
func (s *Server) UnregisterRPC(method string) {
	s.rpcMu.Lock()
	delete(s.handlers, method)
	s.rpcMu.Unlock()
}

// handleRPC dispatches an untargeted rpc envelope. Requests run on
// their own goroutine so one slow handler never stalls the sender's
// read loop; responses with no target have no addressee and are dropped.
func (s *Server) handleRPC(from *session, env *protocol.Envelope) {
	p, err := protocol.DecodeRPC(env.Payload)
	if err != nil {
		s.log.Warn("bad rpc payload", "peer_id", from.id, "err", err)
		from.write(protocol.NewErrorEnvelope(protocol.ErrCodeBadPayload, err.Error()))
		return
	}
	if !p.IsRequest() {
		s.log.Debug("dropping untargeted rpc response", "peer_id", from.id, "request_id", p.RequestID)
		return
	}
	s.cfg.Metrics.observeRouted(string(env.Kind), "server")
	go s.serveRPC(from, p)
}

// serveRPC runs one request against the handler table. Handlers are
// panic-isolated; the caller always gets a response correlated by the
// request id.
func (s *Server) serveRPC(from *session, req *protocol.RPCPayload) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rpc handler panicked",
				"method", req.Method,
				"peer_id", from.id,
				"panic", r,
				"stack", string(debug.Stack()))
			s.cfg.Metrics.observeRPC(req.Method, "panic")
			from.write(protocol.NewRPCError(req.RequestID, "internal error"))
		}
	}()

	s.rpcMu.Lock()
	def, ok := s.handlers[req.Method]
	s.rpcMu.Unlock()
	if !ok {
		s.cfg.Metrics.observeRPC(req.Method, "unknown")
		from.write(protocol.NewRPCError(req.RequestID, "method not found: "+req.Method))
		return
	}
	if def.Validator != nil {
		if verr := def.Validator(req.Params); verr != nil {
			s.cfg.Metrics.observeRPC(req.Method, "invalid")
			from.write(protocol.NewRPCError(req.RequestID, "invalid parameters: "+verr.Error()))
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	result, herr := def.Handler(ctx, from.id, req.Params)
	if herr != nil {
		s.cfg.Metrics.observeRPC(req.Method, "error")
		from.write(protocol.NewRPCError(req.RequestID, herr.Error()))
		return
	}
	resp, rerr := protocol.NewRPCResult(req.RequestID, result)
	if rerr != nil {
		s.log.Warn("rpc result not encodable", "method", req.Method, "err", rerr)
		s.cfg.Metrics.observeRPC(req.Method, "error")
		from.write(protocol.NewRPCError(req.RequestID, "unencodable result"))
		return
	}
	s.cfg.Metrics.observeRPC(req.Method, "ok")
	from.write(resp)
}
