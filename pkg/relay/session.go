package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// session is one connected client. The relay owns it: the read loop is
// the only reader, writes are serialized by writeMu, and room membership
// lives in the server's maps, not here.
type session struct {
	srv  *Server
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	room        string
	displayName string
	closed      bool
}

func newSession(srv *Server, id string, conn *websocket.Conn) *session {
	return &session{srv: srv, id: id, conn: conn}
}

// readLoop pumps frames off the socket until it dies. Malformed frames
// earn the sender a non-fatal error envelope and are discarded.
func (c *session) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.srv.cfg.Metrics.addBytesIn(len(data))
		env, derr := protocol.Decode(data)
		if derr != nil {
			c.srv.cfg.Metrics.incBadEnvelope()
			c.srv.log.Warn("discarding malformed envelope", "peer_id", c.id, "err", derr)
			c.write(protocol.NewErrorEnvelope(protocol.ErrCodeBadEnvelope, derr.Error()))
			continue
		}
		// The relay, not the client, is authoritative for identity.
		env.SenderID = c.id
		c.srv.route(c, env)
	}
}

// write frames one envelope onto the socket. Failures are left to the
// read loop: a dying socket surfaces there moments later.
func (c *session) write(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.srv.log.Warn("dropping unencodable envelope", "peer_id", c.id, "kind", env.Kind, "err", err)
		return
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.srv.log.Debug("write failed", "peer_id", c.id, "err", err)
		return
	}
	c.srv.cfg.Metrics.addBytesOut(len(data))
}

func (c *session) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

// route dispatches one inbound envelope. Targeted envelopes are
// forwarded as-is; everything else follows its kind's default routing.
func (s *Server) route(from *session, env *protocol.Envelope) {
	if env.TargetID != "" && env.TargetID != from.id {
		target := s.session(env.TargetID)
		if target == nil {
			s.log.Debug("unknown target", "peer_id", from.id, "target", env.TargetID, "kind", env.Kind)
			from.write(protocol.NewErrorEnvelope(protocol.ErrCodeUnknownTarget, "unknown target: "+env.TargetID))
			return
		}
		s.cfg.Metrics.observeRouted(string(env.Kind), "targeted")
		target.write(env)
		return
	}

	switch env.Kind {
	case protocol.KindPing:
		s.handlePing(from, env)
	case protocol.KindJoin:
		s.handleJoin(from, env)
	case protocol.KindLeave:
		s.handleLeave(from, env)
	case protocol.KindRPC:
		s.handleRPC(from, env)
	case protocol.KindError:
		p, err := protocol.DecodeError(env.Payload)
		if err != nil {
			s.log.Warn("bad error payload", "peer_id", from.id, "err", err)
			return
		}
		s.log.Warn("error from client", "peer_id", from.id, "code", p.Code, "message", p.Message)
	case protocol.KindPong:
		// Unsolicited; the relay sends pings to nobody.
		s.log.Debug("ignoring stray pong", "peer_id", from.id)
	default:
		// sync, chat, action, state fan out to the sender's room.
		s.fanout(from, env)
	}
}

func (s *Server) handlePing(from *session, env *protocol.Envelope) {
	p, err := protocol.DecodePingPong(env.Payload)
	if err != nil {
		s.log.Warn("bad ping payload", "peer_id", from.id, "err", err)
		from.write(protocol.NewErrorEnvelope(protocol.ErrCodeBadPayload, err.Error()))
		return
	}
	pong := protocol.NewPong(p.SentAt)
	pong.Reliable = env.Reliable
	s.cfg.Metrics.observeRouted(string(env.Kind), "server")
	from.write(pong)
}
