package relay

import (
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// handleJoin places the sender in a room: the newcomer receives the
// current roster, the room is told who arrived. A client sits in at
// most one room, so joining another leaves the first.
func (s *Server) handleJoin(from *session, env *protocol.Envelope) {
	p, err := protocol.DecodeJoin(env.Payload)
	if err != nil {
		s.log.Warn("bad join payload", "peer_id", from.id, "err", err)
		from.write(protocol.NewErrorEnvelope(protocol.ErrCodeBadPayload, err.Error()))
		return
	}

	from.mu.Lock()
	previous := from.room
	from.mu.Unlock()
	if previous == p.RoomID {
		return
	}
	if previous != "" {
		s.leaveRoom(from, "switched room")
	}

	s.mu.Lock()
	room := s.rooms[p.RoomID]
	if room == nil {
		room = make(map[string]string)
		s.rooms[p.RoomID] = room
	}
	if len(room) >= s.cfg.MaxRoomSize {
		s.mu.Unlock()
		s.log.Warn("room full", "room", p.RoomID, "peer_id", from.id, "max", s.cfg.MaxRoomSize)
		from.write(protocol.NewErrorEnvelope(protocol.ErrCodeRoomFull, "room full: "+p.RoomID))
		return
	}
	roster := make([]protocol.PeerInfo, 0, len(room))
	members := make([]*session, 0, len(room))
	for id, name := range room {
		roster = append(roster, protocol.PeerInfo{PeerID: id, DisplayName: name})
		if sess := s.sessions[id]; sess != nil {
			members = append(members, sess)
		}
	}
	room[from.id] = p.DisplayName
	roomCount := len(s.rooms)
	s.mu.Unlock()

	from.mu.Lock()
	from.room = p.RoomID
	from.displayName = p.DisplayName
	from.mu.Unlock()

	s.cfg.Metrics.setRooms(roomCount)
	s.cfg.Metrics.observeRouted(string(env.Kind), "room")
	s.log.Info("peer joined room", "room", p.RoomID, "peer_id", from.id, "members", len(members)+1)

	if len(roster) > 0 {
		rosterEnv, rerr := protocol.New(protocol.KindJoin, &protocol.JoinPayload{
			RoomID: p.RoomID,
			Peers:  roster,
		})
		if rerr == nil {
			from.write(rosterEnv)
		}
	}
	announce, aerr := protocol.New(protocol.KindJoin, &protocol.JoinPayload{
		RoomID:      p.RoomID,
		DisplayName: p.DisplayName,
	})
	if aerr != nil {
		return
	}
	announce.SenderID = from.id
	for _, m := range members {
		m.write(announce)
	}
}

// handleLeave takes the sender out of its room on request.
func (s *Server) handleLeave(from *session, env *protocol.Envelope) {
	p, err := protocol.DecodeLeave(env.Payload)
	if err != nil {
		s.log.Warn("bad leave payload", "peer_id", from.id, "err", err)
		from.write(protocol.NewErrorEnvelope(protocol.ErrCodeBadPayload, err.Error()))
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "leave"
	}
	s.cfg.Metrics.observeRouted(string(env.Kind), "room")
	s.leaveRoom(from, reason)
}

// leaveRoom removes the session from its room, dropping the room when it
// empties, and tells the remaining members who left and why.
func (s *Server) leaveRoom(sess *session, reason string) {
	sess.mu.Lock()
	roomID := sess.room
	sess.room = ""
	sess.mu.Unlock()
	if roomID == "" {
		return
	}

	s.mu.Lock()
	room := s.rooms[roomID]
	if room == nil {
		s.mu.Unlock()
		return
	}
	delete(room, sess.id)
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
	members := make([]*session, 0, len(room))
	for id := range room {
		if m := s.sessions[id]; m != nil {
			members = append(members, m)
		}
	}
	roomCount := len(s.rooms)
	s.mu.Unlock()

	s.cfg.Metrics.setRooms(roomCount)
	s.log.Info("peer left room", "room", roomID, "peer_id", sess.id, "reason", reason)
	if len(members) == 0 {
		return
	}
	env, err := protocol.New(protocol.KindLeave, &protocol.LeavePayload{
		RoomID: roomID,
		PeerID: sess.id,
		Reason: reason,
	})
	if err != nil {
		return
	}
	for _, m := range members {
		m.write(env)
	}
}

// fanout broadcasts an untargeted envelope to everyone else in the
// sender's room. A client outside any room has no audience and the
// envelope is dropped.
func (s *Server) fanout(from *session, env *protocol.Envelope) {
	from.mu.Lock()
	roomID := from.room
	from.mu.Unlock()
	if roomID == "" {
		s.log.Debug("dropping roomless broadcast", "peer_id", from.id, "kind", env.Kind)
		return
	}

	s.mu.Lock()
	room := s.rooms[roomID]
	members := make([]*session, 0, len(room))
	for id := range room {
		if id == from.id {
			continue
		}
		if m := s.sessions[id]; m != nil {
			members = append(members, m)
		}
	}
	s.mu.Unlock()

	s.cfg.Metrics.observeRouted(string(env.Kind), "room")
	for _, m := range members {
		m.write(env)
	}
}
