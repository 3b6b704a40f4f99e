package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/segmentio/encoding/json"
)

// Control payload errors.
var (
	ErrMissingRoomID = errors.New("protocol: join payload missing roomId")
	ErrRoomIDTooLong = errors.New("protocol: roomId exceeds MaxRoomIDLength")
	ErrMissingState  = errors.New("protocol: state payload missing type")
)

// PingPong carries the sender's clock for latency measurement. A pong
// echoes the ping's SentAt unchanged so the pinger can compute the
// round trip from its own clock.
type PingPong struct {
	SentAt int64 `json:"sentAt"`
}

// NewPing builds a ping envelope stamped with the current time.
func NewPing() *Envelope {
	env, _ := New(KindPing, &PingPong{SentAt: NowMillis()})
	return env
}

// NewPong builds the pong reply echoing the ping's timestamp.
func NewPong(sentAt int64) *Envelope {
	env, _ := New(KindPong, &PingPong{SentAt: sentAt})
	return env
}

// DecodePingPong parses a ping or pong payload.
func DecodePingPong(raw json.RawMessage) (*PingPong, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var p PingPong
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode ping payload: %w", err)
	}
	if p.SentAt <= 0 {
		return nil, fmt.Errorf("protocol: ping payload: %w", ErrBadTimestamp)
	}
	return &p, nil
}

// State payload types.
const (
	// StateHello is sent by the relay immediately after the socket opens.
	// It assigns the client its peer ID and completes the connect
	// handshake.
	StateHello = "hello"
)

// StatePayload carries connection plumbing between the relay and a client.
type StatePayload struct {
	Type       string `json:"type"`
	PeerID     string `json:"peerId,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
}

// NewHello builds the hello envelope assigning peerID.
func NewHello(peerID string) *Envelope {
	env, _ := New(KindState, &StatePayload{
		Type:       StateHello,
		PeerID:     peerID,
		ServerTime: NowMillis(),
	})
	return env
}

// DecodeState parses a state payload.
func DecodeState(raw json.RawMessage) (*StatePayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var p StatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode state payload: %w", err)
	}
	if p.Type == "" {
		return nil, ErrMissingState
	}
	return &p, nil
}

// PeerInfo identifies one participant in a room roster.
type PeerInfo struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

// JoinPayload enters a room. A client sends {roomId, displayName}; the
// relay fans out the roster form, listing the peers the receiver should
// know about.
type JoinPayload struct {
	RoomID      string     `json:"roomId"`
	DisplayName string     `json:"displayName,omitempty"`
	Peers       []PeerInfo `json:"peers,omitempty"`
}

// NewJoin builds the join envelope a client sends to enter a room.
func NewJoin(roomID, displayName string) *Envelope {
	env, _ := New(KindJoin, &JoinPayload{RoomID: roomID, DisplayName: displayName})
	return env
}

// DecodeJoin parses and validates a join payload.
func DecodeJoin(raw json.RawMessage) (*JoinPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode join payload: %w", err)
	}
	if p.RoomID == "" {
		return nil, ErrMissingRoomID
	}
	if len(p.RoomID) > MaxRoomIDLength {
		return nil, ErrRoomIDTooLong
	}
	if len(p.DisplayName) > MaxDisplayNameLength {
		p.DisplayName = truncateUTF8(p.DisplayName, MaxDisplayNameLength)
	}
	return &p, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune, so
// the result stays valid UTF-8 when re-encoded.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// LeavePayload announces a departure. The relay fills PeerID when fanning
// a departure out to the rest of the room.
type LeavePayload struct {
	RoomID string `json:"roomId,omitempty"`
	PeerID string `json:"peerId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewLeave builds the leave envelope a client sends to exit a room.
func NewLeave(roomID, reason string) *Envelope {
	env, _ := New(KindLeave, &LeavePayload{RoomID: roomID, Reason: reason})
	return env
}

// DecodeLeave parses a leave payload.
func DecodeLeave(raw json.RawMessage) (*LeavePayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var p LeavePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode leave payload: %w", err)
	}
	return &p, nil
}
