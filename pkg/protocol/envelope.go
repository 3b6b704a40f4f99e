package protocol

import (
	"errors"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/segmentio/encoding/json"
)

// Kind identifies the type of an envelope.
type Kind string

// The fixed enumeration of envelope kinds.
const (
	KindPing   Kind = "ping"
	KindPong   Kind = "pong"
	KindJoin   Kind = "join"
	KindLeave  Kind = "leave"
	KindState  Kind = "state"
	KindAction Kind = "action"
	KindChat   Kind = "chat"
	KindRPC    Kind = "rpc"
	KindSync   Kind = "sync"
	KindError  Kind = "error"
)

// Valid reports whether k is a recognized envelope kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPing, KindPong, KindJoin, KindLeave, KindState,
		KindAction, KindChat, KindRPC, KindSync, KindError:
		return true
	}
	return false
}

// String returns the wire name of the kind.
func (k Kind) String() string { return string(k) }

// Envelope decode and validation errors.
var (
	ErrEnvelopeTooLarge = errors.New("protocol: envelope exceeds MaxEnvelopeSize")
	ErrUnknownKind      = errors.New("protocol: unknown envelope kind")
	ErrMissingID        = errors.New("protocol: envelope id is empty")
	ErrBadTimestamp     = errors.New("protocol: envelope timestamp is not positive")
	ErrEmptyPayload     = errors.New("protocol: payload is empty")
)

// Envelope is the canonical unit exchanged over every channel.
//
// TargetID is a routing hint consumed by the relay: when set, the relay
// forwards the envelope to that peer only; when empty, the envelope
// follows its kind's default routing.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reliable  bool            `json:"reliable"`
}

// New builds a reliable envelope of the given kind. A nil payload leaves
// the payload field absent.
func New(kind Kind, payload any) (*Envelope, error) {
	env := &Envelope{
		Kind:      kind,
		ID:        NewID(),
		Timestamp: NowMillis(),
		Reliable:  true,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Unreliable marks the envelope for best-effort delivery and returns it.
func (e *Envelope) Unreliable() *Envelope {
	e.Reliable = false
	return e
}

// WithTarget addresses the envelope to a single peer and returns it.
func (e *Envelope) WithTarget(peerID string) *Envelope {
	e.TargetID = peerID
	return e
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	if len(data) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	return data, nil
}

// Decode parses and validates one wire envelope.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope's required fields.
func (e *Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(e.Kind))
	}
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Timestamp <= 0 {
		return ErrBadTimestamp
	}
	return nil
}

// NewID returns a fresh globally unique identifier.
func NewID() string {
	return uuid.NewV4().String()
}

// NowMillis returns the current wall clock in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
