package protocol

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// ErrorCode identifies the type of a wire-level error.
type ErrorCode uint16

const (
	ErrCodeUnknown       ErrorCode = 0x0000 // Unknown error
	ErrCodeBadEnvelope   ErrorCode = 0x0001 // Malformed envelope
	ErrCodeBadPayload    ErrorCode = 0x0002 // Malformed payload for the kind
	ErrCodeUnknownTarget ErrorCode = 0x0003 // targetId names no connected peer
	ErrCodeUnknownMethod ErrorCode = 0x0004 // No RPC handler for the method
	ErrCodeInvalidParams ErrorCode = 0x0005 // RPC params failed validation
	ErrCodeHandlerFailed ErrorCode = 0x0006 // RPC handler returned an error
	ErrCodeRoomFull      ErrorCode = 0x0007 // Room at capacity
	ErrCodeRateLimited   ErrorCode = 0x0008 // Too many envelopes
	ErrCodeServerError   ErrorCode = 0x0100 // Internal relay error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeBadEnvelope:
		return "BadEnvelope"
	case ErrCodeBadPayload:
		return "BadPayload"
	case ErrCodeUnknownTarget:
		return "UnknownTarget"
	case ErrCodeUnknownMethod:
		return "UnknownMethod"
	case ErrCodeInvalidParams:
		return "InvalidParams"
	case ErrCodeHandlerFailed:
		return "HandlerFailed"
	case ErrCodeRoomFull:
		return "RoomFull"
	case ErrCodeRateLimited:
		return "RateLimited"
	case ErrCodeServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// ErrorPayload is carried by error envelopes.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal,omitempty"`
}

// Error implements the error interface.
func (p *ErrorPayload) Error() string {
	if p.Fatal {
		return "fatal: " + p.Code.String() + ": " + p.Message
	}
	return p.Code.String() + ": " + p.Message
}

// IsFatal reports whether the sender intends to close the connection.
func (p *ErrorPayload) IsFatal() bool { return p.Fatal }

// NewErrorEnvelope builds a non-fatal error envelope.
func NewErrorEnvelope(code ErrorCode, message string) *Envelope {
	env, _ := New(KindError, &ErrorPayload{Code: code, Message: message})
	return env
}

// NewFatalErrorEnvelope builds an error envelope announcing the sender
// will close the connection.
func NewFatalErrorEnvelope(code ErrorCode, message string) *Envelope {
	env, _ := New(KindError, &ErrorPayload{Code: code, Message: message, Fatal: true})
	return env
}

// DecodeError parses an error payload.
func DecodeError(raw json.RawMessage) (*ErrorPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode error payload: %w", err)
	}
	return &p, nil
}
