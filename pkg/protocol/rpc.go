package protocol

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// RPC payload errors.
var (
	ErrMissingRequestID = errors.New("protocol: rpc payload missing requestId")
	ErrMethodTooLong    = errors.New("protocol: rpc method exceeds MaxMethodLength")
)

// RPCPayload is the schema-on-read shape of an rpc envelope. A payload
// carrying a method is a request; anything else is a response resolving
// the pending call registered under RequestID.
type RPCPayload struct {
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsRequest reports whether the payload is an RPC request.
func (p *RPCPayload) IsRequest() bool { return p.Method != "" }

// NewRPCRequest builds a request envelope with a fresh request id and
// returns the payload alongside it so the caller can track the id.
func NewRPCRequest(method string, params any) (*Envelope, *RPCPayload, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("protocol: marshal rpc params: %w", err)
		}
		raw = b
	}
	p := &RPCPayload{Method: method, Params: raw, RequestID: NewID()}
	env, err := New(KindRPC, p)
	if err != nil {
		return nil, nil, err
	}
	return env, p, nil
}

// NewRPCResult builds the success response for requestID.
func NewRPCResult(requestID string, result any) (*Envelope, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal rpc result: %w", err)
		}
		raw = b
	}
	return New(KindRPC, &RPCPayload{RequestID: requestID, Result: raw})
}

// NewRPCError builds the failure response for requestID.
func NewRPCError(requestID, message string) *Envelope {
	env, _ := New(KindRPC, &RPCPayload{RequestID: requestID, Error: message})
	return env
}

// DecodeRPC parses and validates an rpc payload.
func DecodeRPC(raw json.RawMessage) (*RPCPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var p RPCPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode rpc payload: %w", err)
	}
	if p.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	if len(p.Method) > MaxMethodLength {
		return nil, ErrMethodTooLong
	}
	return &p, nil
}
