package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrNotConnected is returned when an operation needs a live
	// signaling connection and there is none.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectTimeout is returned when dialing or the hello handshake
	// exceeds the configured timeout.
	ErrConnectTimeout = errors.New("transport: connect timed out")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: manager closed")

	// ErrPeerNotFound is returned when a peer ID names no known peer.
	ErrPeerNotFound = errors.New("transport: peer not found")

	// ErrNoOpenChannel is returned when a peer exists but has no channel
	// able to carry the envelope. Callers may retry or fall back to relay
	// routing.
	ErrNoOpenChannel = errors.New("transport: no open channel to peer")

	// ErrCallTimeout is returned when an RPC deadline elapses before the
	// response arrives. The remote may still have executed the call.
	ErrCallTimeout = errors.New("transport: rpc call timed out")

	// ErrReservedMethod is returned by RegisterRPC for names under the
	// reserved peer. prefix.
	ErrReservedMethod = errors.New("transport: method name is reserved")

	// ErrHelloMissing is returned when the relay does not open the
	// conversation with a hello envelope.
	ErrHelloMissing = errors.New("transport: relay did not send hello")
)

// PeerError wraps a failure scoped to one peer.
type PeerError struct {
	PeerID string
	Op     string
	Err    error
}

// Error implements the error interface.
func (e *PeerError) Error() string {
	return fmt.Sprintf("transport: peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PeerError) Unwrap() error { return e.Err }

// RPCError is a failure reported by the remote side of a call.
type RPCError struct {
	Method string
	Reason string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("transport: rpc %s: %s", e.Method, e.Reason)
}
