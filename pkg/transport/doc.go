// Package transport maintains the signaling connection to a rendezvous
// relay and the direct peer channels negotiated through it.
//
// A Manager owns exactly one signaling WebSocket and zero or more peer
// connections. It provides three delivery primitives:
//
//   - Send: over the signaling connection (queued while disconnected if
//     the envelope is reliable)
//   - SendToPeer: over a peer's reliable or unreliable data channel
//   - Broadcast: to every known peer, via its channel when open and via
//     targeted relay routing otherwise
//
// plus Call/RegisterRPC for request/response RPC correlated by request id
// over either path.
//
// # Connection lifecycle
//
//	disconnected -> connecting -> connected
//	                    |             |
//	                    v             v
//	                  error      reconnecting -> connected
//	                                  |
//	                                  v  (max retries)
//	                             disconnected
//
// Unexpected signaling loss triggers automatic reconnection with
// exponential backoff (RetryDelay doubled per attempt, up to MaxRetries).
// A manual Disconnect is final: no automatic reconnection afterwards.
//
// # Peer channels
//
// Peers are discovered through join envelopes fanned out by the relay.
// For each new peer the side with the lexicographically smaller peer ID
// initiates a WebRTC negotiation: one ordered reliable data channel, one
// unordered non-retransmitting unreliable channel. SDP and ICE candidates
// travel as targeted RPC over the signaling connection (reserved methods
// peer.offer and peer.candidate).
//
// Every blocking operation takes a context; sends are fire-and-forget.
package transport
