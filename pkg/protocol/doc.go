// Package protocol implements the wire protocol for Tandem.
//
// Every unit exchanged over any channel, signaling or peer, is a single
// JSON envelope. The envelope is the only framing the engine relies on;
// payloads are schema-on-read and validated at the decode boundary.
//
// # Wire Format
//
// An envelope is one JSON object:
//
//	{
//	  "kind":      "sync",              // fixed enumeration, see Kind
//	  "id":        "<uuid>",            // unique per envelope
//	  "timestamp": 1712345678901,       // unix milliseconds at send
//	  "senderId":  "<peer id>",         // stamped by the transport
//	  "targetId":  "<peer id>",         // optional relay routing hint
//	  "payload":   { ... },             // kind-specific, may be absent
//	  "reliable":  true                 // delivery class
//	}
//
// # Kinds
//
//   - ping / pong: keep-alive and latency measurement
//   - join / leave: room membership
//   - state: connection plumbing (hello handshake)
//   - rpc: request/response correlated by requestId
//   - sync: entity synchronization (see SyncType)
//   - error: structured failure notification
//   - action / chat: opaque application traffic
//
// # Delivery classes
//
// Envelopes sent on a reliable path arrive in send order on that path.
// Unreliable envelopes may be dropped or reordered and never carry
// protocol-critical framing; only best-effort entity deltas travel
// unreliably.
//
// # Validation
//
// Decode rejects envelopes that exceed MaxEnvelopeSize, carry an unknown
// kind, or miss required fields. Payload decoders (DecodeRPC, DecodeSync,
// ...) validate the kind-specific shape; a failed decode discards the
// single envelope and never tears down the connection.
package protocol
