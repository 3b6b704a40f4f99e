// Package relay implements the rendezvous service the transport speaks
// to: a WebSocket endpoint that assigns peer identities, tracks room
// rosters, and routes envelopes between its clients.
//
// Routing rules, in order:
//
//   - An envelope carrying a targetId is forwarded to that peer alone;
//     an unknown target earns the sender a non-fatal error envelope.
//   - ping is answered with a pong echoing the original timestamp.
//   - join and leave maintain room membership and fan the change out to
//     the rest of the room.
//   - rpc requests without a target are dispatched against the relay's
//     own handler table; unknown methods get an error response naming
//     the method.
//   - Everything else (sync, chat, action, state) is broadcast to the
//     sender's room.
//
// Malformed envelopes are logged, answered with a bad-envelope error,
// and discarded; the connection stays up.
//
// A Server exposes its HTTP surface through Handler (mounting /ws,
// /healthz and /metrics) and runs standalone via Run, which serves until
// the context is canceled and then shuts down gracefully.
package relay
