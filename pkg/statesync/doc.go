// Package statesync keeps a registry of shared entities consistent
// across peers using a configurable strategy, while bounding network and
// CPU cost.
//
// An Engine owns the entity registry, a bounded snapshot ring, and an
// input log. Two loops drive it: the tick loop runs the configured
// strategy (prediction replay, interpolation, or nothing for
// authoritative and lockstep), and the send loop packages dirty
// locally-owned entities as delta updates and broadcasts them together
// with unacknowledged input frames. Inbound sync envelopes are applied
// through HandleEnvelope under a single registry mutex, so tick, send,
// and receive never interleave mid-operation.
//
// # Ownership and versions
//
// Every entity carries an ownership (server, local, remote, or shared)
// and a monotonically increasing version. Local writes are accepted only
// for local- and shared-owned entities. Inbound deltas apply only when
// their version is newer than the local copy, except for remote-owned
// entities where the remote side is always authoritative. An entity's
// version never decreases.
//
// # Strategies
//
//   - authoritative: inbound updates apply as they arrive; no local
//     correction.
//   - client-prediction: recorded inputs replay against local state every
//     tick; server reconciliation corrects the baseline and replays the
//     unacknowledged tail.
//   - interpolation: flagged entities render a point interpolationDelay
//     in the past, blended between the two bracketing snapshots.
//   - lockstep: the engine only buffers inputs per tick and reports
//     readiness; advancing the simulation is the consumer's call.
package statesync
