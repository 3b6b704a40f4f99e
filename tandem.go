// Package tandem is the composition root for the engine: one Client
// owns a transport.Manager and a statesync.Engine, wires the
// transport's events into the engine, and exposes the consumer-facing
// surface of both.
//
// A Client is explicitly constructed and injectable; nothing in this
// module is a package-level singleton:
//
//	client, err := tandem.New(tandem.Config{
//		Transport: transport.Config{ServerURL: "ws://localhost:8787/ws"},
//		Sync:      statesync.Config{Strategy: statesync.StrategyPrediction},
//	})
//	if err != nil { ... }
//	defer client.Close()
//
//	if err := client.Connect(ctx); err != nil { ... }
//	if err := client.JoinRoom("arena", "alice"); err != nil { ... }
package tandem

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
	"github.com/tandem-engine/tandem/pkg/protocol"
	"github.com/tandem-engine/tandem/pkg/statesync"
	"github.com/tandem-engine/tandem/pkg/transport"
)

// Config assembles a Client. The embedded sub-configs keep their own
// defaults; top-level Logger and Metrics propagate into any sub-config
// that has not set its own.
type Config struct {
	// Transport configures the signaling connection and peer channels.
	// Transport.ServerURL is required.
	Transport transport.Config

	// Sync configures the synchronization engine.
	Sync statesync.Config

	// Logger receives structured logs from both components. Default:
	// slog.Default().
	Logger *slog.Logger

	// Metrics, when set, registers Prometheus instruments for both
	// components with this registerer.
	Metrics prometheus.Registerer
}

// Client is the consumer-facing facade over the transport manager and
// the synchronization engine. All methods are safe for concurrent use.
type Client struct {
	log       *slog.Logger
	transport *transport.Manager
	sync      *statesync.Engine

	pumpCancel func()
	closed     atomic.Bool
}

// New builds the Client: transport first, then the engine on top of it,
// then the event pump that feeds transport traffic into the engine. The
// engine's loops start immediately; network activity waits for Connect.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger
	}
	if cfg.Sync.Logger == nil {
		cfg.Sync.Logger = cfg.Logger
	}
	if cfg.Metrics != nil {
		if cfg.Transport.Metrics == nil {
			cfg.Transport.Metrics = transport.NewMetrics(cfg.Metrics)
		}
		if cfg.Sync.Metrics == nil {
			cfg.Sync.Metrics = statesync.NewMetrics(cfg.Metrics)
		}
	}

	mgr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	eng, err := statesync.New(cfg.Sync, mgr)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	c := &Client{
		log:       cfg.Logger.With("component", "client"),
		transport: mgr,
		sync:      eng,
	}

	events, cancel := mgr.Events()
	c.pumpCancel = cancel
	go c.pump(events)

	if err := eng.Start(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// pump forwards transport events into the engine: sync envelopes feed
// the registry, peer joins trigger the auto full-sync. It exits when
// the subscription is canceled by Close.
func (c *Client) pump(events <-chan transport.Event) {
	for ev := range events {
		switch ev.Kind {
		case transport.EventMessage:
			if ev.Envelope != nil && ev.Envelope.Kind == protocol.KindSync {
				// Decode failures are already logged and counted inside.
				_ = c.sync.HandleEnvelope(ev.Envelope)
			}
		case transport.EventPeerJoined:
			if ev.Peer != nil {
				c.sync.HandlePeerJoined(ev.Peer.PeerID)
			}
		}
	}
}

// Close shuts everything down: the event pump, the engine's loops, and
// the transport with all its connections. Idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.pumpCancel()
	_ = c.sync.Close()
	return c.transport.Close()
}

// Connect dials the rendezvous relay and completes the hello handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect closes the signaling connection and every peer channel,
// with no automatic reconnection afterwards.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// JoinRoom enters a room on the relay, announcing displayName.
func (c *Client) JoinRoom(roomID, displayName string) error {
	return c.transport.JoinRoom(roomID, displayName)
}

// LeaveRoom exits the current room.
func (c *Client) LeaveRoom() error {
	return c.transport.LeaveRoom()
}

// SendMessage sends a payload of the given kind over the signaling
// connection. Reliable messages queue while disconnected.
func (c *Client) SendMessage(kind protocol.Kind, payload any, reliable bool) error {
	env, err := protocol.New(kind, payload)
	if err != nil {
		return err
	}
	env.Reliable = reliable
	return c.transport.Send(env)
}

// SendToPeer sends a payload of the given kind to one peer, over its
// direct channel when open and via relay routing otherwise.
func (c *Client) SendToPeer(peerID string, kind protocol.Kind, payload any, reliable bool) error {
	env, err := protocol.New(kind, payload)
	if err != nil {
		return err
	}
	env.Reliable = reliable
	return c.transport.SendToPeer(peerID, env)
}

// Broadcast sends a payload of the given kind to every known peer.
// Partial failures are tolerated; the first error is returned after
// every peer has been attempted.
func (c *Client) Broadcast(kind protocol.Kind, payload any, reliable bool) error {
	env, err := protocol.New(kind, payload)
	if err != nil {
		return err
	}
	env.Reliable = reliable
	return c.transport.Broadcast(env)
}

// CallRPC invokes a method on the relay, or on a peer with
// transport.WithTarget, and waits for the correlated response.
func (c *Client) CallRPC(ctx context.Context, method string, params any, opts ...transport.CallOption) (json.RawMessage, error) {
	return c.transport.Call(ctx, method, params, opts...)
}

// RegisterRPC makes a method callable by remote parties.
func (c *Client) RegisterRPC(def transport.RPCDefinition) error {
	return c.transport.RegisterRPC(def)
}

// UnregisterRPC removes a method from the handler table.
func (c *Client) UnregisterRPC(method string) {
	c.transport.UnregisterRPC(method)
}

// LocalID returns the peer ID the relay assigned, or "" before the
// first successful connect.
func (c *Client) LocalID() string {
	return c.transport.LocalID()
}

// State returns the signaling connection state.
func (c *Client) State() transport.ConnState {
	return c.transport.State()
}

// Peers snapshots the known peers sorted by ID.
func (c *Client) Peers() []transport.PeerInfo {
	return c.transport.Peers()
}

// Latency returns the last measured signaling round trip in
// milliseconds.
func (c *Client) Latency() int64 {
	return c.transport.Latency()
}

// TransportEvents subscribes to connection and peer lifecycle events.
// The cancel function releases the subscription.
func (c *Client) TransportEvents() (<-chan transport.Event, func()) {
	return c.transport.Events()
}

// SyncEvents subscribes to entity lifecycle and correction events. The
// cancel function releases the subscription.
func (c *Client) SyncEvents() (<-chan statesync.Event, func()) {
	return c.sync.Events()
}

// RegisterEntity creates or replaces a synchronized entity.
func (c *Client) RegisterEntity(id string, initialState map[string]any, ownership statesync.Ownership, priority statesync.Priority, interpolating bool) error {
	return c.sync.RegisterEntity(id, initialState, ownership, priority, interpolating)
}

// UnregisterEntity removes an entity locally and notifies peers unless
// it was remote-owned.
func (c *Client) UnregisterEntity(id string) error {
	return c.sync.UnregisterEntity(id)
}

// UpdateEntity merges fields into a locally writable entity and marks
// it dirty for the next send.
func (c *Client) UpdateEntity(id string, fields map[string]any) error {
	return c.sync.UpdateEntity(id, fields)
}

// Entity returns a detached copy of one entity.
func (c *Client) Entity(id string) (statesync.EntityView, bool) {
	return c.sync.Entity(id)
}

// Entities returns detached copies of every entity, sorted by ID.
func (c *Client) Entities() []statesync.EntityView {
	return c.sync.Entities()
}

// RecordInput appends one input frame for prediction replay and returns
// its sequence number.
func (c *Client) RecordInput(inputs map[string]any) (uint64, error) {
	return c.sync.RecordInput(inputs)
}

// TransferOwnership reassigns an entity to a new owner and broadcasts
// the transfer.
func (c *Client) TransferOwnership(entityID, newOwnerID string) error {
	return c.sync.TransferOwnership(entityID, newOwnerID)
}

// RequestFullSync asks one peer for a complete snapshot of its
// authoritative entities.
func (c *Client) RequestFullSync(peerID string) error {
	return c.sync.RequestFullSync(peerID)
}

// LockstepInputs returns the input frames buffered for one lockstep
// tick.
func (c *Client) LockstepInputs(tick uint64) []protocol.InputFrame {
	return c.sync.LockstepInputs(tick)
}

// LockstepReady reports whether every named participant has contributed
// an input frame for the tick.
func (c *Client) LockstepReady(tick uint64, participants []string) bool {
	return c.sync.LockstepReady(tick, participants)
}

// LockstepClear retires buffered lockstep inputs through the given tick.
func (c *Client) LockstepClear(throughTick uint64) {
	c.sync.LockstepClear(throughTick)
}

// TransportStats snapshots the transport counters.
func (c *Client) TransportStats() transport.Stats {
	return c.transport.Stats()
}

// SyncStats snapshots the engine counters.
func (c *Client) SyncStats() statesync.Stats {
	return c.sync.Stats()
}
