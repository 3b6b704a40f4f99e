package statesync

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

// Sender is the wire surface the engine needs from the transport.
// *transport.Manager satisfies it.
type Sender interface {
	Send(env *protocol.Envelope) error
	SendToPeer(peerID string, env *protocol.Envelope) error
	Broadcast(env *protocol.Envelope) error
	LocalID() string
}

// Engine keeps the entity registry consistent across peers.
//
// One mutex guards the registry, the snapshot ring, and the input log;
// the tick loop, the send loop, and inbound envelope handling are its
// only writers. Consumers see entities only as detached copies.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	sender Sender
	hub    *eventHub

	mu        sync.Mutex
	entities  map[string]*entity
	snapshots *snapshotRing
	inputs    *inputLog
	lockstep  *lockstepBuffer
	sequence  uint64
	stats     counters
	started   bool
	closed    bool

	stop chan struct{}
}

// counters aggregates under the engine mutex.
type counters struct {
	deltasSent         uint64
	deltasReceived     uint64
	fullSyncsSent      uint64
	fullSyncsReceived  uint64
	predictionErrors   uint64
	correctionsApplied uint64
	inputsRecorded     uint64
	inputsReplayed     uint64
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	Entities           int
	SnapshotsBuffered  int
	InputsBuffered     int
	Sequence           uint64
	DeltasSent         uint64
	DeltasReceived     uint64
	FullSyncsSent      uint64
	FullSyncsReceived  uint64
	PredictionErrors   uint64
	CorrectionsApplied uint64
	InputsRecorded     uint64
	InputsReplayed     uint64
	EventsDropped      uint64
}

// New builds an Engine from cfg, sending through sender. The zero values
// of cfg take documented defaults before validation.
func New(cfg Config, sender Sender) (*Engine, error) {
	if sender == nil {
		return nil, errors.New("statesync: sender is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "statesync"),
		sender:    sender,
		hub:       newEventHub(cfg.EventBuffer),
		entities:  make(map[string]*entity),
		snapshots: newSnapshotRing(cfg.SnapshotBufferSize),
		inputs:    newInputLog(),
		lockstep:  newLockstepBuffer(),
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the tick and send loops. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	e.started = true
	go e.run()
	e.log.Info("engine started",
		"strategy", e.cfg.Strategy,
		"tick_rate", e.cfg.TickRate,
		"send_rate", e.cfg.SendRate)
	return nil
}

// Close stops the loops and ends every event subscription. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.stop)
	e.hub.close()
	return nil
}

// run drives both loops from one goroutine so a tick and a send never
// interleave.
func (e *Engine) run() {
	tick := time.NewTicker(e.cfg.tickInterval())
	defer tick.Stop()
	send := time.NewTicker(e.cfg.sendInterval())
	defer send.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-tick.C:
			e.tick()
		case <-send.C:
			e.flush()
		}
	}
}

// Events subscribes to sync events. The returned cancel releases the
// subscription; a slow reader loses events beyond the configured buffer.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.hub.subscribe()
}

// RegisterEntity creates or replaces the entity with the given id.
// Empty ownership means local, empty priority means medium. A locally
// owned entity starts dirty so the next send announces it.
func (e *Engine) RegisterEntity(id string, initialState map[string]any, ownership Ownership, priority Priority, interpolating bool) error {
	if id == "" {
		return errors.New("statesync: entity id required")
	}
	if ownership == "" {
		ownership = OwnerLocal
	}
	if !ownership.Valid() {
		return fmt.Errorf("statesync: unknown ownership %q", string(ownership))
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return fmt.Errorf("statesync: unknown priority %q", string(priority))
	}

	now := e.now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ownerID := ""
	switch ownership {
	case OwnerLocal, OwnerShared:
		ownerID = e.sender.LocalID()
	case OwnerServer:
		ownerID = "server"
	}
	ent := &entity{
		id:            id,
		ownerID:       ownerID,
		ownership:     ownership,
		priority:      priority,
		interpolating: interpolating,
		version:       1,
		state:         copyState(initialState),
		lastUpdateAt:  now,
	}
	if ownership.writable() {
		ent.markChanged(ent.state, now)
	}
	e.entities[id] = ent
	n := len(e.entities)
	view := ent.view()
	e.mu.Unlock()

	e.cfg.Metrics.setEntities(n)
	e.log.Info("entity registered", "entity", id, "ownership", ownership, "priority", priority)
	e.emit(Event{Kind: EventEntityCreated, EntityID: id, Entity: &view})
	return nil
}

// UnregisterEntity removes the entity locally and, unless it was
// remote-owned, tells peers to delete it too.
func (e *Engine) UnregisterEntity(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ent, ok := e.entities[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	delete(e.entities, id)
	n := len(e.entities)
	view := ent.view()
	notify := ent.ownership != OwnerRemote
	e.mu.Unlock()

	e.cfg.Metrics.setEntities(n)
	e.log.Info("entity unregistered", "entity", id)
	e.emit(Event{Kind: EventEntityDeleted, EntityID: id, Entity: &view})
	if notify {
		if err := e.sender.Broadcast(protocol.NewEntityDelete(id)); err != nil {
			e.log.Warn("entity delete broadcast failed", "entity", id, "err", err)
		}
	}
	return nil
}

// UpdateEntity merges fields into a locally writable entity, bumps its
// version, and marks it dirty for the next send.
func (e *Engine) UpdateEntity(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	now := e.now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ent, ok := e.entities[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if !ent.ownership.writable() {
		own := ent.ownership
		e.mu.Unlock()
		return &OwnershipError{EntityID: id, Ownership: own}
	}
	for k, v := range fields {
		ent.state[k] = copyValue(v)
	}
	ent.version++
	ent.markChanged(fields, now)
	view := ent.view()
	e.mu.Unlock()

	e.emit(Event{Kind: EventEntityUpdated, EntityID: id, Entity: &view})
	return nil
}

// Entity returns a detached copy of one entity.
func (e *Engine) Entity(id string) (EntityView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entities[id]
	if !ok {
		return EntityView{}, false
	}
	return ent.view(), true
}

// Entities returns detached copies of every entity, sorted by ID.
func (e *Engine) Entities() []EntityView {
	e.mu.Lock()
	views := make([]EntityView, 0, len(e.entities))
	for _, ent := range e.entities {
		views = append(views, ent.view())
	}
	e.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// RecordInput appends one input frame to the log and returns its
// sequence. The frame replays on the next prediction tick and
// rebroadcasts with every send until the authority acknowledges it.
func (e *Engine) RecordInput(inputs map[string]any) (uint64, error) {
	now := e.now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	seq := e.inputs.record(e.sender.LocalID(), inputs, now.UnixMilli())
	if e.cfg.Strategy == StrategyLockstep {
		e.lockstep.add(protocol.InputFrame{
			Sequence:  seq,
			Timestamp: now.UnixMilli(),
			PlayerID:  e.sender.LocalID(),
			Inputs:    copyState(inputs),
		})
	}
	e.stats.inputsRecorded++
	e.mu.Unlock()

	e.cfg.Metrics.observeInput("recorded", 1)
	return seq, nil
}

// TransferOwnership reassigns the entity to newOwnerID, broadcasts the
// transfer, and updates local bookkeeping: the entity becomes local if
// the new owner is this client, remote otherwise. Only the current
// owner may transfer.
func (e *Engine) TransferOwnership(entityID, newOwnerID string) error {
	if newOwnerID == "" {
		return errors.New("statesync: new owner id required")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ent, ok := e.entities[entityID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if !ent.ownership.writable() {
		own := ent.ownership
		e.mu.Unlock()
		return &OwnershipError{EntityID: entityID, Ownership: own}
	}
	ent.version++
	ent.ownerID = newOwnerID
	if newOwnerID == e.sender.LocalID() {
		ent.ownership = OwnerLocal
	} else {
		ent.ownership = OwnerRemote
		ent.dirty = false
		ent.changed = nil
	}
	version := ent.version
	view := ent.view()
	e.mu.Unlock()

	e.log.Info("ownership transferred", "entity", entityID, "new_owner", newOwnerID)
	e.emit(Event{Kind: EventOwnershipChanged, EntityID: entityID, NewOwnerID: newOwnerID, Entity: &view})
	if err := e.sender.Broadcast(protocol.NewOwnershipTransfer(entityID, newOwnerID, version)); err != nil {
		e.log.Warn("ownership transfer broadcast failed", "entity", entityID, "err", err)
	}
	return nil
}

// RequestFullSync asks one peer for a complete snapshot of its
// authoritative entities.
func (e *Engine) RequestFullSync(peerID string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.sender.SendToPeer(peerID, protocol.NewFullSyncRequest())
}

// HandlePeerJoined reacts to a new peer: with AutoFullSync enabled it
// sends them a full snapshot of locally authoritative entities.
func (e *Engine) HandlePeerJoined(peerID string) {
	if !e.cfg.AutoFullSync || peerID == "" {
		return
	}
	if err := e.sendFullSync(peerID); err != nil {
		e.log.Warn("auto full-sync failed", "peer", peerID, "err", err)
	}
}

// sendFullSync snapshots every locally authoritative entity and sends it
// to one peer. A no-op when nothing is locally owned.
func (e *Engine) sendFullSync(peerID string) error {
	now := e.now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	var records []protocol.EntityRecord
	for _, ent := range e.entities {
		if !ent.ownership.writable() {
			continue
		}
		records = append(records, protocol.EntityRecord{
			EntityID:      ent.id,
			OwnerID:       ent.ownerID,
			Priority:      string(ent.priority),
			Interpolating: ent.interpolating,
			Version:       ent.version,
			State:         copyState(ent.state),
		})
	}
	sequence := e.sequence
	e.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].EntityID < records[j].EntityID })

	env, err := protocol.NewFullSync(&protocol.SnapshotPayload{
		Timestamp: now.UnixMilli(),
		Sequence:  sequence,
		Entities:  records,
	})
	if err != nil {
		return err
	}
	if err := e.sender.SendToPeer(peerID, env); err != nil {
		return err
	}
	e.mu.Lock()
	e.stats.fullSyncsSent++
	e.mu.Unlock()
	e.cfg.Metrics.incFullSync("sent")
	e.log.Debug("full sync sent", "peer", peerID, "entities", len(records))
	return nil
}

// LockstepInputs returns the frames buffered for one lockstep tick,
// ordered by player ID. The frame sequence is the tick number.
func (e *Engine) LockstepInputs(tick uint64) []protocol.InputFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockstep.inputs(tick)
}

// LockstepReady reports whether every named participant has contributed
// an input frame for the tick. Gating the simulation on it is the
// consumer's call.
func (e *Engine) LockstepReady(tick uint64, participants []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockstep.ready(tick, participants)
}

// LockstepClear drops buffered lockstep inputs for every tick at or
// below the given one, once the consumer has advanced past them. Under
// the lockstep strategy it also retires the local input frames consumed
// with those ticks so they stop rebroadcasting.
func (e *Engine) LockstepClear(throughTick uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockstep.clearThrough(throughTick)
	if e.cfg.Strategy == StrategyLockstep {
		e.inputs.ack(throughTick)
	}
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Entities:           len(e.entities),
		SnapshotsBuffered:  e.snapshots.len(),
		InputsBuffered:     e.inputs.size(),
		Sequence:           e.sequence,
		DeltasSent:         e.stats.deltasSent,
		DeltasReceived:     e.stats.deltasReceived,
		FullSyncsSent:      e.stats.fullSyncsSent,
		FullSyncsReceived:  e.stats.fullSyncsReceived,
		PredictionErrors:   e.stats.predictionErrors,
		CorrectionsApplied: e.stats.correctionsApplied,
		InputsRecorded:     e.stats.inputsRecorded,
		InputsReplayed:     e.stats.inputsReplayed,
		EventsDropped:      e.hub.dropped.Load(),
	}
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock()
}

func (e *Engine) emit(ev Event) {
	e.hub.emit(ev)
}
