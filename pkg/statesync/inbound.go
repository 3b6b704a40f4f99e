package statesync

import (
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// HandleEnvelope feeds one inbound envelope to the engine. Envelopes of
// any kind other than sync pass through untouched. Malformed sync
// payloads are dropped and the decode error returned.
func (e *Engine) HandleEnvelope(env *protocol.Envelope) error {
	if env == nil || env.Kind != protocol.KindSync {
		return nil
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg, err := protocol.DecodeSync(env.Payload)
	if err != nil {
		e.log.Warn("dropping malformed sync payload", "from", env.SenderID, "err", err)
		return err
	}
	e.cfg.Metrics.observeEnvelope(string(msg.Type))
	switch msg.Type {
	case protocol.SyncStateUpdate:
		e.applyStateUpdate(env.SenderID, env.Timestamp, msg)
	case protocol.SyncEntityDelete:
		e.applyDelete(msg.EntityID)
	case protocol.SyncFullSync:
		e.applyFullSync(env.SenderID, msg.Snapshot)
	case protocol.SyncFullSyncRequest:
		e.answerFullSync(env.SenderID)
	case protocol.SyncReconciliation:
		e.applyReconciliation(msg)
	case protocol.SyncOwnershipTransfer:
		e.applyTransfer(msg)
	}
	return nil
}

// applyStateUpdate merges inbound deltas into the registry. Unknown
// entities are created remote-owned. Known entities take the delta only
// when it carries a newer version or the entity is remote-owned; the
// version never decreases either way. Under the lockstep strategy the
// carried input frames land in the lockstep buffer. The post-apply
// states are recorded as a snapshot stamped with the sender's send time.
func (e *Engine) applyStateUpdate(sender string, sentAt int64, msg *protocol.SyncMessage) {
	now := e.now()
	var events []Event

	e.mu.Lock()
	applied := 0
	for _, d := range msg.Entities {
		if d.EntityID == "" {
			continue
		}
		ent, ok := e.entities[d.EntityID]
		if !ok {
			ent = &entity{
				id:           d.EntityID,
				ownerID:      sender,
				ownership:    OwnerRemote,
				priority:     PriorityMedium,
				version:      d.Version,
				state:        copyState(d.ChangedFields),
				lastUpdateAt: now,
			}
			e.entities[d.EntityID] = ent
			applied++
			view := ent.view()
			events = append(events, Event{Kind: EventEntityCreated, EntityID: d.EntityID, Entity: &view})
			continue
		}
		if d.Version <= ent.version && ent.ownership != OwnerRemote {
			continue
		}
		for k, v := range d.ChangedFields {
			ent.state[k] = copyValue(v)
		}
		if d.Version > ent.version {
			ent.version = d.Version
		}
		ent.lastUpdateAt = now
		applied++
		view := ent.view()
		events = append(events, Event{Kind: EventEntityUpdated, EntityID: d.EntityID, Entity: &view})
	}
	if e.cfg.Strategy == StrategyLockstep {
		for _, f := range msg.Inputs {
			e.lockstep.add(f)
		}
	}
	if applied > 0 {
		states := make(map[string]map[string]any, len(msg.Entities))
		for _, d := range msg.Entities {
			if ent, ok := e.entities[d.EntityID]; ok {
				states[d.EntityID] = copyState(ent.state)
			}
		}
		ts := sentAt
		if ts == 0 {
			ts = now.UnixMilli()
		}
		e.snapshots.push(&Snapshot{
			Timestamp: ts,
			Sequence:  msg.Sequence,
			Entities:  states,
			Inputs:    msg.Inputs,
		})
	}
	e.stats.deltasReceived += uint64(applied)
	entityCount := len(e.entities)
	snapCount := e.snapshots.len()
	e.mu.Unlock()

	e.cfg.Metrics.addDeltasReceived(applied)
	e.cfg.Metrics.setEntities(entityCount)
	e.cfg.Metrics.setSnapshots(snapCount)
	for i := range events {
		e.emit(events[i])
	}
	if applied > 0 || len(msg.Inputs) > 0 {
		e.emit(Event{Kind: EventStateSynced, Sequence: msg.Sequence})
	}
}

// applyDelete removes an entity on a peer's notification. Unknown IDs
// are a no-op.
func (e *Engine) applyDelete(id string) {
	e.mu.Lock()
	ent, ok := e.entities[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.entities, id)
	n := len(e.entities)
	view := ent.view()
	e.mu.Unlock()

	e.cfg.Metrics.setEntities(n)
	e.log.Debug("entity deleted by peer", "entity", id)
	e.emit(Event{Kind: EventEntityDeleted, EntityID: id, Entity: &view})
}

// applyFullSync installs a peer's snapshot. Unknown entities are created
// with the record's metadata; known entities take the full state under
// the same version gate as deltas. The interpolating flag of an existing
// entity is a local choice and survives the sync.
func (e *Engine) applyFullSync(sender string, snap *protocol.SnapshotPayload) {
	if snap == nil {
		return
	}
	now := e.now()
	localID := e.sender.LocalID()
	var events []Event

	e.mu.Lock()
	states := make(map[string]map[string]any, len(snap.Entities))
	for _, rec := range snap.Entities {
		if rec.EntityID == "" {
			continue
		}
		ownerID := rec.OwnerID
		if ownerID == "" {
			ownerID = sender
		}
		ent, ok := e.entities[rec.EntityID]
		if !ok {
			own := OwnerRemote
			if localID != "" && ownerID == localID {
				own = OwnerLocal
			}
			prio := Priority(rec.Priority)
			if !prio.Valid() {
				prio = PriorityMedium
			}
			ent = &entity{
				id:            rec.EntityID,
				ownerID:       ownerID,
				ownership:     own,
				priority:      prio,
				interpolating: rec.Interpolating,
				version:       rec.Version,
				state:         copyState(rec.State),
				lastUpdateAt:  now,
			}
			e.entities[rec.EntityID] = ent
			view := ent.view()
			events = append(events, Event{Kind: EventEntityCreated, EntityID: rec.EntityID, Entity: &view})
		} else if rec.Version > ent.version || ent.ownership == OwnerRemote {
			ent.state = copyState(rec.State)
			if rec.Version > ent.version {
				ent.version = rec.Version
			}
			ent.ownerID = ownerID
			if prio := Priority(rec.Priority); prio.Valid() {
				ent.priority = prio
			}
			ent.lastUpdateAt = now
			view := ent.view()
			events = append(events, Event{Kind: EventEntityUpdated, EntityID: rec.EntityID, Entity: &view})
		}
		if cur, ok := e.entities[rec.EntityID]; ok {
			states[rec.EntityID] = copyState(cur.state)
		}
	}
	if len(states) > 0 {
		ts := snap.Timestamp
		if ts == 0 {
			ts = now.UnixMilli()
		}
		e.snapshots.push(&Snapshot{Timestamp: ts, Sequence: snap.Sequence, Entities: states})
	}
	e.stats.fullSyncsReceived++
	entityCount := len(e.entities)
	snapCount := e.snapshots.len()
	e.mu.Unlock()

	e.cfg.Metrics.incFullSync("received")
	e.cfg.Metrics.setEntities(entityCount)
	e.cfg.Metrics.setSnapshots(snapCount)
	e.log.Info("full sync applied", "from", sender, "entities", len(snap.Entities))
	for i := range events {
		e.emit(events[i])
	}
	e.emit(Event{Kind: EventStateSynced, Sequence: snap.Sequence})
}

// answerFullSync replies to a full-sync request with a targeted snapshot.
func (e *Engine) answerFullSync(requester string) {
	if requester == "" || requester == e.sender.LocalID() {
		return
	}
	if err := e.sendFullSync(requester); err != nil {
		e.log.Warn("full sync reply failed", "peer", requester, "err", err)
	}
}

// applyReconciliation overwrites locally owned entities with the
// authority's values, flags every field that drifted beyond tolerance,
// and retires acknowledged input frames. Frames above the acknowledged
// sequence replay against the corrected baseline on the next tick.
func (e *Engine) applyReconciliation(msg *protocol.SyncMessage) {
	now := e.now()
	var corrections []Correction

	e.mu.Lock()
	applied := 0
	for _, d := range msg.Entities {
		ent, ok := e.entities[d.EntityID]
		if !ok || ent.ownership != OwnerLocal {
			continue
		}
		for field, auth := range d.ChangedFields {
			if pred, has := ent.state[field]; has && !withinTolerance(pred, auth) {
				corrections = append(corrections, Correction{
					EntityID:      d.EntityID,
					Field:         field,
					Predicted:     copyValue(pred),
					Authoritative: copyValue(auth),
				})
			}
			ent.state[field] = copyValue(auth)
		}
		if d.Version > ent.version {
			ent.version = d.Version
		}
		ent.lastUpdateAt = now
		applied++
	}
	dropped, replaying := 0, 0
	if msg.Sequence > 0 {
		dropped, replaying = e.inputs.ack(msg.Sequence)
	}
	e.stats.correctionsApplied += uint64(applied)
	e.stats.predictionErrors += uint64(len(corrections))
	e.mu.Unlock()

	if dropped > 0 {
		e.cfg.Metrics.observeInput("acked", dropped)
	}
	for i := range corrections {
		e.cfg.Metrics.incPredictionErrors()
		c := corrections[i]
		e.emit(Event{Kind: EventPredictionCorrected, EntityID: c.EntityID, Correction: &c})
	}
	if applied > 0 || dropped > 0 {
		e.log.Debug("reconciliation applied",
			"entities", applied,
			"corrections", len(corrections),
			"acked", dropped,
			"replaying", replaying)
	}
}

// applyTransfer arbitrates an inbound ownership claim: a higher version
// wins outright, and on a version tie the lexicographically smaller
// owner ID wins, so concurrent claims settle the same way on every
// peer. Transfers for unknown entities are dropped; the entity arrives
// later by delta or full-sync.
func (e *Engine) applyTransfer(msg *protocol.SyncMessage) {
	now := e.now()
	localID := e.sender.LocalID()

	e.mu.Lock()
	ent, ok := e.entities[msg.EntityID]
	if !ok {
		e.mu.Unlock()
		e.log.Debug("transfer for unknown entity", "entity", msg.EntityID)
		return
	}
	accept := msg.Version > ent.version ||
		(msg.Version == ent.version && msg.NewOwnerID < ent.ownerID)
	if !accept {
		e.mu.Unlock()
		return
	}
	ent.version = msg.Version
	ent.ownerID = msg.NewOwnerID
	if localID != "" && msg.NewOwnerID == localID {
		ent.ownership = OwnerLocal
	} else {
		ent.ownership = OwnerRemote
		ent.dirty = false
		ent.changed = nil
	}
	ent.lastUpdateAt = now
	view := ent.view()
	e.mu.Unlock()

	e.log.Info("ownership changed", "entity", msg.EntityID, "new_owner", msg.NewOwnerID)
	e.emit(Event{Kind: EventOwnershipChanged, EntityID: msg.EntityID, NewOwnerID: msg.NewOwnerID, Entity: &view})
}
