package protocol

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// SyncType discriminates the payloads of sync envelopes.
type SyncType string

// Sync payload types.
const (
	// SyncStateUpdate carries delta updates plus the sender's most recent
	// unacknowledged input frames. The only payload that may travel
	// unreliably.
	SyncStateUpdate SyncType = "state-update"

	// SyncEntityDelete removes one entity everywhere.
	SyncEntityDelete SyncType = "entity-delete"

	// SyncFullSync carries a complete snapshot of the sender's
	// authoritative entities.
	SyncFullSync SyncType = "full-sync"

	// SyncFullSyncRequest asks the target to answer with a full-sync.
	SyncFullSyncRequest SyncType = "full-sync-request"

	// SyncReconciliation carries authoritative corrections plus the
	// highest input sequence the authority has processed.
	SyncReconciliation SyncType = "server-reconciliation"

	// SyncOwnershipTransfer reassigns an entity's owner.
	SyncOwnershipTransfer SyncType = "ownership-transfer"
)

// Valid reports whether t is a recognized sync payload type.
func (t SyncType) Valid() bool {
	switch t {
	case SyncStateUpdate, SyncEntityDelete, SyncFullSync,
		SyncFullSyncRequest, SyncReconciliation, SyncOwnershipTransfer:
		return true
	}
	return false
}

// String returns the wire name of the sync type.
func (t SyncType) String() string { return string(t) }

// Sync payload errors.
var (
	ErrUnknownSyncType = errors.New("protocol: unknown sync payload type")
	ErrMissingEntityID = errors.New("protocol: sync payload missing entityId")
	ErrMissingSnapshot = errors.New("protocol: full-sync payload missing snapshot")
	ErrMissingNewOwner = errors.New("protocol: ownership-transfer payload missing newOwnerId")
)

// DeltaUpdate is the unit actually placed on the wire for entity sync:
// the changed fields of one entity, never a full dump unless a full-sync
// was requested.
type DeltaUpdate struct {
	EntityID      string         `json:"entityId"`
	ChangedFields map[string]any `json:"changedFields"`
	Version       uint64         `json:"version"`
	Timestamp     int64          `json:"timestamp"`
}

// InputFrame is one recorded unit of player input, replayed during
// prediction and acknowledged by the authority during reconciliation.
type InputFrame struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp int64          `json:"timestamp"`
	PlayerID  string         `json:"playerId"`
	Inputs    map[string]any `json:"inputs"`
}

// EntityRecord is the full form of one entity, exchanged only inside
// full-sync snapshots.
type EntityRecord struct {
	EntityID      string         `json:"entityId"`
	OwnerID       string         `json:"ownerId,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Interpolating bool           `json:"interpolating,omitempty"`
	Version       uint64         `json:"version"`
	State         map[string]any `json:"state"`
}

// SnapshotPayload is a point-in-time capture of entity states.
type SnapshotPayload struct {
	Timestamp int64          `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Entities  []EntityRecord `json:"entities"`
}

// SyncMessage is the tagged union carried by sync envelopes. Which fields
// are meaningful depends on Type; Validate enforces the per-type shape.
type SyncMessage struct {
	Type       SyncType         `json:"type"`
	Sequence   uint64           `json:"sequence,omitempty"`
	Entities   []DeltaUpdate    `json:"entities,omitempty"`
	Inputs     []InputFrame     `json:"inputs,omitempty"`
	EntityID   string           `json:"entityId,omitempty"`
	NewOwnerID string           `json:"newOwnerId,omitempty"`
	Version    uint64           `json:"version,omitempty"`
	Snapshot   *SnapshotPayload `json:"snapshot,omitempty"`
}

// Validate enforces the per-type required fields.
func (m *SyncMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSyncType, string(m.Type))
	}
	switch m.Type {
	case SyncEntityDelete:
		if m.EntityID == "" {
			return ErrMissingEntityID
		}
	case SyncFullSync:
		if m.Snapshot == nil {
			return ErrMissingSnapshot
		}
	case SyncOwnershipTransfer:
		if m.EntityID == "" {
			return ErrMissingEntityID
		}
		if m.NewOwnerID == "" {
			return ErrMissingNewOwner
		}
	}
	return nil
}

// NewSyncUpdate builds the unreliable state-update envelope broadcast by
// the send loop.
func NewSyncUpdate(sequence uint64, entities []DeltaUpdate, inputs []InputFrame) (*Envelope, error) {
	env, err := New(KindSync, &SyncMessage{
		Type:     SyncStateUpdate,
		Sequence: sequence,
		Entities: entities,
		Inputs:   inputs,
	})
	if err != nil {
		return nil, err
	}
	return env.Unreliable(), nil
}

// NewEntityDelete builds the reliable delete notification for entityID.
func NewEntityDelete(entityID string) *Envelope {
	env, _ := New(KindSync, &SyncMessage{Type: SyncEntityDelete, EntityID: entityID})
	return env
}

// NewFullSync builds the reliable full-sync envelope carrying snapshot.
func NewFullSync(snapshot *SnapshotPayload) (*Envelope, error) {
	return New(KindSync, &SyncMessage{Type: SyncFullSync, Snapshot: snapshot})
}

// NewFullSyncRequest builds the envelope asking the target for a full-sync.
func NewFullSyncRequest() *Envelope {
	env, _ := New(KindSync, &SyncMessage{Type: SyncFullSyncRequest})
	return env
}

// NewReconciliation builds the authoritative correction envelope. The
// sequence acknowledges every input frame at or below it.
func NewReconciliation(sequence uint64, entities []DeltaUpdate) (*Envelope, error) {
	return New(KindSync, &SyncMessage{
		Type:     SyncReconciliation,
		Sequence: sequence,
		Entities: entities,
	})
}

// NewOwnershipTransfer builds the reliable transfer notification.
func NewOwnershipTransfer(entityID, newOwnerID string, version uint64) *Envelope {
	env, _ := New(KindSync, &SyncMessage{
		Type:       SyncOwnershipTransfer,
		EntityID:   entityID,
		NewOwnerID: newOwnerID,
		Version:    version,
	})
	return env
}

// DecodeSync parses and validates a sync payload.
func DecodeSync(raw json.RawMessage) (*SyncMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var m SyncMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode sync payload: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
