package statesync

import (
	"time"
)

// Ownership says which participant is authoritative for writes to an
// entity.
type Ownership string

// Recognized ownerships.
const (
	// OwnerServer marks server-authoritative entities. Local writes are
	// rejected; corrections arrive through reconciliation.
	OwnerServer Ownership = "server"

	// OwnerLocal marks entities this client is authoritative for.
	OwnerLocal Ownership = "local"

	// OwnerRemote marks entities another peer is authoritative for.
	// Inbound updates always apply regardless of version.
	OwnerRemote Ownership = "remote"

	// OwnerShared marks entities any participant may write; versions
	// arbitrate conflicts.
	OwnerShared Ownership = "shared"
)

// Valid reports whether o is a recognized ownership.
func (o Ownership) Valid() bool {
	switch o {
	case OwnerServer, OwnerLocal, OwnerRemote, OwnerShared:
		return true
	}
	return false
}

func (o Ownership) String() string { return string(o) }

// writable reports whether local writes are accepted.
func (o Ownership) writable() bool {
	return o == OwnerLocal || o == OwnerShared
}

// Priority controls how often a dirty entity goes on the wire when
// priority throttling is enabled.
type Priority string

// Recognized priorities.
const (
	// PriorityCritical entities send every send-loop pass.
	PriorityCritical Priority = "critical"

	// PriorityHigh entities send at most once per base interval.
	PriorityHigh Priority = "high"

	// PriorityMedium entities send at most once per two base intervals.
	PriorityMedium Priority = "medium"

	// PriorityLow entities send at most once per four base intervals.
	PriorityLow Priority = "low"
)

// Valid reports whether p is a recognized priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (p Priority) String() string { return string(p) }

// throttleFactor is the multiple of the base send interval an entity of
// this priority must wait between wire sends.
func (p Priority) throttleFactor() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 4
	default:
		return 1
	}
}

// entity is the registry's record of one synced entity. All access goes
// through the engine's mutex.
type entity struct {
	id            string
	ownerID       string
	ownership     Ownership
	priority      Priority
	interpolating bool
	version       uint64
	state         map[string]any
	lastUpdateAt  time.Time
	lastSyncAt    time.Time
	dirty         bool
	changed       map[string]struct{}
}

// markChanged records field names for delta compression and flags the
// entity dirty.
func (e *entity) markChanged(fields map[string]any, at time.Time) {
	if e.changed == nil {
		e.changed = make(map[string]struct{}, len(fields))
	}
	for k := range fields {
		e.changed[k] = struct{}{}
	}
	e.dirty = true
	e.lastUpdateAt = at
}

// deltaFields returns what goes on the wire for this entity: the changed
// fields when compressing, the full state otherwise. The result is a
// copy; wire encoding must not alias registry state.
func (e *entity) deltaFields(compress bool) map[string]any {
	if compress && len(e.changed) > 0 {
		out := make(map[string]any, len(e.changed))
		for k := range e.changed {
			if v, ok := e.state[k]; ok {
				out[k] = copyValue(v)
			}
		}
		return out
	}
	return copyState(e.state)
}

// clearDirty resets the dirty bookkeeping after a successful send.
func (e *entity) clearDirty(at time.Time) {
	e.dirty = false
	e.changed = nil
	e.lastSyncAt = at
}

// view snapshots the entity for the public API.
func (e *entity) view() EntityView {
	return EntityView{
		ID:            e.id,
		OwnerID:       e.ownerID,
		Ownership:     e.ownership,
		Priority:      e.priority,
		Interpolating: e.interpolating,
		Version:       e.version,
		State:         copyState(e.state),
		LastUpdateAt:  e.lastUpdateAt,
		Dirty:         e.dirty,
	}
}

// EntityView is a detached copy of one entity. Mutating it does not
// affect the registry.
type EntityView struct {
	ID            string
	OwnerID       string
	Ownership     Ownership
	Priority      Priority
	Interpolating bool
	Version       uint64
	State         map[string]any
	LastUpdateAt  time.Time
	Dirty         bool
}

// copyState deep-copies a state map through copyValue.
func copyState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies the JSON-shaped values that appear in entity
// state: maps, slices, and scalars.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
