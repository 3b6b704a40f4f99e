package transport

import (
	"sync"
	"sync/atomic"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

// EventKind identifies the type of a transport event.
type EventKind uint8

const (
	// EventConnected fires once the signaling connection is live and the
	// offline queue has been flushed.
	EventConnected EventKind = iota

	// EventDisconnected fires when the connection settles into
	// disconnected, manually or after retry exhaustion. Reason says which.
	EventDisconnected

	// EventPeerJoined fires once per newly discovered peer.
	EventPeerJoined

	// EventPeerLeft fires when a peer leaves or the transport shuts down.
	EventPeerLeft

	// EventMessage carries an inbound envelope the transport does not
	// consume itself (sync, chat, action, state, error).
	EventMessage

	// EventStateChanged fires on every connection state transition.
	EventStateChanged

	// EventError carries a non-fatal transport error.
	EventError
)

// String returns the event kind's name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventMessage:
		return "message"
	case EventStateChanged:
		return "state-changed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Which fields are set depends on
// Kind: Peer for peer lifecycle, Envelope for messages, State for state
// changes, Err for errors, Reason for disconnects.
type Event struct {
	Kind     EventKind
	Peer     *PeerInfo
	Envelope *protocol.Envelope
	State    ConnState
	Err      error
	Reason   string
}

// eventHub fans events out to subscribers. Slow subscribers lose events
// rather than blocking the manager.
type eventHub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped atomic.Uint64
	closed  bool
}

func newEventHub(buffer int) *eventHub {
	return &eventHub{subs: make(map[int]chan Event), buffer: buffer}
}

// subscribe returns a receive channel and a cancel function. After cancel
// the channel is closed and no further events arrive on it.
func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// emit delivers ev to every subscriber without blocking. Returns how many
// subscribers had no room left.
func (h *eventHub) emit(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
	}
	return dropped
}

// close closes every subscriber channel and rejects future subscriptions.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
