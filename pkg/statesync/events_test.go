package statesync

import (
	"testing"
)

func TestEventHubFanout(t *testing.T) {
	h := newEventHub(4)
	a, cancelA := h.subscribe()
	b, cancelB := h.subscribe()
	defer cancelB()

	h.emit(Event{Kind: EventEntityCreated, EntityID: "e1"})
	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		ev := <-ch
		if ev.EntityID != "e1" {
			t.Fatalf("%s received %+v", name, ev)
		}
	}

	cancelA()
	cancelA() // second cancel is a no-op
	if _, ok := <-a; ok {
		t.Fatal("canceled channel should be closed")
	}

	h.emit(Event{Kind: EventEntityDeleted, EntityID: "e1"})
	if ev := <-b; ev.Kind != EventEntityDeleted {
		t.Fatalf("b received %+v", ev)
	}
}

func TestEventHubCountsDrops(t *testing.T) {
	h := newEventHub(1)
	_, cancel := h.subscribe()
	defer cancel()

	if dropped := h.emit(Event{Kind: EventEntityCreated}); dropped != 0 {
		t.Fatalf("first emit dropped %d", dropped)
	}
	if dropped := h.emit(Event{Kind: EventEntityUpdated}); dropped != 1 {
		t.Fatalf("second emit dropped %d, want 1", dropped)
	}
	if got := h.dropped.Load(); got != 1 {
		t.Fatalf("dropped counter = %d, want 1", got)
	}
}

func TestEventHubClose(t *testing.T) {
	h := newEventHub(4)
	ch, cancel := h.subscribe()
	h.close()

	if _, ok := <-ch; ok {
		t.Fatal("subscription should close with the hub")
	}
	cancel() // no-op after close
	if dropped := h.emit(Event{Kind: EventEntityCreated}); dropped != 0 {
		t.Fatalf("emit after close dropped %d, want 0", dropped)
	}
	if _, cancel2 := h.subscribe(); cancel2 == nil {
		t.Fatal("subscribe after close must still return a cancel func")
	}
}

func TestEventKindString(t *testing.T) {
	kinds := map[EventKind]string{
		EventEntityCreated:       "entity-created",
		EventEntityUpdated:       "entity-updated",
		EventEntityDeleted:       "entity-deleted",
		EventStateSynced:         "state-synced",
		EventPredictionCorrected: "prediction-corrected",
		EventOwnershipChanged:    "ownership-changed",
	}
	for kind, want := range kinds {
		if got := kind.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", kind, got, want)
		}
	}
	if got := EventKind(99).String(); got != "unknown" {
		t.Fatalf("String(99) = %q", got)
	}
}
