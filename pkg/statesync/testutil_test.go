package statesync

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tandem-engine/tandem/pkg/protocol"
)

// fakeSender records everything the engine puts on the wire.
type fakeSender struct {
	mu        sync.Mutex
	localID   string
	fail      bool
	sent      []*protocol.Envelope
	direct    []directSend
	broadcast []*protocol.Envelope
}

type directSend struct {
	peerID string
	env    *protocol.Envelope
}

func newFakeSender(localID string) *fakeSender {
	return &fakeSender{localID: localID}
}

func (s *fakeSender) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSendRefused
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) SendToPeer(peerID string, env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSendRefused
	}
	s.direct = append(s.direct, directSend{peerID: peerID, env: env})
	return nil
}

func (s *fakeSender) Broadcast(env *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSendRefused
	}
	s.broadcast = append(s.broadcast, env)
	return nil
}

func (s *fakeSender) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

func (s *fakeSender) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSender) broadcasts() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, len(s.broadcast))
	copy(out, s.broadcast)
	return out
}

func (s *fakeSender) directs() []directSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]directSend, len(s.direct))
	copy(out, s.direct)
	return out
}

var errSendRefused = errors.New("sender refused")

// decodeSyncs decodes every broadcast sync envelope in send order.
func decodeSyncs(t *testing.T, envs []*protocol.Envelope) []*protocol.SyncMessage {
	t.Helper()
	out := make([]*protocol.SyncMessage, 0, len(envs))
	for _, env := range envs {
		if env.Kind != protocol.KindSync {
			continue
		}
		msg, err := protocol.DecodeSync(env.Payload)
		if err != nil {
			t.Fatalf("decode sync payload: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

// newTestEngine builds an engine around a fake sender and a manual
// clock. The loops are not started; tests drive tick and flush directly.
func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *fakeSender, *testClock) {
	t.Helper()
	clock := newTestClock()
	sender := newFakeSender("local-1")
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Clock = clock.Now
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := New(cfg, sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, sender, clock
}

// inbound envelope builders

func stateUpdateEnv(t *testing.T, sender string, seq uint64, sentAt int64, deltas []protocol.DeltaUpdate, inputs []protocol.InputFrame) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewSyncUpdate(seq, deltas, inputs)
	if err != nil {
		t.Fatalf("NewSyncUpdate: %v", err)
	}
	env.SenderID = sender
	env.Timestamp = sentAt
	return env
}

func fullSyncEnv(t *testing.T, sender string, snap *protocol.SnapshotPayload) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewFullSync(snap)
	if err != nil {
		t.Fatalf("NewFullSync: %v", err)
	}
	env.SenderID = sender
	return env
}

func reconciliationEnv(t *testing.T, seq uint64, deltas []protocol.DeltaUpdate) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewReconciliation(seq, deltas)
	if err != nil {
		t.Fatalf("NewReconciliation: %v", err)
	}
	env.SenderID = "server"
	return env
}

func transferEnv(sender, entityID, newOwnerID string, version uint64) *protocol.Envelope {
	env := protocol.NewOwnershipTransfer(entityID, newOwnerID, version)
	env.SenderID = sender
	return env
}

func deleteEnv(sender, entityID string) *protocol.Envelope {
	env := protocol.NewEntityDelete(entityID)
	env.SenderID = sender
	return env
}

// expectEvent reads events until one of the wanted kind arrives,
// discarding the rest.
func expectEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// expectNoEvent asserts no buffered event of the given kind.
func expectNoEvent(t *testing.T, ch <-chan Event, kind EventKind) {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		default:
			return
		}
	}
}
