package relay

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tandem-engine/tandem/pkg/protocol"
)

// newTestServer runs a relay behind httptest and returns it with its
// ws:// URL.
func newTestServer(tb testing.TB, mutate ...func(*Config)) (*Server, string) {
	tb.Helper()
	cfg := DefaultConfig()
	cfg.WriteTimeout = 2 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		tb.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	tb.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// testClient is a raw protocol client speaking directly to the relay.
type testClient struct {
	tb   testing.TB
	id   string
	conn *websocket.Conn
}

// dialClient connects and consumes the hello, returning a client that
// knows its assigned peer ID.
func dialClient(tb testing.TB, url string) *testClient {
	tb.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		tb.Fatalf("dial: %v", err)
	}
	c := &testClient{tb: tb, conn: conn}
	tb.Cleanup(func() { _ = conn.Close() })

	env := c.read(2 * time.Second)
	if env.Kind != protocol.KindState {
		tb.Fatalf("first envelope kind = %s, want state", env.Kind)
	}
	st, err := protocol.DecodeState(env.Payload)
	if err != nil || st.Type != protocol.StateHello || st.PeerID == "" {
		tb.Fatalf("bad hello: %+v err=%v", st, err)
	}
	c.id = st.PeerID
	return c
}

func (c *testClient) send(env *protocol.Envelope) {
	c.tb.Helper()
	data, err := env.Encode()
	if err != nil {
		c.tb.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.tb.Fatalf("write: %v", err)
	}
}

// sendRaw writes arbitrary bytes, for malformed-frame tests.
func (c *testClient) sendRaw(data []byte) {
	c.tb.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.tb.Fatalf("write raw: %v", err)
	}
}

// read returns the next envelope or fails after the timeout.
func (c *testClient) read(timeout time.Duration) *protocol.Envelope {
	c.tb.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.tb.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		c.tb.Fatalf("decode: %v", err)
	}
	return env
}

// expect reads envelopes until one matches keep, skipping the rest.
func (c *testClient) expect(timeout time.Duration, what string, keep func(*protocol.Envelope) bool) *protocol.Envelope {
	c.tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		env := c.read(time.Until(deadline))
		if keep(env) {
			return env
		}
	}
	c.tb.Fatalf("timed out waiting for %s", what)
	return nil
}

// join enters a room and returns immediately; roster handling is the
// caller's business.
func (c *testClient) join(roomID, name string) {
	c.tb.Helper()
	c.send(protocol.NewJoin(roomID, name))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
