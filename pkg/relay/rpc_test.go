package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/tandem-engine/tandem/pkg/protocol"
)

func callRelay(t *testing.T, c *testClient, method string, params any) *protocol.RPCPayload {
	t.Helper()
	env, req, err := protocol.NewRPCRequest(method, params)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	c.send(env)
	resp := c.expect(2*time.Second, "rpc response", func(e *protocol.Envelope) bool {
		if e.Kind != protocol.KindRPC {
			return false
		}
		p, derr := protocol.DecodeRPC(e.Payload)
		return derr == nil && !p.IsRequest() && p.RequestID == req.RequestID
	})
	p, err := protocol.DecodeRPC(resp.Payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return p
}

func TestRegisterRPCValidation(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	noop := func(context.Context, string, json.RawMessage) (any, error) { return nil, nil }

	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{name: "ok", def: Definition{Method: "rooms.list", Handler: noop}},
		{name: "missing method", def: Definition{Handler: noop}, wantErr: true},
		{name: "missing handler", def: Definition{Method: "rooms.list"}, wantErr: true},
		{name: "method too long", def: Definition{Method: strings.Repeat("x", protocol.MaxMethodLength+1), Handler: noop}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rerr := s.RegisterRPC(tt.def)
			if (rerr != nil) != tt.wantErr {
				t.Fatalf("RegisterRPC err = %v, wantErr %v", rerr, tt.wantErr)
			}
		})
	}
}

func TestServerRPCDispatch(t *testing.T) {
	s, url := newTestServer(t)
	err := s.RegisterRPC(Definition{
		Method: "math.double",
		Handler: func(_ context.Context, senderID string, params json.RawMessage) (any, error) {
			var in struct {
				N int `json:"n"`
			}
			if uerr := json.Unmarshal(params, &in); uerr != nil {
				return nil, uerr
			}
			return map[string]any{"n": in.N * 2, "caller": senderID}, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterRPC: %v", err)
	}

	c := dialClient(t, url)
	resp := callRelay(t, c, "math.double", map[string]int{"n": 21})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	var out struct {
		N      int    `json:"n"`
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.N != 42 {
		t.Errorf("result = %d, want 42", out.N)
	}
	if out.Caller != c.id {
		t.Errorf("caller = %q, want relay-stamped %q", out.Caller, c.id)
	}
}

func TestUnknownMethodNamesTheMethod(t *testing.T) {
	_, url := newTestServer(t)
	c := dialClient(t, url)

	resp := callRelay(t, c, "unregistered.method", map[string]any{})
	if resp.Error == "" {
		t.Fatal("expected an error response")
	}
	if !strings.Contains(resp.Error, "unregistered.method") {
		t.Errorf("error %q should name the method", resp.Error)
	}
}

func TestValidatorRejectsBeforeHandler(t *testing.T) {
	s, url := newTestServer(t)
	handlerRan := make(chan struct{}, 1)
	err := s.RegisterRPC(Definition{
		Method: "strict.op",
		Validator: func(params json.RawMessage) error {
			return errors.New("n is required")
		},
		Handler: func(context.Context, string, json.RawMessage) (any, error) {
			handlerRan <- struct{}{}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterRPC: %v", err)
	}

	c := dialClient(t, url)
	resp := callRelay(t, c, "strict.op", map[string]any{})
	if !strings.Contains(resp.Error, "invalid parameters") {
		t.Errorf("error = %q, want invalid parameters", resp.Error)
	}
	select {
	case <-handlerRan:
		t.Fatal("handler ran despite validator rejection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerErrorSurfacesToCaller(t *testing.T) {
	s, url := newTestServer(t)
	err := s.RegisterRPC(Definition{
		Method: "always.fails",
		Handler: func(context.Context, string, json.RawMessage) (any, error) {
			return nil, errors.New("nope, not today")
		},
	})
	if err != nil {
		t.Fatalf("RegisterRPC: %v", err)
	}

	c := dialClient(t, url)
	resp := callRelay(t, c, "always.fails", nil)
	if resp.Error != "nope, not today" {
		t.Errorf("error = %q, want handler message", resp.Error)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	s, url := newTestServer(t)
	err := s.RegisterRPC(Definition{
		Method: "explodes",
		Handler: func(context.Context, string, json.RawMessage) (any, error) {
			panic("kaboom")
		},
	})
	if err != nil {
		t.Fatalf("RegisterRPC: %v", err)
	}

	c := dialClient(t, url)
	resp := callRelay(t, c, "explodes", nil)
	if resp.Error != "internal error" {
		t.Errorf("error = %q, want internal error", resp.Error)
	}
	// The connection survived the panic.
	c.send(protocol.NewPing())
	c.expect(2*time.Second, "pong after panic", func(e *protocol.Envelope) bool {
		return e.Kind == protocol.KindPong
	})
}

func TestUnregisterRPC(t *testing.T) {
	s, url := newTestServer(t)
	err := s.RegisterRPC(Definition{
		Method: "transient.op",
		Handler: func(context.Context, string, json.RawMessage) (any, error) {
			return "here", nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterRPC: %v", err)
	}
	s.UnregisterRPC("transient.op")

	c := dialClient(t, url)
	resp := callRelay(t, c, "transient.op", nil)
	if !strings.Contains(resp.Error, "method not found") {
		t.Errorf("error = %q, want method not found", resp.Error)
	}
}
