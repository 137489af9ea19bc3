package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeGateway is a loopback gateway: onRequest decides how (and
// whether) to answer each inbound request, and push injects events.
type fakeGateway struct {
	srv *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	onRequest func(msg wireMessage) *wireMessage
	requests  []wireMessage
}

func startFakeGateway(t *testing.T, onRequest func(msg wireMessage) *wireMessage) *fakeGateway {
	t.Helper()

	g := &fakeGateway{onRequest: onRequest}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()

		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			g.mu.Lock()
			g.requests = append(g.requests, msg)
			handler := g.onRequest
			g.mu.Unlock()

			if handler == nil {
				continue
			}
			if resp := handler(msg); resp != nil {
				g.send(t, *resp)
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) send(t *testing.T, msg wireMessage) {
	t.Helper()
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		t.Fatal("no gateway connection to send on")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("gateway write error = %v", err)
	}
}

func (g *fakeGateway) recorded() []wireMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]wireMessage, len(g.requests))
	copy(out, g.requests)
	return out
}

func connectedClient(t *testing.T, g *fakeGateway, cfg Config) *Client {
	t.Helper()
	cfg.URL = g.url()
	c := NewClient(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Destroy)
	return c
}

func TestRequestResponse(t *testing.T) {
	g := startFakeGateway(t, func(msg wireMessage) *wireMessage {
		return &wireMessage{
			Type:   "response",
			ID:     msg.ID,
			Result: json.RawMessage(`{"echo":"` + msg.Method + `"}`),
		}
	})
	c := connectedClient(t, g, Config{})

	result, err := c.Request(context.Background(), "device.info", nil, 0)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var body struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		t.Fatalf("Unmarshal result error = %v", err)
	}
	if body.Echo != "device.info" {
		t.Errorf("echo = %q, want device.info", body.Echo)
	}
	if !c.Connected() {
		t.Error("Connected() = false after successful request")
	}
}

func TestRequestRemoteError(t *testing.T) {
	g := startFakeGateway(t, func(msg wireMessage) *wireMessage {
		return &wireMessage{
			Type:  "response",
			ID:    msg.ID,
			Error: &RemoteError{Code: 404, Message: "unknown method"},
		}
	})
	c := connectedClient(t, g, Config{})

	_, err := c.Request(context.Background(), "nope", nil, 0)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Request() error = %v, want *RemoteError", err)
	}
	if re.Code != 404 {
		t.Errorf("remote error code = %d, want 404", re.Code)
	}
}

func TestRequestTimeoutIsolated(t *testing.T) {
	g := startFakeGateway(t, func(msg wireMessage) *wireMessage {
		if msg.Method == "slow" {
			return nil // never answered
		}
		return &wireMessage{Type: "response", ID: msg.ID, Result: json.RawMessage(`"ok"`)}
	})
	c := connectedClient(t, g, Config{})

	if _, err := c.Request(context.Background(), "slow", nil, 50*time.Millisecond); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Request(slow) error = %v, want ErrRequestTimeout", err)
	}

	// The timed-out entry is removed from the correlation table and
	// later requests are unaffected.
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending entries after timeout = %d, want 0", pending)
	}

	if _, err := c.Request(context.Background(), "fast", nil, 0); err != nil {
		t.Errorf("Request(fast) after timeout error = %v", err)
	}
}

func TestRequestContextCancel(t *testing.T) {
	g := startFakeGateway(t, func(msg wireMessage) *wireMessage { return nil })
	c := connectedClient(t, g, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Request(ctx, "hang", nil, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Request() error = %v, want context.Canceled", err)
	}
}

func TestRequestNotConnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/gateway"})
	if _, err := c.Request(context.Background(), "x", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request() error = %v, want ErrNotConnected", err)
	}
}

func TestEvents(t *testing.T) {
	g := startFakeGateway(t, nil)
	c := connectedClient(t, g, Config{})

	// A throwaway request ensures the server has accepted the socket.
	c.Request(context.Background(), "warmup", nil, 50*time.Millisecond)

	g.send(t, wireMessage{
		Type:    "event",
		Event:   "session.updated",
		Payload: json.RawMessage(`{"sessionId":"s1"}`),
	})

	select {
	case ev := <-c.Events():
		if ev.Name != "session.updated" {
			t.Errorf("event name = %q, want session.updated", ev.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestDestroy(t *testing.T) {
	g := startFakeGateway(t, func(msg wireMessage) *wireMessage { return nil })
	c := connectedClient(t, g, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "hang", nil, time.Minute)
		errCh <- err
	}()

	// Let the request register before tearing down.
	time.Sleep(50 * time.Millisecond)
	c.Destroy()
	c.Destroy() // idempotent

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDestroyed) {
			t.Errorf("in-flight Request() error = %v, want ErrDestroyed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request never rejected")
	}

	if _, err := c.Request(context.Background(), "x", nil, 0); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Request() after Destroy error = %v, want ErrDestroyed", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Connect() after Destroy error = %v, want ErrDestroyed", err)
	}

	// The event channel is closed.
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("Events() yielded a value after Destroy, want closed channel")
		}
	case <-time.After(time.Second):
		t.Error("Events() channel not closed after Destroy")
	}
}

func TestAbortAll(t *testing.T) {
	g := startFakeGateway(t, func(msg wireMessage) *wireMessage {
		switch msg.Method {
		case methodSessionList:
			return &wireMessage{
				Type:   "response",
				ID:     msg.ID,
				Result: json.RawMessage(`{"sessions":["s1","s2","s3"]}`),
			}
		case methodSessionAbort:
			var params struct {
				SessionID string `json:"sessionId"`
			}
			json.Unmarshal(msg.Params, &params)
			if params.SessionID == "s2" {
				// One failure must not stop the rest.
				return &wireMessage{
					Type:  "response",
					ID:    msg.ID,
					Error: &RemoteError{Code: 410, Message: "already gone"},
				}
			}
			return &wireMessage{Type: "response", ID: msg.ID, Result: json.RawMessage(`"ok"`)}
		}
		return nil
	})
	c := connectedClient(t, g, Config{})

	c.AbortAll(context.Background())

	var aborted []string
	for _, msg := range g.recorded() {
		if msg.Method != methodSessionAbort {
			continue
		}
		var params struct {
			SessionID string `json:"sessionId"`
		}
		json.Unmarshal(msg.Params, &params)
		aborted = append(aborted, params.SessionID)
	}
	if len(aborted) != 3 {
		t.Errorf("abort attempts = %v, want all three sessions", aborted)
	}
}
