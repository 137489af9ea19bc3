// Package gateway implements the bridge's connection to the controlled
// agent's gateway: a request/response/event JSON protocol with a
// correlation table for in-flight requests and a subscription stream
// for unsolicited events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/metrics"
)

var (
	// ErrRequestTimeout is returned when a request's deadline expires.
	// The pending entry is removed; a late response is discarded.
	ErrRequestTimeout = errors.New("upstream request timeout")

	// ErrDestroyed is returned for requests issued, or pending, after
	// Destroy.
	ErrDestroyed = errors.New("gateway client destroyed")

	// ErrNotConnected is returned when no gateway connection is up.
	ErrNotConnected = errors.New("gateway not connected")
)

// Upstream method names used by the bridge.
const (
	methodSessionList  = "session.list"
	methodSessionAbort = "session.abort"
)

// Event is an unsolicited notification from the gateway.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// RemoteError is a structured error returned by the gateway.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// wireMessage is the gateway wire envelope.
type wireMessage struct {
	Type      string          `json:"type"` // request, response, event
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RemoteError    `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// pendingResult resolves one in-flight request.
type pendingResult struct {
	result json.RawMessage
	err    error
}

// Config contains gateway client configuration.
type Config struct {
	// URL is the gateway websocket endpoint.
	URL string

	// RequestTimeout is the default per-request deadline.
	RequestTimeout time.Duration

	// DialTimeout bounds the connection attempt.
	DialTimeout time.Duration

	// EventBuffer is the subscription channel capacity.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is a gateway connection with request correlation.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan pendingResult
	destroyed bool

	writeMu sync.Mutex
	nextID  atomic.Uint64
	events  chan Event

	readCancel context.CancelFunc
	connected  atomic.Bool
}

// NewClient creates a gateway client. Call Connect before Request.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Client{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "gateway"),
		metrics: m,
		pending: make(map[string]chan pendingResult),
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Connect dials the gateway and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("gateway dial failed: %w", err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		readCancel()
		conn.Close(websocket.StatusNormalClosure, "destroyed")
		return ErrDestroyed
	}
	c.conn = conn
	c.readCancel = readCancel
	c.mu.Unlock()

	c.connected.Store(true)
	go c.readLoop(readCtx, conn)

	c.logger.Info("gateway connected", logging.KeyRemoteAddr, c.cfg.URL)
	return nil
}

// Connected reports whether the gateway link is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Events returns the subscription channel for unsolicited gateway
// events. The channel is closed by Destroy.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Request sends a request and waits for the correlated response. A zero
// timeout uses the configured default. Timeouts and remote errors are
// per-request; they never affect other in-flight requests.
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	start := time.Now()
	msg := &wireMessage{
		Type:      "request",
		ID:        id,
		Method:    method,
		Params:    params,
		Timestamp: start.UnixMilli(),
	}
	if err := c.write(conn, msg); err != nil {
		c.removePending(id)
		c.metrics.RecordUpstreamRequest("write_error", time.Since(start).Seconds())
		c.logger.Debug("upstream request send failed",
			logging.KeyMethod, method,
			logging.KeyError, err.Error())
		return nil, fmt.Errorf("gateway send failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		elapsed := time.Since(start).Seconds()
		if res.err != nil {
			c.metrics.RecordUpstreamRequest("error", elapsed)
			return nil, res.err
		}
		c.metrics.RecordUpstreamRequest("ok", elapsed)
		return res.result, nil
	case <-timer.C:
		c.removePending(id)
		c.metrics.RecordUpstreamRequest("timeout", time.Since(start).Seconds())
		c.logger.Debug("upstream request timed out",
			logging.KeyMethod, method,
			logging.KeyRequestID, id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.removePending(id)
		c.metrics.RecordUpstreamRequest("cancelled", time.Since(start).Seconds())
		return nil, ctx.Err()
	}
}

// AbortAll enumerates active upstream sessions and issues a best-effort
// abort per session. Individual failures are logged, not propagated;
// success means attempted, not verified.
func (c *Client) AbortAll(ctx context.Context) {
	result, err := c.Request(ctx, methodSessionList, nil, 0)
	if err != nil {
		c.logger.Warn("session enumeration failed", logging.KeyError, err.Error())
		return
	}

	var listing struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		c.logger.Warn("session listing malformed", logging.KeyError, err.Error())
		return
	}

	for _, sessionID := range listing.Sessions {
		params, err := json.Marshal(map[string]string{"sessionId": sessionID})
		if err != nil {
			continue
		}
		if _, err := c.Request(ctx, methodSessionAbort, params, 0); err != nil {
			// The session may already be gone; that still counts as
			// attempted.
			c.logger.Warn("session abort failed",
				logging.KeySessionID, sessionID,
				logging.KeyError, err.Error())
		}
	}

	c.logger.Info("abort attempted", logging.KeyCount, len(listing.Sessions))
}

// Destroy tears the client down: pending requests are rejected with
// ErrDestroyed, the socket is closed and the event channel is closed.
// Safe to call multiple times.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	conn := c.conn
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	waiting := c.pending
	c.pending = make(map[string]chan pendingResult)
	// Closing under the lock keeps deliverEvent from racing the close.
	close(c.events)
	c.mu.Unlock()

	c.connected.Store(false)
	for _, ch := range waiting {
		ch <- pendingResult{err: ErrDestroyed}
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "destroyed")
	}
}

// readLoop delivers responses to their pending entries and events to
// the subscription channel.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClosed()
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("malformed gateway frame dropped", logging.KeyError, err.Error())
			continue
		}

		switch msg.Type {
		case "response":
			c.deliverResponse(&msg)
		case "event":
			c.deliverEvent(&msg)
		default:
			c.logger.Debug("unexpected gateway frame dropped", logging.KeyFrameType, msg.Type)
		}
	}
}

// removePending drops a request's correlation entry so a late response
// is discarded rather than delivered.
func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliverResponse resolves the pending request matching the message id.
func (c *Client) deliverResponse(msg *wireMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late response after timeout; discard.
		return
	}

	if msg.Error != nil {
		ch <- pendingResult{err: msg.Error}
		return
	}
	ch <- pendingResult{result: msg.Result}
}

// deliverEvent pushes an event to the subscription without blocking the
// read loop. Subscribers that fall behind lose events.
func (c *Client) deliverEvent(msg *wireMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	select {
	case c.events <- Event{Name: msg.Event, Payload: msg.Payload}:
	default:
		c.logger.Warn("event dropped, subscriber too slow", "event", msg.Event)
	}
}

// handleClosed marks the connection down and rejects in-flight requests.
func (c *Client) handleClosed() {
	c.mu.Lock()
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	waiting := c.pending
	c.pending = make(map[string]chan pendingResult)
	destroyed := c.destroyed
	c.mu.Unlock()

	c.connected.Store(false)
	for _, ch := range waiting {
		ch <- pendingResult{err: ErrNotConnected}
	}
	if !destroyed {
		c.logger.Warn("gateway connection lost")
	}
}

// write serializes and sends one message.
func (c *Client) write(conn *websocket.Conn, msg *wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
