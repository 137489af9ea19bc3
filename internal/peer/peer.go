// Package peer implements the client-side connection state machine
// shared by the app and bridge roles: broker registration, the
// key-exchange handshake relayed through the broker, heartbeat
// emission, and reconnect with exponential backoff.
package peer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/coinstash/pairlink/internal/keyring"
	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/metrics"
	"github.com/coinstash/pairlink/internal/protocol"
)

// State represents the peer connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StatePairing
	StatePaired
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePairing:
		return "pairing"
	case StatePaired:
		return "paired"
	default:
		return "unknown"
	}
}

var (
	// ErrNotPaired is returned by SendEncrypted before the paired
	// state is reached. Messages are never queued.
	ErrNotPaired = errors.New("not paired")

	// ErrStopped is returned when the peer has been stopped.
	ErrStopped = errors.New("peer stopped")

	// ErrSessionHalted is returned after an authentication failure has
	// halted this session's application traffic. Recovery requires
	// re-pairing, not a retry.
	ErrSessionHalted = errors.New("session halted after authentication failure")
)

// PairingError is a broker rejection fatal to the connection attempt.
// The close code tells the application whether to fetch a fresh token
// or give up; the peer does not reconnect through one of these.
type PairingError struct {
	Code int
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing rejected: %s", protocol.CloseCodeName(e.Code))
}

// Config contains peer configuration.
type Config struct {
	// BrokerURL is the broker websocket endpoint (ws:// or wss://).
	BrokerURL string

	// Token is the bearer secret presented at registration.
	Token string

	// Role declares which side of the pairing this peer is.
	Role protocol.Role

	// Keyring performs key agreement and sealing for this peer.
	Keyring *keyring.Keyring

	// PingInterval is the heartbeat period. Client pings keep
	// intermediary infrastructure from closing idle connections; the
	// broker-side sweep is the authoritative liveness check.
	PingInterval time.Duration

	// DialTimeout bounds a single broker dial attempt.
	DialTimeout time.Duration

	Backoff BackoffConfig
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Peer is a single pairing session endpoint. All state transitions are
// serialized; handshake progression, heartbeat emission and reconnect
// scheduling never run concurrently for the same instance.
type Peer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	ring    *keyring.Keyring
	events  *eventRegistry

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	sessionCancel  context.CancelFunc
	reconnectTimer *time.Timer
	bo             *backoff
	stopped        bool
	halted         bool
	lastErr        error
	connectStart   time.Time
	pairedAt       time.Time

	writeMu sync.Mutex
}

// New creates a peer. Call Start to connect.
func New(cfg Config) (*Peer, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL required")
	}
	if cfg.Token == "" {
		return nil, errors.New("pairing token required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Keyring == nil {
		return nil, errors.New("keyring required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Peer{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "peer", logging.KeyRole, string(cfg.Role)),
		metrics: m,
		ring:    cfg.Keyring,
		events:  newEventRegistry(),
		bo:      newBackoff(cfg.Backoff),
	}, nil
}

// Start begins connecting to the broker. Reconnection continues
// indefinitely until Stop.
func (p *Peer) Start() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.setStateLocked(StateConnecting)
	p.connectStart = time.Now()
	p.mu.Unlock()

	p.events.emitState(StateConnecting)
	go p.dial()
	return nil
}

// Stop terminates the session: pending reconnect timers are cancelled,
// the socket is closed, and in-flight callbacks become no-ops. Safe to
// call multiple times and from a concurrent signal handler.
func (p *Peer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	if p.sessionCancel != nil {
		p.sessionCancel()
		p.sessionCancel = nil
	}
	conn := p.conn
	p.conn = nil
	changed := p.state != StateDisconnected
	p.setStateLocked(StateDisconnected)
	p.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "stopped")
	}
	if changed {
		p.events.emitState(StateDisconnected)
	}
}

// State returns the current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastError returns the most recent surfaced session error, if any.
func (p *Peer) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// PairedSince returns when the current pairing completed, or the zero
// time if not paired.
func (p *Peer) PairedSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaired {
		return time.Time{}
	}
	return p.pairedAt
}

// OnStateChange registers a state transition callback and returns its
// unsubscribe function.
func (p *Peer) OnStateChange(h StateHandler) func() {
	return p.events.onState(h)
}

// OnMessage registers a callback for decrypted application payloads.
func (p *Peer) OnMessage(h MessageHandler) func() {
	return p.events.onMessage(h)
}

// OnPeerDisconnected registers a callback for broker notifications that
// the counterpart role left.
func (p *Peer) OnPeerDisconnected(h PeerGoneHandler) func() {
	return p.events.onPeerGone(h)
}

// OnError registers a callback for surfaced session errors.
func (p *Peer) OnError(h ErrorHandler) func() {
	return p.events.onError(h)
}

// SendEncrypted seals data under the session key and sends it as a
// relay frame. It fails immediately with ErrNotPaired before pairing;
// nothing is queued.
func (p *Peer) SendEncrypted(data []byte) error {
	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		return ErrSessionHalted
	}
	if p.state != StatePaired {
		p.mu.Unlock()
		return ErrNotPaired
	}
	conn := p.conn
	p.mu.Unlock()

	nonce, ciphertext, err := p.ring.Seal(data)
	if err != nil {
		return err
	}

	env, err := protocol.NewEnvelope(protocol.FrameRelay, protocol.SealedPayload{
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
	})
	if err != nil {
		return err
	}

	return p.write(conn, env)
}

// dial opens a broker connection presenting the token and role.
func (p *Peer) dial() {
	u, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		p.failSession(fmt.Errorf("parse broker URL: %w", err), false)
		return
	}
	q := u.Query()
	q.Set(protocol.ParamToken, p.cfg.Token)
	q.Set(protocol.ParamRole, string(p.cfg.Role))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	cancel()
	if err != nil {
		p.logger.Debug("broker dial failed", logging.KeyError, err.Error())
		p.scheduleReconnect()
		return
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		sessionCancel()
		conn.Close(websocket.StatusNormalClosure, "stopped")
		return
	}
	p.conn = conn
	p.sessionCancel = sessionCancel
	p.bo.Reset()
	p.mu.Unlock()

	p.logger.Debug("broker connected", logging.KeyRemoteAddr, u.Host)

	go p.pingLoop(sessionCtx, conn)
	go p.readLoop(sessionCtx, conn)
}

// readLoop processes inbound frames until the socket breaks.
func (p *Peer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.handleSocketClose(err)
			return
		}
		p.handleFrame(conn, data)
	}
}

// handleFrame dispatches one inbound envelope. Malformed or unexpected
// frames are dropped without tearing down the connection.
func (p *Peer) handleFrame(conn *websocket.Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		p.logger.Debug("malformed frame dropped", logging.KeyError, err.Error())
		return
	}

	switch env.Type {
	case protocol.FramePairAck:
		p.transition(StateConnecting, StatePairing)

	case protocol.FramePairComplete:
		// Both sides are present; publish our half of the key exchange
		// in plaintext since no shared key exists yet.
		if err := p.sendKeyExchange(conn); err != nil {
			p.logger.Warn("key exchange send failed", logging.KeyError, err.Error())
		}

	case protocol.FrameKeyExchange:
		p.handleKeyExchange(env.Payload)

	case protocol.FrameRelay:
		p.handleRelay(env.Payload)

	case protocol.FramePong:
		// Pongs are informational; the broker sweep owns liveness.

	case protocol.FrameDisconnect:
		var dp protocol.DisconnectPayload
		if err := json.Unmarshal(env.Payload, &dp); err != nil || !dp.Role.Valid() {
			return
		}
		p.logger.Info("counterpart left", logging.KeyRole, string(dp.Role))
		p.events.emitPeerGone(dp.Role)

	default:
		p.logger.Debug("unexpected frame type dropped", logging.KeyFrameType, string(env.Type))
	}
}

// sendKeyExchange publishes the local public key for forwarding.
func (p *Peer) sendKeyExchange(conn *websocket.Conn) error {
	pub := p.ring.PublicKey()
	env, err := protocol.NewEnvelope(protocol.FrameKeyExchange, protocol.KeyExchangePayload{
		PublicKey: hex.EncodeToString(pub[:]),
	})
	if err != nil {
		return err
	}
	return p.write(conn, env)
}

// handleKeyExchange derives the shared key from the counterpart's
// public key. The paired transition happens atomically with successful
// derivation.
func (p *Peer) handleKeyExchange(payload json.RawMessage) {
	var kx protocol.KeyExchangePayload
	if err := json.Unmarshal(payload, &kx); err != nil {
		p.logger.Debug("malformed key exchange dropped", logging.KeyError, err.Error())
		return
	}

	raw, err := hex.DecodeString(kx.PublicKey)
	if err != nil || len(raw) != keyring.KeySize {
		p.logger.Warn("invalid peer public key")
		return
	}
	var peerPub [keyring.KeySize]byte
	copy(peerPub[:], raw)

	if err := p.ring.DeriveSharedKey(peerPub); err != nil {
		p.surfaceError(fmt.Errorf("key agreement failed: %w", err))
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	// A fresh key agreement is the re-pairing path; it lifts any halt
	// imposed by an earlier authentication failure.
	p.halted = false
	if p.state == StatePaired {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StatePaired)
	p.pairedAt = time.Now()
	elapsed := time.Since(p.connectStart)
	p.mu.Unlock()

	p.metrics.HandshakeLatency.Observe(elapsed.Seconds())
	p.logger.Info("paired", logging.KeyDuration, elapsed)
	p.events.emitState(StatePaired)
}

// handleRelay processes a relay payload. Once a shared key exists every
// relay payload must be sealed; before that, relay frames are
// pre-encryption signaling and never carry application commands, so
// they are dropped here.
func (p *Peer) handleRelay(payload json.RawMessage) {
	if !p.ring.HasSharedKey() {
		return
	}
	if !protocol.IsSealed(payload) {
		p.logger.Debug("unsealed relay frame dropped after key exchange")
		return
	}

	var sp protocol.SealedPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return
	}
	nonce, err := hex.DecodeString(sp.Nonce)
	if err != nil {
		return
	}
	ciphertext, err := hex.DecodeString(sp.Ciphertext)
	if err != nil {
		return
	}

	plaintext, err := p.ring.Open(nonce, ciphertext)
	if err != nil {
		if errors.Is(err, keyring.ErrAuthenticationFailed) {
			// Security event: halt this session's application traffic
			// pending re-pairing. Never retried with the same bytes.
			p.mu.Lock()
			p.halted = true
			p.mu.Unlock()
			p.surfaceError(err)
			return
		}
		p.surfaceError(err)
		return
	}

	p.mu.Lock()
	halted := p.halted
	p.mu.Unlock()
	if halted {
		return
	}

	p.events.emitMessage(plaintext)
}

// pingLoop emits a heartbeat ping on a fixed interval while the
// connection lives.
func (p *Peer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.FramePing, nil)
			if err != nil {
				continue
			}
			if err := p.write(conn, env); err != nil {
				// The read loop will observe the broken socket.
				return
			}
			p.metrics.PingsSent.Inc()
		case <-ctx.Done():
			return
		}
	}
}

// write serializes and sends one envelope on the given connection.
func (p *Peer) write(conn *websocket.Conn, env *protocol.Envelope) error {
	if conn == nil {
		return ErrNotPaired
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleSocketClose reacts to the read loop ending. Broker rejections
// with pairing close codes are fatal for the attempt and surfaced to
// the application; everything else is a transport error answered with
// a scheduled reconnect.
func (p *Peer) handleSocketClose(err error) {
	p.mu.Lock()
	if p.sessionCancel != nil {
		p.sessionCancel()
		p.sessionCancel = nil
	}
	p.conn = nil
	stopped := p.stopped
	changed := p.state != StateDisconnected
	p.setStateLocked(StateDisconnected)
	p.mu.Unlock()

	if changed {
		p.events.emitState(StateDisconnected)
	}
	if stopped {
		return
	}

	code := int(websocket.CloseStatus(err))
	switch code {
	case protocol.CloseMissingParams, protocol.CloseInvalidToken,
		protocol.CloseCapacityExceeded, protocol.CloseRoleOccupied:
		p.failSession(&PairingError{Code: code}, true)
		return
	}

	p.logger.Debug("connection lost", logging.KeyError, err.Error())
	p.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt.
func (p *Peer) scheduleReconnect() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	delay := p.bo.Next()
	attempt := p.bo.Attempts()
	p.reconnectTimer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		p.setStateLocked(StateConnecting)
		p.connectStart = time.Now()
		p.mu.Unlock()

		p.events.emitState(StateConnecting)
		p.dial()
	})
	p.mu.Unlock()

	p.metrics.PeerReconnects.Inc()
	p.logger.Debug("reconnect scheduled",
		logging.KeyDuration, delay,
		logging.KeyCount, attempt)
}

// failSession records a fatal error and surfaces it without scheduling
// a reconnect. If pairing is true the failure is a broker rejection.
func (p *Peer) failSession(err error, pairing bool) {
	p.mu.Lock()
	p.lastErr = err
	changed := p.state != StateDisconnected
	p.setStateLocked(StateDisconnected)
	p.mu.Unlock()

	if pairing {
		p.logger.Warn("pairing failed", logging.KeyError, err.Error())
	} else {
		p.logger.Error("session failed", logging.KeyError, err.Error())
	}
	if changed {
		p.events.emitState(StateDisconnected)
	}
	p.events.emitError(err)
}

// surfaceError records and emits a non-fatal session error.
func (p *Peer) surfaceError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	p.logger.Warn("session error", logging.KeyError, err.Error())
	p.events.emitError(err)
}

// transition moves from one state to another if currently in from.
func (p *Peer) transition(from, to State) {
	p.mu.Lock()
	if p.state != from {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(to)
	p.mu.Unlock()

	p.events.emitState(to)
}

// setStateLocked updates the state. Caller holds p.mu.
func (p *Peer) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.logger.Debug("state change",
		logging.KeyState, s.String())
	p.state = s
}
