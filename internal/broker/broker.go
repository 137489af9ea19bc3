// Package broker implements the relay broker: it pairs an app peer and
// a bridge peer under a shared token and forwards opaque frames between
// them without ever decrypting application traffic.
package broker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/metrics"
	"github.com/coinstash/pairlink/internal/protocol"
	"github.com/coinstash/pairlink/internal/token"
)

var (
	// ErrCapacityExceeded is returned when the group ceiling is reached.
	ErrCapacityExceeded = errors.New("connection group capacity exceeded")

	// ErrRoleOccupied is returned when the requested role already has a
	// live connection for the token. The existing connection stays open.
	ErrRoleOccupied = errors.New("role already occupied")

	// ErrGroupClosed is returned when registering against a group that
	// is being torn down.
	ErrGroupClosed = errors.New("connection group closed")
)

// Conn is the broker's handle on one peer connection. Implementations
// must be safe for concurrent Send calls.
type Conn interface {
	// Send writes one raw frame to the peer.
	Send(data []byte) error

	// CloseWithCode closes the connection with a stable close code and
	// a human-readable reason. Safe to call multiple times.
	CloseWithCode(code int, reason string) error
}

// Config contains broker tuning parameters.
type Config struct {
	// MaxGroups is the connection group ceiling.
	MaxGroups int

	// HeartbeatTimeout is how long a group may sit without activity
	// before the sweep force-closes it.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often the heartbeat sweep runs.
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxGroups:        100,
		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    15 * time.Second,
	}
}

// group tracks the live connection handles for both roles under one
// token id. All mutations to a group are serialized through its mutex
// so pair-complete detection never races a concurrent disconnect.
type group struct {
	tokenID string
	secret  string

	mu           sync.Mutex
	conns        map[protocol.Role]Conn
	lastActivity time.Time
	closed       bool
}

// Broker pairs peers by token and forwards opaque frames between roles.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *token.Registry
	now      func() time.Time

	mu     sync.Mutex
	groups map[string]*group

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a broker. Call Start to run the heartbeat sweep.
func New(cfg Config, registry *token.Registry) *Broker {
	if cfg.MaxGroups < 1 {
		cfg.MaxGroups = 100
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Broker{
		cfg:      cfg,
		logger:   logger.With(logging.KeyComponent, "broker"),
		metrics:  m,
		registry: registry,
		now:      time.Now,
		groups:   make(map[string]*group),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the heartbeat sweep until Stop is called.
func (b *Broker) Start() {
	go b.sweepLoop()
}

// Stop halts the sweep and force-closes every live group. Safe to call
// multiple times.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		groups := make([]*group, 0, len(b.groups))
		for _, g := range b.groups {
			groups = append(groups, g)
		}
		b.mu.Unlock()

		for _, g := range groups {
			b.destroyGroup(g, protocol.CloseShutdown, "broker shutting down")
		}
	})
}

// Admission reports whether a new connection group could currently be
// admitted. The token registry consults this before issuance; Register
// applies the same check again independently.
func (b *Broker) Admission() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups) < b.cfg.MaxGroups
}

// GroupCount returns the number of live connection groups.
func (b *Broker) GroupCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// Register attaches a connection to the token's group under the given
// role. On acceptance the connection receives a pair-ack frame; when
// both roles are present, both receive pair-complete and the token is
// marked paired. A second connection for an occupied role is rejected
// and the existing one is untouched.
func (b *Broker) Register(tok *token.Token, role protocol.Role, conn Conn) error {
	b.mu.Lock()
	g, ok := b.groups[tok.ID]
	if !ok {
		if len(b.groups) >= b.cfg.MaxGroups {
			b.mu.Unlock()
			b.metrics.RecordRejection("capacity")
			return ErrCapacityExceeded
		}
		g = &group{
			tokenID:      tok.ID,
			secret:       tok.Secret,
			conns:        make(map[protocol.Role]Conn),
			lastActivity: b.now(),
		}
		b.groups[tok.ID] = g
		b.metrics.GroupsActive.Inc()
	}
	b.mu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGroupClosed
	}
	if _, occupied := g.conns[role]; occupied {
		g.mu.Unlock()
		b.metrics.RecordRejection("role_occupied")
		return ErrRoleOccupied
	}
	g.conns[role] = conn
	g.lastActivity = b.now()
	bothPresent := len(g.conns) == 2
	var other Conn
	if bothPresent {
		other = g.conns[role.Other()]
	}
	g.mu.Unlock()

	b.metrics.RecordConnection(string(role))
	b.logger.Info("peer registered",
		logging.KeyTokenID, tok.ID,
		logging.KeyRole, string(role))

	b.sendControl(conn, protocol.FramePairAck, protocol.PairAckPayload{Role: role})

	if bothPresent {
		if err := b.registry.MarkPaired(tok.Secret); err != nil {
			b.logger.Warn("mark paired failed",
				logging.KeyTokenID, tok.ID,
				logging.KeyError, err.Error())
		}
		b.sendControl(conn, protocol.FramePairComplete, nil)
		b.sendControl(other, protocol.FramePairComplete, nil)
		b.metrics.PairsCompleted.Inc()
		b.logger.Info("pairing complete", logging.KeyTokenID, tok.ID)
	}

	return nil
}

// Forward processes one raw inbound frame from a role. Pings are
// answered locally with a pong; relay and key-exchange frames are
// forwarded byte-for-byte to the opposite role if it is present, and
// silently dropped otherwise. Unknown or out-of-place frame types are
// dropped without tearing the connection down. A missing group makes
// the whole call a no-op.
func (b *Broker) Forward(tokenID string, fromRole protocol.Role, raw []byte) {
	b.mu.Lock()
	g, ok := b.groups[tokenID]
	b.mu.Unlock()
	if !ok {
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		b.logger.Debug("malformed frame dropped",
			logging.KeyTokenID, tokenID,
			logging.KeyRole, string(fromRole),
			logging.KeyError, err.Error())
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.lastActivity = b.now()
	sender := g.conns[fromRole]
	receiver := g.conns[fromRole.Other()]
	g.mu.Unlock()

	switch {
	case env.Type == protocol.FramePing:
		// Liveness frames are answered locally, never relayed.
		if sender != nil {
			b.sendControl(sender, protocol.FramePong, nil)
		}
	case protocol.IsRelayable(env.Type):
		if receiver == nil {
			// No spooling: the layered protocol is re-askable.
			return
		}
		if err := receiver.Send(raw); err != nil {
			b.logger.Debug("relay send failed",
				logging.KeyTokenID, tokenID,
				logging.KeyFrameType, string(env.Type),
				logging.KeyError, err.Error())
			return
		}
		b.metrics.RecordRelay(string(env.Type), len(raw))
	default:
		b.logger.Debug("unexpected frame type dropped",
			logging.KeyTokenID, tokenID,
			logging.KeyFrameType, string(env.Type))
	}
}

// Disconnect clears a role's handle. The surviving role, if any, gets a
// disconnect notification naming the departed role; when both roles are
// gone the group is destroyed and its token entry released.
func (b *Broker) Disconnect(tokenID string, role protocol.Role) {
	b.mu.Lock()
	g, ok := b.groups[tokenID]
	b.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	if _, present := g.conns[role]; !present {
		g.mu.Unlock()
		return
	}
	delete(g.conns, role)
	survivor := g.conns[role.Other()]
	empty := len(g.conns) == 0
	if empty {
		g.closed = true
	}
	g.mu.Unlock()

	b.logger.Info("peer disconnected",
		logging.KeyTokenID, tokenID,
		logging.KeyRole, string(role))

	if survivor != nil {
		b.sendControl(survivor, protocol.FrameDisconnect, protocol.DisconnectPayload{Role: role})
	}
	if empty {
		b.removeGroup(g)
	}
}

// Status reports the live connection state for a token id.
func (b *Broker) Status(tokenID string) (appConnected, bridgeConnected bool) {
	b.mu.Lock()
	g, ok := b.groups[tokenID]
	b.mu.Unlock()
	if !ok {
		return false, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	_, appConnected = g.conns[protocol.RoleApp]
	_, bridgeConnected = g.conns[protocol.RoleBridge]
	return appConnected, bridgeConnected
}

// sweepLoop periodically evicts groups with no recent activity. This is
// the authoritative liveness enforcement; half-open sockets that never
// ping are reclaimed here even though they look open at the transport.
func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepOnce()
		case <-b.stopCh:
			return
		}
	}
}

// sweepOnce force-closes every group idle past the heartbeat timeout.
func (b *Broker) sweepOnce() {
	cutoff := b.now().Add(-b.cfg.HeartbeatTimeout)

	b.mu.Lock()
	var stale []*group
	for _, g := range b.groups {
		g.mu.Lock()
		if g.lastActivity.Before(cutoff) {
			stale = append(stale, g)
		}
		g.mu.Unlock()
	}
	b.mu.Unlock()

	for _, g := range stale {
		b.logger.Info("group evicted by heartbeat sweep", logging.KeyTokenID, g.tokenID)
		b.metrics.HeartbeatEvictions.Inc()
		b.destroyGroup(g, protocol.CloseHeartbeatTimeout, "heartbeat timeout")
	}
}

// destroyGroup force-closes any live handles and removes the group.
func (b *Broker) destroyGroup(g *group, closeCode int, reason string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]Conn, 0, len(g.conns))
	for role := range g.conns {
		conns = append(conns, g.conns[role])
		delete(g.conns, role)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if err := c.CloseWithCode(closeCode, reason); err != nil {
			b.logger.Debug("close failed",
				logging.KeyTokenID, g.tokenID,
				logging.KeyError, err.Error())
		}
	}

	b.removeGroup(g)
}

// removeGroup deletes the group from the table and releases its token.
func (b *Broker) removeGroup(g *group) {
	b.mu.Lock()
	if _, ok := b.groups[g.tokenID]; ok {
		delete(b.groups, g.tokenID)
		b.metrics.GroupsActive.Dec()
	}
	b.mu.Unlock()

	// Paired tokens live and die with their group; dropping the
	// registry entry here keeps long-running memory bounded.
	b.registry.Release(g.tokenID)
}

// sendControl marshals and sends a broker-originated control frame.
func (b *Broker) sendControl(conn Conn, t protocol.FrameType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		b.logger.Warn("encode control frame failed",
			logging.KeyFrameType, string(t),
			logging.KeyError, err.Error())
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		b.logger.Debug("control send failed",
			logging.KeyFrameType, string(t),
			logging.KeyError, err.Error())
	}
}
