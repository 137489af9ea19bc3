// Package bridge composes the bridge-side peer with the upstream
// gateway adapter: decrypted app commands become gateway requests, and
// gateway events are sealed and relayed back to the app peer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinstash/pairlink/internal/gateway"
	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/peer"
	"github.com/coinstash/pairlink/internal/protocol"
)

// Command is a decrypted application command from the app peer.
type Command struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply answers a command.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventMessage wraps an upstream event for the app peer.
type EventMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status is an ephemeral snapshot derived from live state.
type Status struct {
	State             string    `json:"state"`
	PairedSince       time.Time `json:"pairedSince,omitzero"`
	UptimeSeconds     int64     `json:"uptimeSeconds"`
	UpstreamConnected bool      `json:"upstreamConnected"`
	CommandsHandled   uint64    `json:"commandsHandled"`
	EventsForwarded   uint64    `json:"eventsForwarded"`
}

// Methods the bridge answers itself instead of forwarding upstream.
const (
	MethodStatus   = "bridge.status"
	MethodAbortAll = "bridge.abortAll"
)

// Bridge wires a bridge-role peer to a gateway client.
type Bridge struct {
	peer   *peer.Peer
	gw     *gateway.Client
	logger *slog.Logger

	startedAt       time.Time
	commandsHandled atomic.Uint64
	eventsForwarded atomic.Uint64

	unsubscribe []func()
	stopOnce    sync.Once
	stopped     atomic.Bool
}

// New creates a bridge around an existing peer and gateway client.
func New(p *peer.Peer, gw *gateway.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bridge{
		peer:   p,
		gw:     gw,
		logger: logger.With(logging.KeyComponent, "bridge"),
	}
}

// Start connects to the gateway, starts the peer state machine and
// begins shuttling traffic.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.gw.Connect(ctx); err != nil {
		return err
	}

	b.startedAt = time.Now()
	// Commands run on their own goroutines so a slow upstream request
	// never stalls the peer's read loop.
	b.unsubscribe = append(b.unsubscribe, b.peer.OnMessage(func(data []byte) {
		go b.handleCommand(data)
	}))
	b.unsubscribe = append(b.unsubscribe, b.peer.OnPeerDisconnected(func(role protocol.Role) {
		b.logger.Info("app peer left", logging.KeyRole, string(role))
	}))

	if err := b.peer.Start(); err != nil {
		return err
	}

	go b.eventLoop()
	return nil
}

// Stop tears the bridge down. Safe to call multiple times and from a
// signal handler.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		for _, unsub := range b.unsubscribe {
			unsub()
		}
		b.peer.Stop()
		b.gw.Destroy()
	})
}

// Status returns a point-in-time snapshot of the bridge.
func (b *Bridge) Status() Status {
	var uptime int64
	if !b.startedAt.IsZero() {
		uptime = int64(time.Since(b.startedAt).Seconds())
	}
	return Status{
		State:             b.peer.State().String(),
		PairedSince:       b.peer.PairedSince(),
		UptimeSeconds:     uptime,
		UpstreamConnected: b.gw.Connected(),
		CommandsHandled:   b.commandsHandled.Load(),
		EventsForwarded:   b.eventsForwarded.Load(),
	}
}

// handleCommand processes one decrypted app command.
func (b *Bridge) handleCommand(data []byte) {
	if b.stopped.Load() {
		return
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		b.logger.Debug("malformed command dropped", logging.KeyError, err.Error())
		return
	}
	b.commandsHandled.Add(1)

	switch cmd.Method {
	case MethodStatus:
		result, err := json.Marshal(b.Status())
		if err != nil {
			b.reply(Reply{ID: cmd.ID, Error: err.Error()})
			return
		}
		b.reply(Reply{ID: cmd.ID, Result: result})

	case MethodAbortAll:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		b.gw.AbortAll(ctx)
		cancel()
		b.reply(Reply{ID: cmd.ID, Result: json.RawMessage(`{"aborted":"attempted"}`)})

	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		result, err := b.gw.Request(ctx, cmd.Method, cmd.Params, 0)
		cancel()
		if err != nil {
			b.reply(Reply{ID: cmd.ID, Error: err.Error()})
			return
		}
		b.reply(Reply{ID: cmd.ID, Result: result})
	}
}

// reply seals and sends a command reply to the app peer.
func (b *Bridge) reply(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := b.peer.SendEncrypted(data); err != nil {
		b.logger.Debug("reply dropped",
			logging.KeyRequestID, r.ID,
			logging.KeyError, err.Error())
	}
}

// eventLoop forwards gateway events to the app peer while paired.
// Events arriving before pairing are dropped, not queued.
func (b *Bridge) eventLoop() {
	for ev := range b.gw.Events() {
		if b.peer.State() != peer.StatePaired {
			continue
		}

		data, err := json.Marshal(EventMessage{Event: ev.Name, Payload: ev.Payload})
		if err != nil {
			continue
		}
		if err := b.peer.SendEncrypted(data); err != nil {
			if !errors.Is(err, peer.ErrNotPaired) {
				b.logger.Debug("event dropped",
					"event", ev.Name,
					logging.KeyError, err.Error())
			}
			continue
		}
		b.eventsForwarded.Add(1)
	}
}
