// Package protocol defines the wire protocol spoken between peers and
// the relay broker. Every message on the wire is a single JSON envelope
// with a required type and an optional payload. The broker interprets
// only the handful of control types it answers itself; relay and
// key-exchange payloads cross the broker as opaque bytes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies the kind of envelope on the broker leg.
type FrameType string

// Broker-facing frame types.
const (
	// FramePairAck acknowledges that a token+role registration was
	// accepted. It does not imply the other role is present.
	FramePairAck FrameType = "pair-ack"

	// FramePairComplete is sent to both roles once both are connected.
	FramePairComplete FrameType = "pair-complete"

	// FrameRelay carries application traffic. Before a shared key
	// exists the payload is plaintext signaling; afterwards it is a
	// sealed {nonce, ciphertext} pair. The broker never distinguishes.
	FrameRelay FrameType = "relay"

	// FrameKeyExchange carries a peer's public key, forwarded verbatim.
	FrameKeyExchange FrameType = "key-exchange"

	// FramePing is a liveness probe answered locally by the broker.
	FramePing FrameType = "ping"

	// FramePong is the broker's answer to a ping.
	FramePong FrameType = "pong"

	// FrameDisconnect notifies the surviving role that its counterpart
	// left the group.
	FrameDisconnect FrameType = "disconnect"
)

// Role identifies which side of a pairing a connection belongs to.
type Role string

const (
	// RoleApp is the companion-app side of a pairing.
	RoleApp Role = "app"

	// RoleBridge is the agent-side bridge of a pairing.
	RoleBridge Role = "bridge"
)

// Valid reports whether r is one of the two fixed roles.
func (r Role) Valid() bool {
	return r == RoleApp || r == RoleBridge
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleApp {
		return RoleBridge
	}
	return RoleApp
}

// Connection query parameters presented at registration time.
const (
	ParamToken = "token"
	ParamRole  = "role"
)

// Websocket close codes used by the broker to reject or evict
// connections. Codes are in the private-use range (4000-4999) and are
// stable so clients can branch on them.
const (
	// CloseMissingParams: token or role query parameter absent.
	CloseMissingParams = 4000

	// CloseInvalidToken: token unknown or expired.
	CloseInvalidToken = 4001

	// CloseCapacityExceeded: broker group ceiling reached.
	CloseCapacityExceeded = 4002

	// CloseRoleOccupied: the requested role already has a live handle.
	CloseRoleOccupied = 4003

	// CloseHeartbeatTimeout: group evicted by the heartbeat sweep.
	CloseHeartbeatTimeout = 4004

	// CloseShutdown: broker is shutting down.
	CloseShutdown = 4005
)

// CloseCodeName returns a human-readable name for a broker close code.
func CloseCodeName(code int) string {
	switch code {
	case CloseMissingParams:
		return "MISSING_PARAMS"
	case CloseInvalidToken:
		return "INVALID_TOKEN"
	case CloseCapacityExceeded:
		return "CAPACITY_EXCEEDED"
	case CloseRoleOccupied:
		return "ROLE_OCCUPIED"
	case CloseHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	case CloseShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the wire message exchanged over the broker leg and, for
// the bridge, over the upstream gateway leg.
type Envelope struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// PairAckPayload acknowledges the accepted role.
type PairAckPayload struct {
	Role Role `json:"role"`
}

// DisconnectPayload names the role that left.
type DisconnectPayload struct {
	Role Role `json:"role"`
}

// KeyExchangePayload carries a peer's X25519 public key, hex encoded.
type KeyExchangePayload struct {
	PublicKey string `json:"publicKey"`
}

// SealedPayload is an encrypted relay payload.
type SealedPayload struct {
	Nonce      string `json:"nonce"`      // hex
	Ciphertext string `json:"ciphertext"` // hex
}

// IsSealed reports whether a raw relay payload looks like a sealed
// {nonce, ciphertext} pair rather than plaintext signaling.
func IsSealed(raw json.RawMessage) bool {
	var sp SealedPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return false
	}
	return sp.Nonce != "" && sp.Ciphertext != ""
}

// Encode serializes an envelope to JSON bytes.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses an envelope from JSON bytes. The envelope must carry a
// non-empty type; payload contents are not validated here.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &env, nil
}

// NewEnvelope builds an envelope with the payload marshaled in place
// and the timestamp set to the current time.
func NewEnvelope(t FrameType, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// IsRelayable reports whether the broker forwards this frame type to
// the opposite role rather than handling it locally.
func IsRelayable(t FrameType) bool {
	return t == FrameRelay || t == FrameKeyExchange
}
