package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	env, err := NewEnvelope(FrameRelay, SealedPayload{Nonce: "aabb", Ciphertext: "ccdd"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Timestamp == 0 {
		t.Error("NewEnvelope() timestamp not set")
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Type != FrameRelay {
		t.Errorf("Decode() type = %q, want %q", got.Type, FrameRelay)
	}

	var sp SealedPayload
	if err := json.Unmarshal(got.Payload, &sp); err != nil {
		t.Fatalf("Unmarshal payload error = %v", err)
	}
	if sp.Nonce != "aabb" || sp.Ciphertext != "ccdd" {
		t.Errorf("payload = %+v, want {aabb ccdd}", sp)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{"},
		{"missing type", `{"payload":{}}`},
		{"empty type", `{"type":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Errorf("Decode(%q) succeeded, want error", tt.data)
			}
		})
	}
}

func TestRole(t *testing.T) {
	if !RoleApp.Valid() || !RoleBridge.Valid() {
		t.Error("fixed roles reported invalid")
	}
	if Role("admin").Valid() {
		t.Error(`Role("admin").Valid() = true`)
	}
	if Role("").Valid() {
		t.Error(`Role("").Valid() = true`)
	}

	if RoleApp.Other() != RoleBridge {
		t.Errorf("RoleApp.Other() = %q, want %q", RoleApp.Other(), RoleBridge)
	}
	if RoleBridge.Other() != RoleApp {
		t.Errorf("RoleBridge.Other() = %q, want %q", RoleBridge.Other(), RoleApp)
	}
}

func TestIsSealed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"sealed", `{"nonce":"aa","ciphertext":"bb"}`, true},
		{"missing nonce", `{"ciphertext":"bb"}`, false},
		{"missing ciphertext", `{"nonce":"aa"}`, false},
		{"plaintext signaling", `{"hello":"world"}`, false},
		{"not json", `garbage`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSealed(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("IsSealed(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestIsRelayable(t *testing.T) {
	relayable := []FrameType{FrameRelay, FrameKeyExchange}
	local := []FrameType{FramePairAck, FramePairComplete, FramePing, FramePong, FrameDisconnect}

	for _, ft := range relayable {
		if !IsRelayable(ft) {
			t.Errorf("IsRelayable(%q) = false, want true", ft)
		}
	}
	for _, ft := range local {
		if IsRelayable(ft) {
			t.Errorf("IsRelayable(%q) = true, want false", ft)
		}
	}
}

func TestCloseCodeName(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{CloseMissingParams, "MISSING_PARAMS"},
		{CloseInvalidToken, "INVALID_TOKEN"},
		{CloseCapacityExceeded, "CAPACITY_EXCEEDED"},
		{CloseRoleOccupied, "ROLE_OCCUPIED"},
		{CloseHeartbeatTimeout, "HEARTBEAT_TIMEOUT"},
		{CloseShutdown, "SHUTDOWN"},
		{1000, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := CloseCodeName(tt.code); got != tt.want {
			t.Errorf("CloseCodeName(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
