package peer

import (
	"sort"
	"sync"

	"github.com/coinstash/pairlink/internal/protocol"
)

// Callbacks are registered per event kind and invoked synchronously
// from the peer's run loop in registration order, so ordering stays
// auditable. Unsubscribe is deterministic: after the returned function
// returns, the callback will not fire again.

// StateHandler observes connection state transitions.
type StateHandler func(State)

// MessageHandler receives decrypted application payloads.
type MessageHandler func([]byte)

// PeerGoneHandler fires when the broker reports the counterpart role
// left, as opposed to the local socket dropping.
type PeerGoneHandler func(protocol.Role)

// ErrorHandler receives surfaced session errors (pairing rejections,
// authentication failures).
type ErrorHandler func(error)

type eventRegistry struct {
	mu       sync.Mutex
	nextID   int
	state    map[int]StateHandler
	message  map[int]MessageHandler
	peerGone map[int]PeerGoneHandler
	errors   map[int]ErrorHandler
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{
		state:    make(map[int]StateHandler),
		message:  make(map[int]MessageHandler),
		peerGone: make(map[int]PeerGoneHandler),
		errors:   make(map[int]ErrorHandler),
	}
}

func (r *eventRegistry) onState(h StateHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.state[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.state, id)
		r.mu.Unlock()
	}
}

func (r *eventRegistry) onMessage(h MessageHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.message[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.message, id)
		r.mu.Unlock()
	}
}

func (r *eventRegistry) onPeerGone(h PeerGoneHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.peerGone[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.peerGone, id)
		r.mu.Unlock()
	}
}

func (r *eventRegistry) onError(h ErrorHandler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.errors[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.errors, id)
		r.mu.Unlock()
	}
}

func (r *eventRegistry) emitState(s State) {
	for _, h := range snapshot(r, r.state) {
		h(s)
	}
}

func (r *eventRegistry) emitMessage(data []byte) {
	for _, h := range snapshot(r, r.message) {
		h(data)
	}
}

func (r *eventRegistry) emitPeerGone(role protocol.Role) {
	for _, h := range snapshot(r, r.peerGone) {
		h(role)
	}
}

func (r *eventRegistry) emitError(err error) {
	for _, h := range snapshot(r, r.errors) {
		h(err)
	}
}

// snapshot copies handlers in registration order while holding the lock
// so callbacks run without it.
func snapshot[H any](r *eventRegistry, m map[int]H) []H {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
