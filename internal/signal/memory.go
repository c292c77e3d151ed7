package signal

import (
	"context"
	"sync"

	"webbmesh/internal/protocol"
)

// MemoryBus connects in-process transports to a single match topic. Used by
// tests and local simulation; the delivery semantics match the websocket
// relay (publisher never hears its own messages, To filters at the receiver).
type MemoryBus struct {
	mu    sync.Mutex
	peers map[string]*MemoryTransport
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{peers: map[string]*MemoryTransport{}}
}

// Join attaches a participant and returns its transport handle.
func (b *MemoryBus) Join(peerID string) *MemoryTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &MemoryTransport{bus: b, peerID: peerID, subs: map[int]Handler{}}
	b.peers[peerID] = t
	return t
}

func (b *MemoryBus) broadcast(from string, env protocol.SignalEnvelope) {
	b.mu.Lock()
	targets := make([]*MemoryTransport, 0, len(b.peers))
	for id, t := range b.peers {
		if id == from {
			continue
		}
		if env.To != "" && env.To != id {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		t.dispatch(env)
	}
}

func (b *MemoryBus) leave(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, peerID)
}

// MemoryTransport is one participant's handle on a MemoryBus.
type MemoryTransport struct {
	bus    *MemoryBus
	peerID string

	mu      sync.Mutex
	subs    map[int]Handler
	nextSub int
	closed  bool
}

var _ Transport = (*MemoryTransport)(nil)

// Publish delivers the envelope synchronously to the other participants.
func (t *MemoryTransport) Publish(ctx context.Context, env protocol.SignalEnvelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrSignalingDown
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.bus.broadcast(t.peerID, env)
	return nil
}

// Subscribe registers a handler; the returned cancel removes it.
func (t *MemoryTransport) Subscribe(fn Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Close detaches from the bus.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.bus.leave(t.peerID)
	return nil
}

func (t *MemoryTransport) dispatch(env protocol.SignalEnvelope) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.subs))
	for _, fn := range t.subs {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}
