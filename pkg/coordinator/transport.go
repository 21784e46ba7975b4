package coordinator

import (
	"sync"

	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/types"
)

// Transport carries signed, stamped Messages between tabs. Two
// implementations are provided: busTransport (an in-process broadcast
// standing in for BroadcastChannel) and directTransport (a
// point-to-point fan-out standing in for a shared-worker fallback).
// Selection between them is a supervised choice at construction time,
// the same pattern pkg/storage uses for primary/fallback (§4.6).
type Transport interface {
	Send(msg types.Message) error
	Subscribe(handler func(types.Message)) (unsubscribe func())
	Close() error
}

const wireEvent = "coordinator:wire"

// busTransport broadcasts over a shared pkg/eventbus.Bus, filtering
// out a tab's own messages the way a real BroadcastChannel never
// echoes the sender's own posts back to itself.
type busTransport struct {
	bus    *eventbus.Bus
	selfID string
}

// NewBusTransport builds a Transport backed by an in-process event bus.
func NewBusTransport(bus *eventbus.Bus, selfID string) Transport {
	return &busTransport{bus: bus, selfID: selfID}
}

func (t *busTransport) Send(msg types.Message) error {
	return t.bus.Publish(wireEvent, msg)
}

func (t *busTransport) Subscribe(handler func(types.Message)) func() {
	sub := t.bus.Subscribe(wireEvent, types.PriorityNormal, func(payload any, _ eventbus.Meta) {
		msg, ok := payload.(types.Message)
		if !ok || msg.SenderID == t.selfID {
			return
		}
		handler(msg)
	})
	return func() { t.bus.Unsubscribe(sub) }
}

func (t *busTransport) Close() error { return nil }

// DirectHub is the shared-worker-like central relay directTransport
// instances register with: each registered tab gets its own inbound
// channel, and Send fans a message out to every other registered tab.
type DirectHub struct {
	mu    sync.Mutex
	peers map[string]chan types.Message
}

// NewDirectHub creates an empty relay.
func NewDirectHub() *DirectHub {
	return &DirectHub{peers: make(map[string]chan types.Message)}
}

func (h *DirectHub) register(id string) chan types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan types.Message, 64)
	h.peers[id] = ch
	return ch
}

func (h *DirectHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

func (h *DirectHub) broadcast(from string, msg types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.peers {
		if id == from {
			continue
		}
		select {
		case ch <- msg:
		default:
			// Slow/unregistered peer; drop rather than block the sender,
			// matching a shared-worker's best-effort postMessage fan-out.
		}
	}
}

// directTransport is a point-to-point fallback transport over a
// DirectHub, used when a broadcast-channel-like primitive is
// unavailable.
type directTransport struct {
	hub    *DirectHub
	selfID string
	inbox  chan types.Message
	stopCh chan struct{}
}

// NewDirectTransport registers selfID with hub and returns a Transport.
func NewDirectTransport(hub *DirectHub, selfID string) Transport {
	return &directTransport{
		hub:    hub,
		selfID: selfID,
		inbox:  hub.register(selfID),
		stopCh: make(chan struct{}),
	}
}

func (t *directTransport) Send(msg types.Message) error {
	t.hub.broadcast(t.selfID, msg)
	return nil
}

func (t *directTransport) Subscribe(handler func(types.Message)) func() {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-t.inbox:
				handler(msg)
			case <-t.stopCh:
				close(done)
				return
			}
		}
	}()
	return func() {
		select {
		case <-done:
		default:
			close(t.stopCh)
		}
	}
}

func (t *directTransport) Close() error {
	t.hub.unregister(t.selfID)
	return nil
}
