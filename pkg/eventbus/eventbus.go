// Package eventbus implements rhythm's in-process publish/subscribe
// hub (C1): the root dependency every other component emits events on.
//
// Grounded on cuemby-warren/pkg/events (a subscriber-map Broker fed by a
// buffered channel), rewritten from a single-priority asynchronous
// broker into a synchronous, priority-ordered dispatcher with wildcard
// subscriptions and a schema registry — dispatch must complete,
// CRITICAL handlers first, before Publish returns.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/types"
)

// Handler receives an event's payload and a small metadata envelope.
type Handler func(payload any, meta Meta)

// Meta accompanies every dispatched event. Type is always set; it is
// the only field a wildcard subscriber receives besides the payload.
type Meta struct {
	Type string
}

// SchemaValidator validates a payload shape before publish. Returning
// a non-nil error rejects the Publish call.
type SchemaValidator func(payload any) error

type subscription struct {
	id       uint64
	priority types.Priority
	handler  Handler
}

// Bus is the priority-ordered, synchronous event dispatcher.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string][]subscription
	wildcard  []subscription
	schemas   map[string]SchemaValidator
	nextSubID uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		schemas:  make(map[string]SchemaValidator),
	}
}

// Subscription is returned by Subscribe and can be passed to
// Unsubscribe to remove a handler.
type Subscription struct {
	name string
	id   uint64
}

// Subscribe registers handler for name at the given priority. The
// special name "*" subscribes to every event published on the bus.
func (b *Bus) Subscribe(name string, priority types.Priority, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := subscription{id: b.nextSubID, priority: priority, handler: handler}

	if name == "*" {
		b.wildcard = insertByPriority(b.wildcard, sub)
		return Subscription{name: "*", id: sub.id}
	}
	b.handlers[name] = insertByPriority(b.handlers[name], sub)
	return Subscription{name: name, id: sub.id}
}

// insertByPriority inserts sub keeping the slice sorted CRITICAL-first,
// stable within a priority (registration order preserved) — a stable
// sort on append-then-sort achieves this without a custom insertion
// search, since the slice is already sorted before the call.
func insertByPriority(subs []subscription, sub subscription) []subscription {
	subs = append(subs, sub)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].priority > subs[j].priority
	})
	return subs
}

// Unsubscribe removes a previously-registered handler. A no-op if the
// subscription no longer exists.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.name == "*" {
		b.wildcard = removeByID(b.wildcard, sub.id)
		return
	}
	b.handlers[sub.name] = removeByID(b.handlers[sub.name], sub.id)
}

func removeByID(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// RegisterSchema associates a validator with an event name. Publishing
// that event with a payload the validator rejects returns an error
// instead of dispatching. Events with no registered schema publish
// unconditionally.
func (b *Bus) RegisterSchema(name string, validator SchemaValidator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[name] = validator
}

// Publish dispatches payload to every handler registered for name,
// CRITICAL first then NORMAL then LOW, registration order preserved
// within a priority, followed by wildcard subscribers. Dispatch is
// synchronous: Publish does not return until every handler has run.
// A handler that panics is recovered, logged, and does not stop
// dispatch to the remaining handlers.
func (b *Bus) Publish(name string, payload any) error {
	b.mu.RLock()
	validator, hasSchema := b.schemas[name]
	named := append([]subscription(nil), b.handlers[name]...)
	wildcard := append([]subscription(nil), b.wildcard...)
	b.mu.RUnlock()

	if hasSchema {
		if err := validator(payload); err != nil {
			return fmt.Errorf("eventbus: payload for %q failed schema validation: %w", name, err)
		}
	}

	metrics.EventsPublishedTotal.WithLabelValues(name).Inc()

	meta := Meta{Type: name}
	for i, sub := range named {
		dispatch(name, i, sub, payload, meta)
	}
	for i, sub := range wildcard {
		dispatch(name, i, sub, payload, meta)
	}
	return nil
}

func dispatch(event string, index int, sub subscription, payload any, meta Meta) {
	metrics.EventHandlersInvokedTotal.WithLabelValues(sub.priority.String()).Inc()
	defer func() {
		if r := recover(); r != nil {
			metrics.EventHandlerPanicsTotal.WithLabelValues(event).Inc()
			log.WithComponent("eventbus").Error().
				Str("event", event).
				Int("handler_index", index).
				Interface("panic", r).
				Msg("event handler panicked; continuing dispatch")
		}
	}()
	sub.handler(payload, meta)
}

// Health is C1's health surface.
type Health struct {
	Status string `json:"status"`
}

// HealthCheck always reports ok: the bus has no internal queuing or
// background state beyond the immediate dispatch.
func (b *Bus) HealthCheck() Health {
	return Health{Status: "ok"}
}

// JSONSchema builds a SchemaValidator that accepts any payload
// marshalling and unmarshalling cleanly into a value of the same shape
// as example (a zero-value struct pointer). This covers the common case
// of "the payload must look like type T" without requiring a full JSON
// Schema document.
func JSONSchema(example any) SchemaValidator {
	return func(payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("eventbus: payload not serializable: %w", err)
		}
		return json.Unmarshal(raw, example)
	}
}
