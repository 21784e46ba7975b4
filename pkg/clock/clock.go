// Package clock implements a Lamport logical clock: a process-wide
// monotonic counter used to order cross-tab events without relying on
// synchronized wall clocks.
//
// Grounded on the mutex-guarded counter/map shape of
// cuemby-warren/pkg/manager/token.go, generalized from a token counter
// into a Lamport clock with tie-break comparison.
package clock

import "sync"

// Clock is a Lamport logical clock stamped with a stable sender id.
type Clock struct {
	mu       sync.Mutex
	counter  uint64
	senderID string
}

// New creates a Clock for the given sender id, starting the counter at 0.
func New(senderID string) *Clock {
	return &Clock{senderID: senderID}
}

// SenderID returns the id this clock stamps messages with.
func (c *Clock) SenderID() string {
	return c.senderID
}

// Tick returns the current counter value and increments it.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.counter
	c.counter++
	return v
}

// Update folds in a timestamp observed from a remote sender:
// counter = max(local, received) + 1.
func (c *Clock) Update(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.counter {
		c.counter = received
	}
	c.counter++
	return c.counter
}

// Peek returns the current counter value without advancing it.
func (c *Clock) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Reset sets the counter back to zero. Intended for test determinism.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = 0
}

// Stamp is the pair of fields Tab Coordinator messages are annotated
// with before signing.
type Stamp struct {
	LogicalTimestamp uint64
	SenderID         string
}

// StampNow ticks the clock and returns a Stamp for an outbound message.
func (c *Clock) StampNow() Stamp {
	return Stamp{LogicalTimestamp: c.Tick(), SenderID: c.senderID}
}

// Compare orders two stamps primarily by logical timestamp ascending,
// breaking ties by sender id ascending. A negative result means a
// happened-before b.
func Compare(a, b Stamp) int {
	switch {
	case a.LogicalTimestamp < b.LogicalTimestamp:
		return -1
	case a.LogicalTimestamp > b.LogicalTimestamp:
		return 1
	case a.SenderID < b.SenderID:
		return -1
	case a.SenderID > b.SenderID:
		return 1
	default:
		return 0
	}
}

// HappenedBefore reports whether a strictly precedes b under Compare.
func HappenedBefore(a, b Stamp) bool {
	return Compare(a, b) < 0
}
