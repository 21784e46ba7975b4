// Package lock implements rhythm's named mutual-exclusion manager
// (C10): FIFO-fair acquisition of opaque tokens per lock name, with a
// non-blocking canAcquire check used by the operation queue's (C11)
// pre-check step.
//
// Grounded on cuemby-warren/pkg/manager/token.go's TokenManager
// (mutex-guarded map of opaque, crypto/rand-generated tokens),
// generalized from join-token issuance/validation to a blocking,
// FIFO-queued named mutex.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rhythm/pkg/metrics"
)

// ErrAcquireTimeout is returned by AcquireWithTimeout when the lock is
// not granted before the deadline.
var ErrAcquireTimeout = errors.New("lock: acquisition timed out")

type lockState struct {
	holder  string
	waiters []chan string // FIFO; each receives the token once granted
}

// CanAcquireResult is returned by CanAcquire/CanAcquireAll.
type CanAcquireResult struct {
	CanAcquire bool
	BlockedBy  []string
}

// Manager is a registry of independently held named locks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// New creates an empty lock Manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*lockState)}
}

func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Acquire blocks until name is free, then returns a fresh opaque
// token. If the lock is already free it returns immediately; otherwise
// the caller joins the FIFO wait queue.
func (m *Manager) Acquire(ctx context.Context, name string) (string, error) {
	granted, pending := m.tryAcquireOrEnqueue(name)
	if pending == nil {
		return granted, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LockWaitDuration, name)

	select {
	case token := <-pending:
		return token, nil
	case <-ctx.Done():
		m.removeWaiter(name, pending)
		metrics.LockTimeoutsTotal.WithLabelValues(name).Inc()
		return "", ctx.Err()
	}
}

// AcquireWithTimeout is Acquire bounded by timeout, returning
// ErrAcquireTimeout on expiry.
func (m *Manager) AcquireWithTimeout(name string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	token, err := m.Acquire(ctx, name)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", ErrAcquireTimeout
	}
	return token, err
}

// tryAcquireOrEnqueue grants a fresh token immediately if name is
// free, or appends a wait channel to the FIFO queue and returns it.
// Exactly one of the two return values is non-zero.
func (m *Manager) tryAcquireOrEnqueue(name string) (granted string, pending chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[name]
	if !ok {
		state = &lockState{}
		m.locks[name] = state
	}

	if state.holder == "" && len(state.waiters) == 0 {
		tok := newToken()
		state.holder = tok
		return tok, nil
	}

	ch := make(chan string, 1)
	state.waiters = append(state.waiters, ch)
	return "", ch
}

func (m *Manager) removeWaiter(name string, target chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.locks[name]
	if !ok {
		return
	}
	for i, ch := range state.waiters {
		if ch == target {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			return
		}
	}
}

// Release is a no-op if token does not match the current holder.
// Otherwise it frees the lock and, if
// a waiter is queued, grants the lock to the FIFO head with a fresh
// token.
func (m *Manager) Release(name, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[name]
	if !ok || state.holder != token {
		return
	}

	if len(state.waiters) == 0 {
		state.holder = ""
		return
	}

	head := state.waiters[0]
	state.waiters = state.waiters[1:]
	newTok := newToken()
	state.holder = newTok
	head <- newTok
}

// CanAcquire reports whether name is currently free, without any side
// effect, for use by the operation queue's pre-check.
func (m *Manager) CanAcquire(name string) CanAcquireResult {
	return m.CanAcquireAll([]string{name})
}

// CanAcquireAll checks a set of lock names at once, e.g. for an
// operation that must hold several locks. It reports every currently
// held name as BlockedBy.
func (m *Manager) CanAcquireAll(names []string) CanAcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var blocked []string
	for _, name := range names {
		if state, ok := m.locks[name]; ok && state.holder != "" {
			blocked = append(blocked, name)
		}
	}
	if len(blocked) > 0 {
		return CanAcquireResult{CanAcquire: false, BlockedBy: blocked}
	}
	return CanAcquireResult{CanAcquire: true}
}

// WithLock acquires name with the given timeout, runs body, and
// releases unconditionally afterward.
func (m *Manager) WithLock(name string, timeout time.Duration, body func() error) error {
	token, err := m.AcquireWithTimeout(name, timeout)
	if err != nil {
		return fmt.Errorf("lock: acquire %q: %w", name, err)
	}
	defer m.Release(name, token)
	return body()
}
