// Package abort implements cascading cancellation: a tree of named
// tokens where aborting a parent aborts every descendant depth-first and
// runs each token's registered cleanup handlers.
//
// Grounded on cuemby-warren/pkg/manager.Manager's context.WithCancel /
// CancelFunc pairs (dnsCtx/dnsCancel, ingressCtx/ingressCancel),
// generalized from a flat set of independent cancel funcs into a tree
// with cleanup handlers and timeout-driven auto-abort.
package abort

import (
	"errors"
	"sync"
	"time"
)

// ErrParentAborted is returned by Token.Child when the target token (or
// its parent) has already been aborted.
var ErrParentAborted = errors.New("abort: cannot create a child of an aborted token")

// Reason is attached to a token when it is aborted and passed to every
// cleanup handler.
type Reason string

const ReasonReplaced Reason = "Replaced by new operation"

// Token is one node in a cascading-abort tree.
type Token struct {
	name     string
	mu       sync.Mutex
	aborted  bool
	reason   Reason
	children map[string]*Token
	cleanups []*cleanupEntry
	timer    *time.Timer
	registry *Registry
	parent   *Token
}

type cleanupEntry struct {
	fn func(Reason)
}

// CleanupHandle can be passed back to Token.RemoveCleanup to unregister
// a previously-registered cleanup.
type CleanupHandle struct {
	entry *cleanupEntry
}

// Registry is the root of all cascading-abort trees for one process. It
// tracks root tokens by name so that creating a token with a name
// already in use replaces (aborts) the previous one.
type Registry struct {
	mu    sync.Mutex
	roots map[string]*Token
}

// NewRegistry creates an empty token registry.
func NewRegistry() *Registry {
	return &Registry{roots: make(map[string]*Token)}
}

// Create returns a new root token for name. If a root token with that
// name already exists, it is aborted first with ReasonReplaced.
func (r *Registry) Create(name string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.roots[name]; ok {
		prev.Abort(ReasonReplaced)
	}

	t := &Token{
		name:     name,
		children: make(map[string]*Token),
		registry: r,
	}
	r.roots[name] = t
	return t
}

// Name returns the token's name.
func (t *Token) Name() string { return t.name }

// IsAborted reports whether the token has already been aborted.
func (t *Token) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Reason returns the reason the token was aborted, or "" if it has not
// been aborted yet.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Child creates a child token linked to the parent. Aborting the parent
// aborts this child (and its descendants) depth-first. Creating a child
// of an already-aborted token fails with ErrParentAborted.
func (t *Token) Child(name string) (*Token, error) {
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return nil, ErrParentAborted
	}
	child := &Token{
		name:     name,
		children: make(map[string]*Token),
		registry: t.registry,
		parent:   t,
	}
	t.children[name] = child
	t.mu.Unlock()
	return child, nil
}

// OnCleanup registers fn to run (with the abort reason) when the token
// is aborted. If the token is already aborted, fn runs synchronously
// before OnCleanup returns. Returns a handle usable with RemoveCleanup.
func (t *Token) OnCleanup(fn func(Reason)) CleanupHandle {
	t.mu.Lock()
	if t.aborted {
		reason := t.reason
		t.mu.Unlock()
		fn(reason)
		return CleanupHandle{}
	}
	entry := &cleanupEntry{fn: fn}
	t.cleanups = append(t.cleanups, entry)
	t.mu.Unlock()
	return CleanupHandle{entry: entry}
}

// RemoveCleanup unregisters a cleanup handler previously returned by
// OnCleanup. A no-op if the handler already ran or was already removed.
func (t *Token) RemoveCleanup(h CleanupHandle) {
	if h.entry == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.cleanups {
		if e == h.entry {
			t.cleanups = append(t.cleanups[:i], t.cleanups[i+1:]...)
			return
		}
	}
}

// SetTimeout schedules an auto-abort after d with the given reason.
// Returns a cancel function that prevents the scheduled abort; calling
// it after the token has already aborted is a no-op.
func (t *Token) SetTimeout(d time.Duration, reason Reason) (cancel func()) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	timer := time.AfterFunc(d, func() { t.Abort(reason) })
	t.timer = timer
	t.mu.Unlock()
	return func() { timer.Stop() }
}

// Abort aborts the token and all descendants depth-first, running every
// registered cleanup with reason. Aborting an already-aborted token is a
// no-op.
func (t *Token) Abort(reason Reason) {
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	t.reason = reason
	if t.timer != nil {
		t.timer.Stop()
	}
	children := make([]*Token, 0, len(t.children))
	for _, c := range t.children {
		children = append(children, c)
	}
	cleanups := t.cleanups
	t.cleanups = nil
	t.mu.Unlock()

	// Depth-first: descendants abort before this token's own cleanups
	// run, so a child's teardown never races its parent's.
	for _, c := range children {
		c.Abort(reason)
	}
	for _, e := range cleanups {
		e.fn(reason)
	}
}
