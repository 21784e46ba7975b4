// Package storage implements rhythm's two-backend storage facade (C6):
// a uniform named-object-store KV interface over a primary indexed
// backend (bbolt) with automatic fallback to a process-memory string
// KV when the primary is unavailable or quota-failed.
//
// Grounded on cuemby-warren/pkg/storage/boltdb.go (bucket-per-entity,
// JSON-marshalled values, db.Update/db.View), generalized from a fixed
// set of typed CRUD methods (CreateNode, GetService, ...) into a single
// named-store KV interface keyed by the value's id field.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/types"
)

// ErrNotFound is returned by Get when no item has the given key.
// GetByIndex reports no match as an empty result with a nil error.
var ErrNotFound = errors.New("storage: item not found")

// ErrTransactionStale is returned when an operation is attempted
// against a Txn after its owning Transaction call has already
// returned, closing the pooled handle. Scoping Txn to the body closure
// makes the time-of-check/time-of-use race structurally impossible
// rather than merely detected.
var ErrTransactionStale = errors.New("storage: transaction handle is no longer active")

// Mode selects read-only vs. read-write for Transaction.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

// Stats is returned by Backend.Stats.
type Stats struct {
	Type       string `json:"type"` // "primary" | "fallback"
	StoreCount int    `json:"storeCount"`
	TotalBytes int64  `json:"totalBytes"`
}

// Txn is the set of operations available inside a Transaction body.
type Txn interface {
	Put(store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error)
	Get(store, key string) (types.ObjectStoreItem, error)
	GetAll(store string) ([]types.ObjectStoreItem, error)
	Delete(store, key string) error
	Clear(store string) error
	Count(store string) (int, error)
}

// Backend is one storage implementation: the bbolt primary or the
// in-memory fallback.
type Backend interface {
	Txn
	GetByIndex(store, field, value string) ([]types.ObjectStoreItem, error)
	Transaction(stores []string, mode Mode, body func(Txn) error) error
	Stats() (Stats, error)
	Close() error
}

// DetectWriteConflict implements the last-write-wins conflict rule:
// two writes at the same write epoch conflict and are resolved
// deterministically by sender id. A zero epoch on either side means
// the record predates epoch tracking or the caller isn't tracking one
// (a "blind" write) — either way it never conflicts and the incoming
// item wins.
func DetectWriteConflict(existing, incoming types.ObjectStoreItem) (hasConflict bool, winner types.ObjectStoreItem) {
	if existing.WriteEpoch == 0 || incoming.WriteEpoch == 0 {
		return false, incoming
	}
	switch {
	case incoming.WriteEpoch > existing.WriteEpoch:
		return false, incoming
	case incoming.WriteEpoch < existing.WriteEpoch:
		return false, existing
	default:
		if incoming.SenderID > existing.SenderID {
			return true, incoming
		}
		return true, existing
	}
}

// EstimateDataSize returns a conservative byte estimate for an item's
// value, used by the fallback backend's Stats to report TotalBytes.
func EstimateDataSize(item types.ObjectStoreItem) int64 {
	// JSON encoding roughly doubles raw bytes once escaping and field
	// names are counted; the id and sender id add a small constant.
	return int64(len(item.Value))*2 + int64(len(item.ID)) + int64(len(item.SenderID)) + 32
}

// connectionState tracks retry bookkeeping for the primary backend,
// grounded on cuemby-warren/pkg/health.Status's ConsecutiveFailures
// counter, repurposed from container health polling to storage
// connectivity polling.
type connectionState struct {
	mu                  sync.Mutex
	connected           bool
	failed              bool
	consecutiveFailures int
	attempts            int
	retryBudget         int
}

func newConnectionState(retryBudget int) *connectionState {
	return &connectionState{connected: true, retryBudget: retryBudget}
}

func (c *connectionState) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.failed = false
	c.consecutiveFailures = 0
	c.attempts = 0
}

// recordFailure returns true once the retry budget is exhausted and
// the backend should be considered failed.
func (c *connectionState) recordFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	c.consecutiveFailures++
	if c.consecutiveFailures >= c.retryBudget {
		c.connected = false
		c.failed = true
	}
	return c.failed
}

func (c *connectionState) snapshot() (connected, failed bool, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.failed, c.attempts
}

func (c *connectionState) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.failed = false
	c.consecutiveFailures = 0
	c.attempts = 0
}

// Store is the facade callers use: it selects between the primary and
// fallback Backend via a supervised selector re-checked on every call,
// never a stale method-bound reference.
type Store struct {
	mu               sync.RWMutex
	primary          Backend
	fallback         Backend
	usingFallback    bool
	connState        *connectionState
	connectRetryTime time.Duration
}

// New builds a Store over primary/fallback backends with a given
// connection retry budget before auto-activating the fallback.
func New(primary, fallback Backend, retryBudget int) *Store {
	return &Store{
		primary:   primary,
		fallback:  fallback,
		connState: newConnectionState(retryBudget),
	}
}

// active returns the backend the Store should use right now.
func (s *Store) active() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.usingFallback {
		return s.fallback
	}
	return s.primary
}

// ActivateFallback flips the Store onto the fallback backend.
func (s *Store) ActivateFallback() {
	s.mu.Lock()
	s.usingFallback = true
	s.mu.Unlock()
	metrics.StorageUsingFallback.Set(1)
	log.WithComponent("storage").Warn().Msg("activated fallback backend")
}

// ResetConnectionState flips back to the primary and clears retry
// bookkeeping.
func (s *Store) ResetConnectionState() {
	s.mu.Lock()
	s.usingFallback = false
	s.mu.Unlock()
	s.connState.reset()
	metrics.StorageUsingFallback.Set(0)
}

// IsUsingFallback reports which backend is currently active.
func (s *Store) IsUsingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usingFallback
}

// GetStorageBackend reports the active backend's type, stats, and
// fallback mode.
func (s *Store) GetStorageBackend() (Stats, bool, error) {
	stats, err := s.active().Stats()
	return stats, s.IsUsingFallback(), err
}

func (s *Store) recordOp(op string, err error) {
	backend := "primary"
	if s.IsUsingFallback() {
		backend = "fallback"
	}
	metrics.StorageOpsTotal.WithLabelValues(backend, op).Inc()
	if err != nil && !s.IsUsingFallback() {
		if s.connState.recordFailure() {
			metrics.StorageConnectionFailures.Inc()
			log.WithComponent("storage").Error().Err(err).Msg("primary backend connection failed; activating fallback")
			s.ActivateFallback()
		}
	} else if err == nil && !s.IsUsingFallback() {
		s.connState.recordSuccess()
	}
}

func (s *Store) Put(store string, item types.ObjectStoreItem) (types.ObjectStoreItem, error) {
	result, err := s.active().Put(store, item)
	s.recordOp("put", err)
	return result, wrap("put", store, err)
}

func (s *Store) Get(store, key string) (types.ObjectStoreItem, error) {
	result, err := s.active().Get(store, key)
	s.recordOp("get", errExceptNotFound(err))
	return result, wrap("get", store, err)
}

func (s *Store) GetAll(store string) ([]types.ObjectStoreItem, error) {
	result, err := s.active().GetAll(store)
	s.recordOp("getAll", err)
	return result, wrap("getAll", store, err)
}

func (s *Store) GetByIndex(store, field, value string) ([]types.ObjectStoreItem, error) {
	result, err := s.active().GetByIndex(store, field, value)
	s.recordOp("getByIndex", err)
	return result, wrap("getByIndex", store, err)
}

func (s *Store) Delete(store, key string) error {
	err := s.active().Delete(store, key)
	s.recordOp("delete", err)
	return wrap("delete", store, err)
}

func (s *Store) Clear(store string) error {
	err := s.active().Clear(store)
	s.recordOp("clear", err)
	return wrap("clear", store, err)
}

func (s *Store) Count(store string) (int, error) {
	result, err := s.active().Count(store)
	s.recordOp("count", err)
	return result, wrap("count", store, err)
}

// Transaction runs body against a Txn scoped to the active backend.
// The handle is valid only for the duration of body; it cannot be
// retained and reused afterward (ErrTransactionStale), enforcing the
// transaction handle's scoping structurally rather than by convention.
func (s *Store) Transaction(stores []string, mode Mode, body func(Txn) error) error {
	err := s.active().Transaction(stores, mode, body)
	s.recordOp("transaction", err)
	return err
}

func errExceptNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func wrap(op, store string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("storage: %s %s: %w", op, store, err)
}

// marshalItem and unmarshalItem are shared by both backends to keep
// the on-disk/in-memory encoding identical.
func marshalItem(item types.ObjectStoreItem) ([]byte, error) {
	return json.Marshal(item)
}

func unmarshalItem(raw []byte) (types.ObjectStoreItem, error) {
	var item types.ObjectStoreItem
	err := json.Unmarshal(raw, &item)
	return item, err
}
