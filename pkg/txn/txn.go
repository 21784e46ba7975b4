// Package txn implements rhythm's storage transaction manager (C7):
// multi-operation, compensation-based atomicity over the storage
// backend (C6), a three-tier-persisted compensation log, and a
// fatal-state latch entered when rollback itself fails.
//
// Grounded on cuemby-warren/pkg/manager/fsm.go's WarrenFSM.Apply, which
// dispatches a Command{Op, Data} by string switch against the local
// store inside a Raft log entry. Repurposed: instead of a replicated
// log entry, the "command" is an in-process closure that records an
// inverse operation as it runs; instead of FSM snapshot/restore,
// "restore" is compensation-log replay in reverse order.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/storage"
	"github.com/cuemby/rhythm/pkg/types"
)

// ErrFatalLatched is returned by Run while the fatal-state latch is set.
var ErrFatalLatched = errors.New("txn: system in fatal error state")

// ErrPartialCommit is wrapped into the error Run returns when some
// operations committed but rollback could not fully undo them.
var ErrPartialCommit = errors.New("txn: partial commit, rollback incomplete")

// InverseOp is one recorded compensating action.
type InverseOp struct {
	Kind  string // "put" | "delete"
	Store string
	Item  types.ObjectStoreItem
}

// CompensationEntry is the durable record of one transaction's inverse
// log.
type CompensationEntry struct {
	ID        string      `json:"id"`
	Entries   []InverseOp `json:"entries"`
	Tier      string      `json:"tier"` // "primary" | "fallback" | "memory"
	Resolved  bool        `json:"resolved"`
	Timestamp time.Time   `json:"timestamp"`
}

const compensationLogStore = "compensation_log"

// Tx is the handle passed to a transaction body. Every mutating call
// records the inverse needed to undo it before the call returns.
type Tx struct {
	store    *storage.Store
	inverses []InverseOp
}

// Put stores item, recording whatever inverse restores the prior
// state: a put of the previous value if one existed, or a delete if
// this is a fresh key.
func (t *Tx) Put(store string, item types.ObjectStoreItem) error {
	prev, err := t.store.Get(store, item.ID)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := t.store.Put(store, item); err != nil {
		return err
	}
	if hadPrev {
		t.inverses = append(t.inverses, InverseOp{Kind: "put", Store: store, Item: prev})
	} else {
		t.inverses = append(t.inverses, InverseOp{Kind: "delete", Store: store, Item: types.ObjectStoreItem{ID: item.ID}})
	}
	return nil
}

// Delete removes key, recording a put of its prior value as the
// inverse. A no-op (and no inverse) if the key did not exist.
func (t *Tx) Delete(store, key string) error {
	prev, err := t.store.Get(store, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.store.Delete(store, key); err != nil {
		return err
	}
	t.inverses = append(t.inverses, InverseOp{Kind: "put", Store: store, Item: prev})
	return nil
}

// Manager coordinates transactions, compensation-log persistence, and
// the fatal-state latch.
type Manager struct {
	store    *storage.Store
	primary  storage.Backend
	fallback storage.Backend
	bus      *eventbus.Bus

	// emergencyMu is the lock satisfying the Open Question resolution
	// recorded in DESIGN.md: Run holds the read side for its duration;
	// the degradation controller takes the write side before flipping
	// the emergency flag, so in-flight transactions always finish
	// before emergency mode becomes observable.
	emergencyMu sync.RWMutex

	fatalMu sync.Mutex
	fatal   *types.FatalState

	memMu  sync.Mutex
	memLog []CompensationEntry
	memCap int
}

// New builds a Manager. primary and fallback are the same backend
// instances wrapped by store, given directly so compensation-log
// persistence can try each tier independently of store's own
// primary/fallback selection for ordinary application data.
func New(store *storage.Store, primary, fallback storage.Backend, bus *eventbus.Bus, memCap int) *Manager {
	if memCap <= 0 {
		memCap = 100
	}
	return &Manager{store: store, primary: primary, fallback: fallback, bus: bus, memCap: memCap}
}

// BeginEmergencyTransition acquires the write side of the
// emergency/in-flight-transaction lock. Called by the degradation
// controller before flipping the emergency flag.
func (m *Manager) BeginEmergencyTransition() { m.emergencyMu.Lock() }

// EndEmergencyTransition releases the write side acquired by
// BeginEmergencyTransition.
func (m *Manager) EndEmergencyTransition() { m.emergencyMu.Unlock() }

// FatalState returns the current latch, or nil if not latched.
func (m *Manager) FatalState() *types.FatalState {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatal
}

// ClearFatalState clears the latch and emits transaction:fatal_cleared.
func (m *Manager) ClearFatalState(reason string) error {
	m.fatalMu.Lock()
	m.fatal = nil
	m.fatalMu.Unlock()
	metrics.FatalLatchActive.Set(0)

	if m.bus == nil {
		return nil
	}
	return m.bus.Publish("transaction:fatal_cleared", map[string]any{
		"reason":    reason,
		"timestamp": time.Now(),
	})
}

func (m *Manager) setFatal(txnID string, compLogCount int) {
	m.fatalMu.Lock()
	m.fatal = &types.FatalState{
		Reason:               "rollback_failed",
		Timestamp:            time.Now(),
		LastTransactionID:    txnID,
		CompensationLogCount: compLogCount,
	}
	m.fatalMu.Unlock()
	metrics.FatalLatchActive.Set(1)
}

// Run executes body at most once. On success it is a no-op beyond the
// operations already applied by body. On failure, every recorded
// inverse is replayed in reverse order; if any inverse itself fails,
// the compensation log is persisted, the fatal latch is set, and a
// partial-commit error is returned.
func (m *Manager) Run(body func(*Tx) error) error {
	m.emergencyMu.RLock()
	defer m.emergencyMu.RUnlock()

	if fatal := m.FatalState(); fatal != nil {
		return ErrFatalLatched
	}

	timer := metrics.NewTimer()
	txnID := uuid.NewString()
	tx := &Tx{store: m.store}

	bodyErr := body(tx)
	timer.ObserveDuration(metrics.TransactionDuration)

	if bodyErr == nil {
		metrics.TransactionsTotal.WithLabelValues("committed").Inc()
		return nil
	}

	var failed []InverseOp
	for i := len(tx.inverses) - 1; i >= 0; i-- {
		if err := m.applyInverse(tx.inverses[i]); err != nil {
			failed = append(failed, tx.inverses[i])
		}
	}

	if len(failed) > 0 {
		entry := CompensationEntry{ID: txnID, Entries: failed, Timestamp: time.Now()}
		m.persistCompensationLog(entry)
		m.setFatal(txnID, len(failed))
		metrics.TransactionsTotal.WithLabelValues("fatal").Inc()
		log.WithComponent("txn").Error().Str("transaction_id", txnID).Int("failed_inverses", len(failed)).Msg("rollback failed; fatal latch set")
		return fmt.Errorf("txn: %w: %v", ErrPartialCommit, bodyErr)
	}

	metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
	return fmt.Errorf("txn: rolled back: %w", bodyErr)
}

func (m *Manager) applyInverse(inv InverseOp) error {
	switch inv.Kind {
	case "put":
		// The recorded item carries the epoch it had before the forward
		// write; a zero epoch makes the restore a blind write so it is
		// not out-ranked by the newer epoch that write stamped.
		item := inv.Item
		item.WriteEpoch = 0
		_, err := m.store.Put(inv.Store, item)
		return err
	case "delete":
		return m.store.Delete(inv.Store, inv.Item.ID)
	default:
		return fmt.Errorf("txn: unknown inverse kind %q", inv.Kind)
	}
}

// persistCompensationLog attempts primary, then fallback, then a
// bounded in-memory FIFO list as a last resort.
func (m *Manager) persistCompensationLog(entry CompensationEntry) {
	raw, err := marshalEntry(entry)
	if err == nil {
		entry.Tier = "primary"
		if _, err := m.primary.Put(compensationLogStore, raw); err == nil {
			metrics.CompensationLogLength.Inc()
			return
		}
		entry.Tier = "fallback"
		if _, err := m.fallback.Put(compensationLogStore, raw); err == nil {
			metrics.CompensationLogLength.Inc()
			return
		}
	}

	entry.Tier = "memory"
	m.memMu.Lock()
	if len(m.memLog) >= m.memCap {
		m.memLog = m.memLog[1:]
	}
	m.memLog = append(m.memLog, entry)
	m.memMu.Unlock()
	metrics.CompensationLogLength.Inc()
}

// CompensationLog returns the union of all three persistence tiers.
func (m *Manager) CompensationLog() ([]CompensationEntry, error) {
	var all []CompensationEntry

	primaryItems, err := m.primary.GetAll(compensationLogStore)
	if err != nil {
		return nil, fmt.Errorf("txn: read primary compensation log: %w", err)
	}
	for _, item := range primaryItems {
		entry, err := unmarshalEntry(item)
		if err != nil {
			continue
		}
		entry.Tier = "primary"
		all = append(all, entry)
	}

	fallbackItems, err := m.fallback.GetAll(compensationLogStore)
	if err != nil {
		return nil, fmt.Errorf("txn: read fallback compensation log: %w", err)
	}
	for _, item := range fallbackItems {
		entry, err := unmarshalEntry(item)
		if err != nil {
			continue
		}
		entry.Tier = "fallback"
		all = append(all, entry)
	}

	m.memMu.Lock()
	all = append(all, m.memLog...)
	m.memMu.Unlock()

	return all, nil
}

// ResolveCompensationEntry marks an entry resolved on whichever tier
// holds it.
func (m *Manager) ResolveCompensationEntry(id string) error {
	for _, backend := range []storage.Backend{m.primary, m.fallback} {
		item, err := backend.Get(compensationLogStore, id)
		if err != nil {
			continue
		}
		entry, err := unmarshalEntry(item)
		if err != nil {
			continue
		}
		entry.Resolved = true
		raw, err := marshalEntry(entry)
		if err != nil {
			return err
		}
		_, err = backend.Put(compensationLogStore, raw)
		return err
	}

	m.memMu.Lock()
	defer m.memMu.Unlock()
	for i := range m.memLog {
		if m.memLog[i].ID == id {
			m.memLog[i].Resolved = true
			return nil
		}
	}
	return nil
}

// CleanupResolved removes resolved entries from every tier. Nothing in
// this module calls it on a schedule; the caller decides when to run it
// to keep the compensation log from growing unbounded.
func (m *Manager) CleanupResolved() {
	for _, backend := range []storage.Backend{m.primary, m.fallback} {
		items, err := backend.GetAll(compensationLogStore)
		if err != nil {
			continue
		}
		for _, item := range items {
			entry, err := unmarshalEntry(item)
			if err != nil || !entry.Resolved {
				continue
			}
			_ = backend.Delete(compensationLogStore, entry.ID)
			metrics.CompensationLogLength.Dec()
		}
	}

	m.memMu.Lock()
	defer m.memMu.Unlock()
	kept := m.memLog[:0]
	for _, entry := range m.memLog {
		if entry.Resolved {
			metrics.CompensationLogLength.Dec()
			continue
		}
		kept = append(kept, entry)
	}
	m.memLog = kept
}
