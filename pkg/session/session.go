// Package session implements rhythm's session lifecycle (C13): the
// canonical consumer that exercises the storage facade (C6), storage
// transactions (C7), and the operation lock (C10) end to end behind a
// current-record-plus-history API.
//
// Grounded on cuemby-warren/pkg/manager.Manager's pairing of a
// write-through mutating call with a read-from-local-store accessor;
// here every mutation routes through a txn.Manager.Run body and the
// in-memory Record mirrors whatever the transaction just committed.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/lock"
	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/storage"
	"github.com/cuemby/rhythm/pkg/txn"
	"github.com/cuemby/rhythm/pkg/types"
)

const (
	recordStore       = "sessions"
	lockName          = "session"
	emergencyBackupKey = "emergency_backup"
	emergencyStore    = "emergency_backup"
)

// Message is one entry in a Record's ordered history.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Record is the current-record entity: an id, ordered messages, and
// bookkeeping timestamps.
type Record struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// emergencyBackup is the fixed-key payload written on a page-hide
// signal.
type emergencyBackup struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrNoActiveRecord is returned by operations that require an active
// record when none has been created or activated yet.
var ErrNoActiveRecord = errors.New("session: no active record")

// Manager owns the current record, the indexed collection of all
// records, and the debounced-save timer.
type Manager struct {
	store    *storage.Store
	fallback storage.Backend
	txnMgr   *txn.Manager
	lockMgr  *lock.Manager
	cfg      config.SessionConfig

	mu     sync.Mutex
	active *Record
	dirty  bool

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// New builds a session Manager. fallback is given directly (not via
// store) because the emergency backup always targets the fallback KV
// regardless of which backend store is currently active.
func New(store *storage.Store, fallback storage.Backend, txnMgr *txn.Manager, lockMgr *lock.Manager, cfg config.SessionConfig) *Manager {
	return &Manager{store: store, fallback: fallback, txnMgr: txnMgr, lockMgr: lockMgr, cfg: cfg}
}

func (m *Manager) withLock(body func() error) error {
	timeout := 5 * time.Second
	return m.lockMgr.WithLock(lockName, timeout, body)
}

// Create makes a fresh record and activates it.
func (m *Manager) Create() (Record, error) {
	now := time.Now()
	rec := Record{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}

	err := m.withLock(func() error {
		return m.txnMgr.Run(func(tx *txn.Tx) error {
			item, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			err = tx.Put(recordStore, item)
			return err
		})
	})
	if err != nil {
		return Record{}, fmt.Errorf("session: create: %w", err)
	}

	m.mu.Lock()
	m.active = &rec
	m.mu.Unlock()
	return rec, nil
}

// Activate makes the stored record with the given id the active
// record. For an id not found in storage it does not error: it creates
// and activates a fresh record, which gets a newly generated id rather
// than the one asked for.
func (m *Manager) Activate(id string) (Record, error) {
	item, err := m.store.Get(recordStore, id)
	if errors.Is(err, storage.ErrNotFound) {
		return m.Create()
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: activate: %w", err)
	}
	rec, err := decodeRecord(item)
	if err != nil {
		return Record{}, fmt.Errorf("session: activate: %w", err)
	}

	m.mu.Lock()
	m.active = &rec
	m.mu.Unlock()
	return rec, nil
}

// Switch flushes any pending save on the current record, then
// activates the target id.
func (m *Manager) Switch(id string) (Record, error) {
	m.FlushPendingSave()
	return m.Activate(id)
}

// Load reads a record by id without making it active.
func (m *Manager) Load(id string) (Record, error) {
	item, err := m.store.Get(recordStore, id)
	if err != nil {
		return Record{}, fmt.Errorf("session: load: %w", err)
	}
	return decodeRecord(item)
}

// current returns the active record, erroring if none is set.
func (m *Manager) current() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoActiveRecord
	}
	return m.active, nil
}

// Append adds a single message to the active record, committing the
// change through a transaction so a failed persist leaves the
// in-memory view untouched.
func (m *Manager) Append(role, content string) (Message, error) {
	msgs, err := m.AppendBatch([]Message{{Role: role, Content: content}})
	if err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// AppendBatch adds multiple messages atomically.
func (m *Manager) AppendBatch(msgs []Message) ([]Message, error) {
	rec, err := m.current()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	appended := make([]Message, len(msgs))
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		appended[i] = msg
	}

	err = m.withLock(func() error {
		return m.txnMgr.Run(func(tx *txn.Tx) error {
			updated := *rec
			updated.Messages = append(append([]Message{}, rec.Messages...), appended...)
			updated.UpdatedAt = now
			item, err := encodeRecord(updated)
			if err != nil {
				return err
			}
			err = tx.Put(recordStore, item)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("session: append: %w", err)
	}

	m.mu.Lock()
	rec.Messages = append(rec.Messages, appended...)
	rec.UpdatedAt = now
	m.mu.Unlock()

	m.ScheduleSave(m.cfg.SaveDebounce)
	return appended, nil
}

// Truncate keeps the first n messages and drops every message at
// index n or later (0-based).
func (m *Manager) Truncate(n int) error {
	rec, err := m.current()
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}

	err = m.withLock(func() error {
		return m.txnMgr.Run(func(tx *txn.Tx) error {
			updated := *rec
			if n < len(rec.Messages) {
				updated.Messages = append([]Message{}, rec.Messages[:n]...)
			} else {
				updated.Messages = append([]Message{}, rec.Messages...)
			}
			updated.UpdatedAt = time.Now()
			item, err := encodeRecord(updated)
			if err != nil {
				return err
			}
			err = tx.Put(recordStore, item)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("session: truncate: %w", err)
	}

	m.mu.Lock()
	if n < len(rec.Messages) {
		rec.Messages = rec.Messages[:n]
	}
	rec.UpdatedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// RemoveAt removes the message at index i.
func (m *Manager) RemoveAt(i int) error {
	rec, err := m.current()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(rec.Messages) {
		return fmt.Errorf("session: removeAt: index %d out of range", i)
	}

	err = m.withLock(func() error {
		return m.txnMgr.Run(func(tx *txn.Tx) error {
			updated := *rec
			updated.Messages = append(append([]Message{}, rec.Messages[:i]...), rec.Messages[i+1:]...)
			updated.UpdatedAt = time.Now()
			item, err := encodeRecord(updated)
			if err != nil {
				return err
			}
			err = tx.Put(recordStore, item)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("session: removeAt: %w", err)
	}

	m.mu.Lock()
	rec.Messages = append(rec.Messages[:i], rec.Messages[i+1:]...)
	rec.UpdatedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Save persists the active record immediately, bypassing the debounce
// timer. Save failures are logged but do not affect the in-memory
// record.
func (m *Manager) Save() error {
	rec, err := m.current()
	if err != nil {
		return err
	}

	m.mu.Lock()
	snapshot := *rec
	m.mu.Unlock()

	err = m.withLock(func() error {
		return m.txnMgr.Run(func(tx *txn.Tx) error {
			item, err := encodeRecord(snapshot)
			if err != nil {
				return err
			}
			err = tx.Put(recordStore, item)
			return err
		})
	})
	if err != nil {
		log.WithComponent("session").Error().Err(err).Str("record_id", snapshot.ID).Msg("save failed")
		return fmt.Errorf("session: save: %w", err)
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

// ScheduleSave arms (or re-arms) the debounced save timer. Calling it
// again before the delay elapses cancels and reschedules the timer.
func (m *Manager) ScheduleSave(delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}

	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(delay, func() {
		if err := m.Save(); err != nil {
			log.WithComponent("session").Warn().Err(err).Msg("debounced save failed")
		}
	})
}

// FlushPendingSave executes any armed debounced save immediately.
func (m *Manager) FlushPendingSave() {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()

	m.mu.Lock()
	dirty := m.dirty
	m.mu.Unlock()
	if !dirty {
		return
	}
	if err := m.Save(); err != nil {
		log.WithComponent("session").Warn().Err(err).Msg("flush pending save failed")
	}
}

// EmergencyBackupSync serializes the active record to the fallback KV
// under a fixed key, for use on a page-hide signal where there is no
// time for the full transaction path.
func (m *Manager) EmergencyBackupSync() error {
	rec, err := m.current()
	if err != nil {
		return err
	}

	m.mu.Lock()
	backup := emergencyBackup{ID: rec.ID, CreatedAt: rec.CreatedAt, Messages: append([]Message{}, rec.Messages...), Timestamp: time.Now()}
	m.mu.Unlock()

	raw, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("session: emergency backup encode: %w", err)
	}
	_, err = m.fallback.Put(emergencyStore, types.ObjectStoreItem{ID: emergencyBackupKey, Value: raw})
	if err != nil {
		return fmt.Errorf("session: emergency backup sync: %w", err)
	}
	return nil
}

// RecoverEmergencyBackup checks for a backup under the fixed key; if
// present and newer than EmergencyBackupMaxAge, merges its messages
// into the matching persistent record and deletes the backup. A stale
// backup is deleted without merging.
func (m *Manager) RecoverEmergencyBackup() (bool, error) {
	item, err := m.fallback.Get(emergencyStore, emergencyBackupKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: recover emergency backup: %w", err)
	}

	var backup emergencyBackup
	if err := json.Unmarshal(item.Value, &backup); err != nil {
		_ = m.fallback.Delete(emergencyStore, emergencyBackupKey)
		return false, fmt.Errorf("session: decode emergency backup: %w", err)
	}

	maxAge := m.cfg.EmergencyBackupMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if time.Since(backup.Timestamp) > maxAge {
		_ = m.fallback.Delete(emergencyStore, emergencyBackupKey)
		return false, nil
	}

	rec, err := m.Load(backup.ID)
	if errors.Is(err, storage.ErrNotFound) {
		rec = Record{ID: backup.ID, CreatedAt: backup.CreatedAt}
	} else if err != nil {
		return false, fmt.Errorf("session: recover emergency backup: load target: %w", err)
	}

	merged := mergeMessages(rec.Messages, backup.Messages)

	err = m.withLock(func() error {
		return m.txnMgr.Run(func(tx *txn.Tx) error {
			rec.Messages = merged
			rec.UpdatedAt = time.Now()
			encoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			err = tx.Put(recordStore, encoded)
			return err
		})
	})
	if err != nil {
		return false, fmt.Errorf("session: recover emergency backup: merge: %w", err)
	}

	if err := m.fallback.Delete(emergencyStore, emergencyBackupKey); err != nil {
		log.WithComponent("session").Warn().Err(err).Msg("failed to delete emergency backup after merge")
	}

	m.mu.Lock()
	if m.active != nil && m.active.ID == rec.ID {
		m.active.Messages = merged
		m.active.UpdatedAt = rec.UpdatedAt
	}
	m.mu.Unlock()

	return true, nil
}

// mergeMessages appends backup messages not already present by id,
// preserving base's order and appending newcomers in backup order.
func mergeMessages(base, backup []Message) []Message {
	seen := make(map[string]bool, len(base))
	for _, msg := range base {
		seen[msg.ID] = true
	}
	merged := append([]Message{}, base...)
	for _, msg := range backup {
		if !seen[msg.ID] {
			merged = append(merged, msg)
			seen[msg.ID] = true
		}
	}
	return merged
}

// ClearAll deletes every record and clears the active pointer.
func (m *Manager) ClearAll() error {
	err := m.withLock(func() error {
		return m.store.Clear(recordStore)
	})
	if err != nil {
		return fmt.Errorf("session: clear all: %w", err)
	}

	m.mu.Lock()
	m.active = nil
	m.dirty = false
	m.mu.Unlock()
	return nil
}

func encodeRecord(rec Record) (types.ObjectStoreItem, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return types.ObjectStoreItem{}, fmt.Errorf("session: encode record: %w", err)
	}
	return types.ObjectStoreItem{ID: rec.ID, Value: raw}, nil
}

func decodeRecord(item types.ObjectStoreItem) (Record, error) {
	var rec Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode record: %w", err)
	}
	return rec, nil
}
