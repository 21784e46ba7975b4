// Package quota implements rhythm's byte accounting and tier state
// tracking (C5): write reservations against a budget and the boundary
// evaluation that drives the degradation controller (C9).
//
// Grounded on cuemby-warren/pkg/health/health.go's Status.Update
// consecutive-counter bookkeeping, repurposed from health-check
// retry/failure counting to quota-tier bookkeeping: Evaluate plays the
// role Update plays there, flipping state only when a threshold is
// crossed rather than on every sample.
package quota

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/types"
)

// Boundaries holds the tier percentage thresholds. Normal is implicit
// (anything below Warning).
type Boundaries struct {
	Warning  float64
	Critical float64
	Exceeded float64
}

// CheckResult is returned by CheckWriteFits.
type CheckResult struct {
	Fits          bool
	Status        types.QuotaTier
	ReservationID string
	Reason        string
}

// Manager tracks used/quota bytes, pending write reservations, and the
// current tier, publishing tier-change events on the bus.
type Manager struct {
	mu     sync.Mutex
	used   int64
	quota  int64
	bounds Boundaries

	reservations     map[string]int64
	connectionFailed bool
	tier             types.QuotaTier

	bus *eventbus.Bus
}

// New creates a Manager with the given total quota and tier boundaries.
func New(bus *eventbus.Bus, quotaBytes int64, bounds Boundaries) *Manager {
	return &Manager{
		quota:        quotaBytes,
		bounds:       bounds,
		reservations: make(map[string]int64),
		tier:         types.TierNormal,
		bus:          bus,
	}
}

// SetUsed updates the used-byte count as reported by the storage
// backend's Stats(). It does not itself evaluate tier transitions;
// callers invoke Evaluate separately, so a boundary is only ever
// crossed inside one explicit call.
func (m *Manager) SetUsed(used int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = used
}

// SetConnectionFailed forces emergency classification on the next
// Evaluate, since a lost storage connection is as urgent as exceeding
// quota outright.
func (m *Manager) SetConnectionFailed(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectionFailed = failed
}

// Status returns a snapshot of current usage without evaluating.
func (m *Manager) Status() types.QuotaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() types.QuotaStatus {
	var pending int64
	for _, amt := range m.reservations {
		pending += amt
	}
	percent := 0.0
	if m.quota > 0 {
		percent = float64(m.used) / float64(m.quota)
	}
	return types.QuotaStatus{
		UsedBytes:           m.used,
		QuotaBytes:          m.quota,
		UsedPercent:         percent,
		Tier:                m.tier,
		PendingReservations: pending,
	}
}

// CheckWriteFits reports whether a write of size bytes fits within the
// remaining budget (quota minus used minus outstanding reservations).
// A fitting check issues and returns a reservation id that debits the
// available budget until ReleaseReservation or an external expiry.
func (m *Manager) CheckWriteFits(size int64) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending int64
	for _, amt := range m.reservations {
		pending += amt
	}
	available := m.quota - m.used - pending
	status := m.statusLocked()

	if size > available {
		return CheckResult{Fits: false, Status: status.Tier, Reason: "insufficient quota"}
	}

	id := uuid.NewString()
	m.reservations[id] = size
	return CheckResult{Fits: true, Status: status.Tier, ReservationID: id}
}

// ReleaseReservation returns a reservation's bytes to the available
// budget without having committed them as used (the caller is
// responsible for calling SetUsed separately once a write actually
// lands).
func (m *Manager) ReleaseReservation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, id)
}

// Evaluate recomputes the tier from current usage and publishes
// storage:tier_change on the bus exactly once per actual transition.
func (m *Manager) Evaluate() (types.QuotaTier, error) {
	m.mu.Lock()
	oldTier := m.tier
	newTier := m.classifyLocked()
	m.tier = newTier
	m.mu.Unlock()

	if newTier == oldTier {
		return newTier, nil
	}
	if m.bus == nil {
		return newTier, nil
	}
	err := m.bus.Publish("storage:tier_change", map[string]any{
		"oldTier": string(oldTier),
		"newTier": string(newTier),
		"reason":  "usage_threshold",
	})
	if err != nil {
		return newTier, fmt.Errorf("quota: publish tier_change: %w", err)
	}
	return newTier, nil
}

func (m *Manager) classifyLocked() types.QuotaTier {
	if m.connectionFailed {
		return types.TierEmergency
	}
	percent := 0.0
	if m.quota > 0 {
		percent = float64(m.used) / float64(m.quota)
	}
	switch {
	case percent > 1.0:
		return types.TierEmergency
	case percent >= m.bounds.Exceeded:
		return types.TierExceeded
	case percent >= m.bounds.Critical:
		return types.TierCritical
	case percent >= m.bounds.Warning:
		return types.TierWarning
	default:
		return types.TierNormal
	}
}
