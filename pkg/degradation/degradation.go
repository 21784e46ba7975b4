// Package degradation implements rhythm's tiered degradation
// controller (C9): it observes the quota manager's tier evaluations
// and the storage backend's connection failures, drives the
// readOnly/emergency mode flags, and dispatches priority-ordered
// cleanup against registered store items.
//
// Grounded on cuemby-warren/pkg/reconciler's mutex-guarded cycle with
// continue-on-error, repurposed from cluster reconciliation to cleanup
// dispatch. The controller runs no ticker or sampling loop of its own:
// it reacts to published tier-change and connection-failed events, and
// callers that poll quota feed it through SyncFromQuota.
package degradation

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/quota"
	"github.com/cuemby/rhythm/pkg/storage"
	"github.com/cuemby/rhythm/pkg/txn"
	"github.com/cuemby/rhythm/pkg/types"
)

// CleanupPriority orders cleanup eligibility; NeverDelete is always
// excluded regardless of the dispatch's minimum priority.
type CleanupPriority int

const (
	NeverDelete CleanupPriority = iota
	Low
	Medium
	High
	Aggressive
)

// CleanupItem is one entry in the cleanup registry: a candidate for
// deletion under quota pressure, keyed by (store, id).
type CleanupItem struct {
	Store        string
	ID           string
	Priority     CleanupPriority
	Category     string // "session" | "chunk" | "stream" | "embedding"
	LastAccessed time.Time
	SizeBytes    int64
	Active       bool // session category: an active session is never cleaned up
}

// categoryPolicy encodes one row of the per-category age-cutoff table.
type categoryPolicy struct {
	normalCutoff   time.Duration
	criticalCutoff time.Duration
	clearEntirely  bool
}

var policies = map[string]categoryPolicy{
	"session":   {normalCutoff: 30 * 24 * time.Hour, criticalCutoff: 7 * 24 * time.Hour},
	"chunk":     {normalCutoff: 90 * 24 * time.Hour, criticalCutoff: 30 * 24 * time.Hour},
	"stream":    {normalCutoff: 30 * 24 * time.Hour, criticalCutoff: 7 * 24 * time.Hour},
	"embedding": {clearEntirely: true},
}

// severity selects which column of the age-cutoff table a dispatch
// uses: "normal" dispatches (Warning/Exceeded) use the looser cutoff,
// "critical" dispatches (Critical/Emergency) use the tighter one.
type severity int

const (
	severityNormal severity = iota
	severityCritical
)

func eligible(item CleanupItem, sev severity, now time.Time) bool {
	if item.Category == "session" && item.Active {
		return false
	}
	policy, ok := policies[item.Category]
	if !ok {
		return true
	}
	if policy.clearEntirely {
		return true
	}
	cutoff := policy.normalCutoff
	if sev == severityCritical {
		cutoff = policy.criticalCutoff
	}
	return now.Sub(item.LastAccessed) > cutoff
}

// Controller is the degradation state machine.
type Controller struct {
	mu       sync.Mutex
	bus      *eventbus.Bus
	store    *storage.Store
	txnMgr   *txn.Manager
	cfg      config.DegradationConfig
	registry map[string][]CleanupItem

	tier      types.QuotaTier
	readOnly  bool
	emergency bool
}

// New builds a Controller and subscribes it to storage:tier_change and
// storage:connection_failed.
func New(bus *eventbus.Bus, store *storage.Store, txnMgr *txn.Manager, cfg config.DegradationConfig) *Controller {
	c := &Controller{
		bus:      bus,
		store:    store,
		txnMgr:   txnMgr,
		cfg:      cfg,
		registry: make(map[string][]CleanupItem),
		tier:     types.TierNormal,
	}
	bus.Subscribe("storage:tier_change", types.PriorityHigh, c.handleTierChange)
	bus.Subscribe("storage:connection_failed", types.PriorityCritical, c.handleConnectionFailed)
	return c
}

// RegisterItem adds or replaces a cleanup candidate in the registry.
func (c *Controller) RegisterItem(item CleanupItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.registry[item.Store]
	for i, existing := range items {
		if existing.ID == item.ID {
			items[i] = item
			return
		}
	}
	c.registry[item.Store] = append(items, item)
}

// UnregisterItem removes a store/id pair from the registry, e.g. once
// the underlying record has been deleted by a normal operation.
func (c *Controller) UnregisterItem(store, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.registry[store]
	for i, existing := range items {
		if existing.ID == id {
			c.registry[store] = append(items[:i], items[i+1:]...)
			return
		}
	}
}

// Tier, ReadOnly, Emergency report current controller state.
func (c *Controller) Tier() types.QuotaTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

func (c *Controller) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

func (c *Controller) Emergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}

// itemsForCleanup returns registered items with priority >= minPriority
// (excluding NeverDelete), sorted by priority descending then
// lastAccessed ascending, so the most aggressively cleanable items are
// freed first, oldest first within a priority.
func (c *Controller) itemsForCleanup(minPriority CleanupPriority) []CleanupItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []CleanupItem
	for _, items := range c.registry {
		for _, item := range items {
			if item.Priority == NeverDelete || item.Priority < minPriority {
				continue
			}
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].LastAccessed.Before(out[j].LastAccessed)
	})
	return out
}

func (c *Controller) tierOrdinal(tier types.QuotaTier) int {
	switch tier {
	case types.TierNormal:
		return 0
	case types.TierWarning:
		return 1
	case types.TierCritical:
		return 2
	case types.TierExceeded:
		return 3
	case types.TierEmergency:
		return 4
	default:
		return 0
	}
}

func (c *Controller) handleTierChange(payload any, _ eventbus.Meta) {
	data, ok := payload.(map[string]any)
	if !ok {
		return
	}
	newTier, _ := data["newTier"].(string)
	c.transition(types.QuotaTier(newTier), "usage_threshold")
}

func (c *Controller) handleConnectionFailed(_ any, _ eventbus.Meta) {
	c.transition(types.TierEmergency, "connection_failed")
}

// transition runs the side effects for entering newTier.
func (c *Controller) transition(newTier types.QuotaTier, reason string) {
	c.mu.Lock()
	oldTier := c.tier
	c.tier = newTier
	c.mu.Unlock()
	metrics.DegradationTier.Set(float64(c.tierOrdinal(newTier)))

	logger := log.WithComponent("degradation")

	switch newTier {
	case types.TierWarning:
		c.emit("ui:toast", map[string]any{"type": "warning", "message": "storage usage is high"})
		c.emit("lru:eviction_policy", map[string]any{"mode": "aggressive", "targetRatio": 0.7})
		c.dispatchCleanup(High, severityNormal)

	case types.TierCritical:
		c.emit("ui:toast", map[string]any{"type": "error", "message": "storage usage is critical", "actions": []string{"free_space"}})
		c.setReadOnly(true)
		c.dispatchCleanup(Aggressive, severityCritical)

	case types.TierExceeded:
		freed := c.dispatchCleanup(Aggressive, severityCritical)
		if freed == 0 {
			logger.Warn().Msg("exceeded-tier cleanup freed nothing; escalating to emergency")
			c.transition(types.TierEmergency, "cleanup_ineffective")
			return
		}

	case types.TierEmergency:
		c.enterEmergency(reason)

	case types.TierNormal:
		if oldTier != types.TierNormal {
			c.exitDegradedModes()
		}
	}
}

func (c *Controller) enterEmergency(reason string) {
	if c.txnMgr != nil {
		c.txnMgr.BeginEmergencyTransition()
		defer c.txnMgr.EndEmergencyTransition()
	}

	c.mu.Lock()
	c.emergency = true
	c.mu.Unlock()
	metrics.EmergencyMode.Set(1)

	c.emit("storage:pause_non_critical", map[string]any{})
	c.emit("storage:session_only_mode", map[string]any{"enabled": true, "reason": reason})
	c.emit("ui:modal", map[string]any{
		"type":    "emergency",
		"message": "storage is full",
		"actions": []string{"clear_old_data", "export_and_clear", "continue_session_only"},
	})
}

func (c *Controller) exitDegradedModes() {
	c.mu.Lock()
	c.readOnly = false
	c.emergency = false
	c.mu.Unlock()
	metrics.ReadOnlyMode.Set(0)
	metrics.EmergencyMode.Set(0)

	c.emit("storage:resume_non_critical", map[string]any{})
	c.emit("storage:read_only_mode", map[string]any{"enabled": false})
	c.emit("lru:eviction_policy", map[string]any{"mode": "normal", "targetRatio": 1.0})
}

func (c *Controller) setReadOnly(enabled bool) {
	c.mu.Lock()
	c.readOnly = enabled
	c.mu.Unlock()
	if enabled {
		metrics.ReadOnlyMode.Set(1)
	} else {
		metrics.ReadOnlyMode.Set(0)
	}
	c.emit("storage:read_only_mode", map[string]any{"enabled": enabled})
}

func (c *Controller) emit(name string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(name, payload); err != nil {
		log.WithComponent("degradation").Error().Err(err).Str("event", name).Msg("failed to publish event")
	}
}

// dispatchCleanup deletes items at or above minPriority, eligible under
// sev's age-cutoff policy, in configured batches, stopping once freed
// bytes exceed CleanupStopRatio of current usage or items run out. It
// returns the total bytes freed.
func (c *Controller) dispatchCleanup(minPriority CleanupPriority, sev severity) int64 {
	items := c.itemsForCleanup(minPriority)
	if len(items) == 0 {
		return 0
	}

	now := time.Now()
	batchSize := c.cfg.CleanupBatchSize
	if batchSize <= 0 {
		batchSize = 25
	}
	stopRatio := c.cfg.CleanupStopRatio
	if stopRatio <= 0 {
		stopRatio = 0.10
	}

	status, _, err := c.store.GetStorageBackend()
	currentUsage := int64(0)
	if err == nil {
		currentUsage = status.TotalBytes
	}
	stopAt := int64(float64(currentUsage) * stopRatio)

	var freed int64
	processed := 0
	for _, item := range items {
		if !eligible(item, sev, now) {
			continue
		}
		if err := c.store.Delete(item.Store, item.ID); err != nil {
			log.WithComponent("degradation").Warn().Str("store", item.Store).Str("id", item.ID).Err(err).Msg("cleanup delete failed")
			continue
		}
		c.UnregisterItem(item.Store, item.ID)
		freed += item.SizeBytes
		processed++

		metrics.CleanupBytesFreed.WithLabelValues(priorityLabel(item.Priority)).Add(float64(item.SizeBytes))

		if processed >= batchSize || (stopAt > 0 && freed > stopAt) {
			break
		}
	}
	return freed
}

func priorityLabel(p CleanupPriority) string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Aggressive:
		return "aggressive"
	default:
		return "never_delete"
	}
}

// SyncFromQuota triggers a quota evaluation; Evaluate's own
// storage:tier_change publish (when the tier actually changes) is what
// drives this controller's transition, via the subscription set up in
// New — this is a convenience for callers on a poll loop rather than a
// separate code path.
func (c *Controller) SyncFromQuota(q *quota.Manager) error {
	_, err := q.Evaluate()
	return err
}
