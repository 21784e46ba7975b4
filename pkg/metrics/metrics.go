// Package metrics exposes Prometheus instrumentation for every rhythm
// component plus a small JSON health surface, grounded on
// cuemby-warren/pkg/metrics (Timer/ObserveDuration) and
// cuemby-warren/pkg/metrics/health.go (HealthChecker), renamed into the
// rhythm_* namespace and re-pointed at this domain's components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Event bus (C1)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rhythm_events_published_total", Help: "Events published on the bus, by event name."},
		[]string{"event"},
	)
	EventHandlersInvokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rhythm_event_handlers_invoked_total", Help: "Event handler invocations, by priority."},
		[]string{"priority"},
	)
	EventHandlerPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rhythm_event_handler_panics_total", Help: "Event handlers that panicked during dispatch."},
		[]string{"event"},
	)

	// Message security (C4)
	MessagesSignedTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rhythm_messages_signed_total", Help: "Messages signed."})
	MessagesVerifiedTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rhythm_messages_verified_total", Help: "Message verification outcomes."}, []string{"result"})
	NonceReplaysRejected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "rhythm_nonce_replays_rejected_total", Help: "Messages dropped due to a replayed nonce."})

	// Quota manager (C5)
	QuotaUsedBytes    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_quota_used_bytes", Help: "Bytes currently used."})
	QuotaTotalBytes   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_quota_total_bytes", Help: "Total quota in bytes."})
	QuotaTierGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_quota_tier", Help: "Current quota tier as an ordinal (0=normal .. 4=emergency)."})
	QuotaReservations = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_quota_pending_reservations_bytes", Help: "Bytes currently reserved but not yet committed."})

	// Storage backend (C6)
	StorageOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rhythm_storage_ops_total", Help: "Storage backend operations, by backend and op."},
		[]string{"backend", "op"},
	)
	StorageConnectionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "rhythm_storage_connection_failures_total", Help: "Primary backend connection failures."})
	StorageUsingFallback      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_storage_using_fallback", Help: "1 if the fallback backend is currently active."})

	// Storage transaction (C7)
	TransactionsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rhythm_transactions_total", Help: "Transactions, by outcome."}, []string{"outcome"})
	TransactionDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "rhythm_transaction_duration_seconds", Help: "Transaction body duration."})
	FatalLatchActive      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_fatal_latch_active", Help: "1 if the fatal-state latch is currently set."})
	CompensationLogLength = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_compensation_log_length", Help: "Unresolved compensation log entries."})

	// Degradation controller (C9)
	DegradationTier    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_degradation_tier", Help: "Current degradation tier as an ordinal."})
	ReadOnlyMode       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_read_only_mode", Help: "1 if read-only mode is active."})
	EmergencyMode      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_emergency_mode", Help: "1 if emergency mode is active."})
	CleanupBytesFreed  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rhythm_cleanup_bytes_freed_total", Help: "Bytes freed by cleanup cycles, by priority."}, []string{"priority"})

	// Operation lock (C10)
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "rhythm_lock_wait_duration_seconds", Help: "Time spent waiting to acquire a named lock."},
		[]string{"lock"},
	)
	LockTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rhythm_lock_timeouts_total", Help: "Lock acquisitions that timed out."}, []string{"lock"})

	// Operation queue (C11)
	QueueDepth          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_queue_depth", Help: "Operations currently queued."})
	QueueOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rhythm_queue_operations_total", Help: "Queued operations, by terminal status."}, []string{"status"})
	QueueProcessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "rhythm_queue_process_duration_seconds", Help: "Time spent running a queued operation's body."})

	// Tab coordinator (C12)
	IsLeader          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "rhythm_is_leader", Help: "1 if this tab currently holds leadership."})
	ClaimsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rhythm_claims_total", Help: "Leader claim attempts, by outcome."}, []string{"outcome"})
	HeartbeatsSent    = prometheus.NewCounter(prometheus.CounterOpts{Name: "rhythm_heartbeats_sent_total", Help: "Heartbeats sent by this tab."})
	TabsEvictedTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rhythm_tabs_evicted_total", Help: "Peer tabs evicted for a stale heartbeat."})
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{Name: "rhythm_reconnect_attempts_total", Help: "Transport reconnect attempts."})
)

// AllCollectors is used by the demo binary to register everything with a
// single prometheus.Registerer.
func AllCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		EventsPublishedTotal, EventHandlersInvokedTotal, EventHandlerPanicsTotal,
		MessagesSignedTotal, MessagesVerifiedTotal, NonceReplaysRejected,
		QuotaUsedBytes, QuotaTotalBytes, QuotaTierGauge, QuotaReservations,
		StorageOpsTotal, StorageConnectionFailures, StorageUsingFallback,
		TransactionsTotal, TransactionDuration, FatalLatchActive, CompensationLogLength,
		DegradationTier, ReadOnlyMode, EmergencyMode, CleanupBytesFreed,
		LockWaitDuration, LockTimeoutsTotal,
		QueueDepth, QueueOperationsTotal, QueueProcessDuration,
		IsLeader, ClaimsTotal, HeartbeatsSent, TabsEvictedTotal, ReconnectAttempts,
	}
}

func init() {
	prometheus.MustRegister(AllCollectors()...)
}

// Timer measures an in-flight operation's duration and reports it to a
// histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec reports the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
