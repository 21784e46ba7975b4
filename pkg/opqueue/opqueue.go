// Package opqueue implements rhythm's priority operation queue (C11):
// a single processor loop that pre-checks lock availability (C10),
// runs each operation's body under an acquired lock, and retries
// lock-contention failures without re-sorting (to avoid priority
// inversion for an operation that has already waited longest).
//
// Grounded on cuemby-warren/pkg/scheduler's ticker + mutex-guarded
// cycle shape, repurposed from container scheduling to queued-op
// processing; timing uses pkg/metrics.Timer the same way.
package opqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/lock"
	"github.com/cuemby/rhythm/pkg/log"
	"github.com/cuemby/rhythm/pkg/metrics"
	"github.com/cuemby/rhythm/pkg/types"
)

// Body is the unit of work a queued operation runs once its locks are
// held.
type Body func(ctx context.Context) error

// operation is one queued unit of work.
type operation struct {
	id            string
	name          string
	body          Body
	priority      types.Priority
	lockNames     []string
	seq           uint64
	status        types.OperationStatus
	attempts      int
	preCheckTries int
	resultCh      chan error
}

// Queue is the priority-sorted operation queue with its processor
// loop.
type Queue struct {
	mu      sync.Mutex
	items   []*operation
	nextSeq uint64

	lockMgr *lock.Manager
	bus     *eventbus.Bus
	cfg     config.QueueConfig

	// retrying holds an operation that failed a retryable lock
	// acquisition and must stay at the head on the next cycle without
	// being re-sorted — it has already waited longest, and re-sorting
	// here would let new arrivals invert it.
	retrying *operation

	stopCh  chan struct{}
	started bool
}

// New builds a Queue over the given lock manager.
func New(lockMgr *lock.Manager, bus *eventbus.Bus, cfg config.QueueConfig) *Queue {
	return &Queue{lockMgr: lockMgr, bus: bus, cfg: cfg, stopCh: make(chan struct{})}
}

// Enqueue adds body to the queue under name/priority, acquiring
// lockNames (in order) before running it. It returns a channel that
// receives exactly one value: nil on success, or the terminal error
// (including context.Canceled if cancelled).
func (q *Queue) Enqueue(name string, body Body, priority types.Priority, lockNames []string) <-chan error {
	q.mu.Lock()
	q.nextSeq++
	op := &operation{
		id:        uuid.NewString(),
		name:      name,
		body:      body,
		priority:  priority,
		lockNames: lockNames,
		seq:       q.nextSeq,
		status:    types.StatusPending,
		resultCh:  make(chan error, 1),
	}
	q.items = append(q.items, op)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(q.Len()))
	q.emit("queued", op)
	return op.resultCh
}

// Len reports the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cancel marks a pending operation cancelled and resolves its result
// channel. It is a no-op if the operation is not found or already
// processing/terminal.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.id == id && op.status == types.StatusPending {
			op.status = types.StatusCancelled
			op.resultCh <- context.Canceled
			return true
		}
	}
	return false
}

// CancelAll cancels every pending operation registered under name.
func (q *Queue) CancelAll(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, op := range q.items {
		if op.name == name && op.status == types.StatusPending {
			op.status = types.StatusCancelled
			op.resultCh <- context.Canceled
			n++
		}
	}
	return n
}

func (q *Queue) emit(event string, op *operation) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish("queue:"+event, map[string]any{"operationId": op.id, "name": op.name})
}

// Start launches the processor loop on a background goroutine.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.run()
}

// Stop halts the processor loop.
func (q *Queue) Stop() {
	close(q.stopCh)
}

func (q *Queue) run() {
	interval := q.cfg.ProcessInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.processOnce()
		case <-q.stopCh:
			return
		}
	}
}

// processOnce runs one processor cycle: peek the
// sorted head, skip cancelled entries, pre-check locks, then acquire
// and run.
func (q *Queue) processOnce() {
	var op *operation
	if q.retrying != nil {
		op = q.retrying
	} else {
		op = q.peekHead()
	}
	if op == nil {
		return
	}

	if op.status == types.StatusCancelled {
		q.retrying = nil
		q.shift(op)
		q.emit("cancelled", op)
		metrics.QueueOperationsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	maxPreCheck := q.cfg.MaxPreCheckRetries
	if maxPreCheck <= 0 {
		maxPreCheck = 10
	}
	if result := q.lockMgr.CanAcquireAll(op.lockNames); !result.CanAcquire {
		op.preCheckTries++
		if op.preCheckTries > maxPreCheck {
			q.retrying = nil
			q.fail(op, fail{reason: "pre-check retries exceeded"})
			return
		}
		// Leave at head; re-sorting on the next tick is fine here since
		// this is a pre-check failure, not a retry after an attempted
		// acquisition — new higher-priority arrivals may overtake.
		q.retrying = nil
		if q.cfg.RetryDelay > 0 {
			time.Sleep(q.cfg.RetryDelay)
		}
		return
	}

	q.markProcessing(op)

	timer := metrics.NewTimer()
	tokens, acquireErr := q.acquireAll(op.lockNames)
	if acquireErr != nil {
		timer.ObserveDuration(metrics.QueueProcessDuration)
		op.attempts++
		maxAttempts := q.cfg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		if op.attempts < maxAttempts {
			// Retryable lock-acquisition failure: leave at head, no
			// re-sort, since this operation has already waited longest.
			op.status = types.StatusPending
			q.retrying = op
			return
		}
		q.retrying = nil
		q.fail(op, fail{err: acquireErr})
		return
	}

	bodyErr := op.body(context.Background())
	timer.ObserveDuration(metrics.QueueProcessDuration)
	q.releaseAll(op.lockNames, tokens)
	q.retrying = nil

	if bodyErr != nil {
		op.attempts++
		q.fail(op, fail{err: bodyErr})
		return
	}

	q.shift(op)
	op.resultCh <- nil
	q.emit("completed", op)
	metrics.QueueOperationsTotal.WithLabelValues("completed").Inc()
}

type fail struct {
	err    error
	reason string
}

func (q *Queue) fail(op *operation, f fail) {
	q.shift(op)
	var err error
	switch {
	case f.err != nil:
		err = f.err
	default:
		err = errReason(f.reason)
	}
	op.resultCh <- err
	q.emit("failed", op)
	metrics.QueueOperationsTotal.WithLabelValues("failed").Inc()
	log.WithComponent("opqueue").Warn().Str("operation", op.name).Err(err).Msg("operation failed")
}

func (q *Queue) acquireAll(names []string) ([]string, error) {
	timeout := 2 * time.Second
	tokens := make([]string, 0, len(names))
	for _, name := range names {
		token, err := q.lockMgr.AcquireWithTimeout(name, timeout)
		if err != nil {
			q.releaseAll(names[:len(tokens)], tokens)
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (q *Queue) releaseAll(names []string, tokens []string) {
	for i, token := range tokens {
		q.lockMgr.Release(names[i], token)
	}
}

func (q *Queue) markProcessing(op *operation) {
	q.mu.Lock()
	op.status = types.StatusProcessing
	q.mu.Unlock()
	q.emit("processing", op)
}

// peekHead re-sorts the queue by priority descending (registration
// order preserved within a priority via seq) and returns the first
// non-terminal entry.
func (q *Queue) peekHead() *operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].priority != q.items[j].priority {
			return q.items[i].priority > q.items[j].priority
		}
		return q.items[i].seq < q.items[j].seq
	})
	return q.items[0]
}

func (q *Queue) shift(op *operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == op {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(q.items)))
}

type errReason string

func (e errReason) Error() string { return string(e) }
