package opqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/lock"
	"github.com/cuemby/rhythm/pkg/types"
)

func newQueue(t *testing.T) (*Queue, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	lockMgr := lock.New()
	cfg := config.QueueConfig{MaxAttempts: 3, RetryDelay: time.Millisecond, MaxPreCheckRetries: 5, ProcessInterval: 5 * time.Millisecond}
	q := New(lockMgr, bus, cfg)
	q.Start()
	t.Cleanup(q.Stop)
	return q, bus
}

func await(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("timed out waiting for operation result")
		return nil
	}
}

func TestEnqueueRunsBodyAndResolves(t *testing.T) {
	q, _ := newQueue(t)
	ran := false
	ch := q.Enqueue("test", func(ctx context.Context) error {
		ran = true
		return nil
	}, types.PriorityNormal, nil)

	err := await(t, ch, time.Second)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	q, _ := newQueue(t)
	var order []string

	lowCh := q.Enqueue("low", func(ctx context.Context) error {
		order = append(order, "low")
		time.Sleep(5 * time.Millisecond)
		return nil
	}, types.PriorityLow, nil)
	highCh := q.Enqueue("high", func(ctx context.Context) error {
		order = append(order, "high")
		return nil
	}, types.PriorityCritical, nil)

	require.NoError(t, await(t, highCh, time.Second))
	require.NoError(t, await(t, lowCh, time.Second))
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestCancelResolvesWithoutRunning(t *testing.T) {
	q, _ := newQueue(t)
	ran := false
	// Hold the op's lock first so it can't start immediately, giving us
	// a window to cancel it before the processor reaches it.
	blockerCh := q.Enqueue("blocker", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, types.PriorityNormal, []string{"shared"})

	var opID string
	q.mu.Lock()
	if len(q.items) == 1 {
		opID = q.items[0].id
	}
	q.mu.Unlock()
	_ = opID

	targetCh := q.Enqueue("target", func(ctx context.Context) error {
		ran = true
		return nil
	}, types.PriorityNormal, []string{"shared"})

	q.mu.Lock()
	var targetID string
	for _, op := range q.items {
		if op.name == "target" {
			targetID = op.id
		}
	}
	q.mu.Unlock()

	cancelled := q.Cancel(targetID)
	assert.True(t, cancelled)

	require.NoError(t, await(t, blockerCh, time.Second))
	err := await(t, targetCh, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestOperationFailureResolvesWithError(t *testing.T) {
	q, _ := newQueue(t)
	wantErr := errors.New("boom")
	ch := q.Enqueue("failing", func(ctx context.Context) error {
		return wantErr
	}, types.PriorityNormal, nil)

	err := await(t, ch, time.Second)
	require.Error(t, err)
}

func TestLockContentionSerializesOperations(t *testing.T) {
	q, _ := newQueue(t)
	var active int
	var maxActive int

	mk := func() Body {
		return func(ctx context.Context) error {
			active++
			if active > maxActive {
				maxActive = active
			}
			time.Sleep(10 * time.Millisecond)
			active--
			return nil
		}
	}

	ch1 := q.Enqueue("a", mk(), types.PriorityNormal, []string{"shared"})
	ch2 := q.Enqueue("b", mk(), types.PriorityNormal, []string{"shared"})

	require.NoError(t, await(t, ch1, time.Second))
	require.NoError(t, await(t, ch2, time.Second))
	assert.Equal(t, 1, maxActive)
}
