package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireGrantsImmediatelyWhenFree(t *testing.T) {
	m := New()
	token, err := m.Acquire(context.Background(), "resource")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	result := m.CanAcquire("resource")
	assert.False(t, result.CanAcquire)
	assert.Equal(t, []string{"resource"}, result.BlockedBy)
}

func TestReleaseWithWrongTokenIsNoOp(t *testing.T) {
	m := New()
	token, err := m.Acquire(context.Background(), "resource")
	require.NoError(t, err)

	m.Release("resource", "not-the-token")
	assert.False(t, m.CanAcquire("resource").CanAcquire)

	m.Release("resource", token)
	assert.True(t, m.CanAcquire("resource").CanAcquire)
}

func TestAcquireWithTimeoutExpires(t *testing.T) {
	m := New()
	_, err := m.Acquire(context.Background(), "resource")
	require.NoError(t, err)

	_, err = m.AcquireWithTimeout("resource", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestWaitersGrantedInFIFOOrder(t *testing.T) {
	m := New()
	first, err := m.Acquire(context.Background(), "resource")
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			token, err := m.AcquireWithTimeout("resource", time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			m.Release("resource", token)
		}(i)
		time.Sleep(10 * time.Millisecond) // stagger enqueue order deterministically
	}

	m.Release("resource", first)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestWithLockReleasesAfterBody(t *testing.T) {
	m := New()
	called := false
	err := m.WithLock("resource", time.Second, func() error {
		called = true
		assert.False(t, m.CanAcquire("resource").CanAcquire)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, m.CanAcquire("resource").CanAcquire)
}

func TestCanAcquireAllReportsEveryBlockedName(t *testing.T) {
	m := New()
	_, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "b")
	require.NoError(t, err)

	result := m.CanAcquireAll([]string{"a", "b", "c"})
	assert.False(t, result.CanAcquire)
	assert.ElementsMatch(t, []string{"a", "b"}, result.BlockedBy)
}
