package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/rhythm/pkg/clock"
	"github.com/cuemby/rhythm/pkg/config"
	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/security"
)

const testKeyHex = "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"

func newTab(t *testing.T, transport Transport, id string) *Coordinator {
	t.Helper()
	signer, err := security.NewSignerFromHex(testKeyHex, 100)
	require.NoError(t, err)
	cfg := config.CoordinatorConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		StaleThreshold:    60 * time.Millisecond,
		ClaimTimeout:      200 * time.Millisecond,
		ReconnectAttempts: 2,
		ReconnectBackoff:  time.Millisecond,
	}
	c := New(transport, clock.New(id), signer, eventbus.New(), cfg, id)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// TestFirstClaimBecomesLeader exercises the real bootstrap path: with
// two freshly-connected tabs and no prior leader, A's claim must be
// granted by B acting as provisional arbiter (no internal state is
// faked here).
func TestFirstClaimBecomesLeader(t *testing.T) {
	bus := eventbus.New()
	a := newTab(t, NewBusTransport(bus, "a"), "a")
	_ = newTab(t, NewBusTransport(bus, "b"), "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := a.ClaimPrimary(ctx)
	require.NoError(t, err)
	require.True(t, result.Granted)
	require.Equal(t, "a", result.LeaderID)
	require.True(t, a.IsLeader())
}

func TestClaimRejectedWhenLeaderExists(t *testing.T) {
	bus := eventbus.New()
	a := newTab(t, NewBusTransport(bus, "a"), "a")
	_ = newTab(t, NewBusTransport(bus, "b"), "b")
	c := newTab(t, NewBusTransport(bus, "c"), "c")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	granted, err := a.ClaimPrimary(ctx)
	cancel()
	require.NoError(t, err)
	require.True(t, granted.Granted)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	result, err := c.ClaimPrimary(ctx2)
	require.NoError(t, err)
	require.False(t, result.Granted)
	require.Equal(t, "leader_exists", result.Reason)
	require.Equal(t, "a", result.LeaderID)
}

// TestClaimGrantedAfterRelease confirms that releasing primary clears
// every tab's view of the leader, re-opening the bootstrap path so a
// different tab can claim next.
func TestClaimGrantedAfterRelease(t *testing.T) {
	bus := eventbus.New()
	a := newTab(t, NewBusTransport(bus, "a"), "a")
	b := newTab(t, NewBusTransport(bus, "b"), "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	granted, err := a.ClaimPrimary(ctx)
	cancel()
	require.NoError(t, err)
	require.True(t, granted.Granted)

	a.ReleasePrimary()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	result, err := b.ClaimPrimary(ctx2)
	require.NoError(t, err)
	require.True(t, result.Granted)
	require.True(t, b.IsLeader())
}

// TestClaimTimesOutWhenAlone covers the one case where no bootstrap
// authority can exist at all: a lone tab with no peers to arbitrate
// its claim has nobody to grant it, so it times out.
func TestClaimTimesOutWhenAlone(t *testing.T) {
	bus := eventbus.New()
	a := newTab(t, NewBusTransport(bus, "a"), "a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := a.ClaimPrimary(ctx)
	require.NoError(t, err)
	require.False(t, result.Granted)
	require.Equal(t, "timeout", result.Reason)
}

func TestStaleTabIsEvicted(t *testing.T) {
	bus := eventbus.New()
	a := newTab(t, NewBusTransport(bus, "a"), "a")
	b := newTab(t, NewBusTransport(bus, "b"), "b")
	_ = b

	require.Eventually(t, func() bool {
		return len(a.Tabs()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Disconnect())

	require.Eventually(t, func() bool {
		return len(a.Tabs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDirectTransportDeliversAcrossHub(t *testing.T) {
	hub := NewDirectHub()
	a := newTab(t, NewDirectTransport(hub, "a"), "a")
	b := newTab(t, NewDirectTransport(hub, "b"), "b")

	require.Eventually(t, func() bool {
		return len(a.Tabs()) == 2 && len(b.Tabs()) == 2
	}, time.Second, 5*time.Millisecond)
}
