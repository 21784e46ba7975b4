package quota

import (
	"testing"

	"github.com/cuemby/rhythm/pkg/eventbus"
	"github.com/cuemby/rhythm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultBounds() Boundaries {
	return Boundaries{Warning: 0.75, Critical: 0.90, Exceeded: 0.95}
}

func TestQuotaTierWalk(t *testing.T) {
	bus := eventbus.New()
	var events []map[string]any
	bus.Subscribe("storage:tier_change", types.PriorityNormal, func(p any, _ eventbus.Meta) {
		events = append(events, p.(map[string]any))
	})

	m := New(bus, 100, defaultBounds())
	m.SetUsed(50)
	tier, err := m.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, types.TierNormal, tier)
	assert.Empty(t, events)

	m.SetUsed(80)
	tier, err = m.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, types.TierWarning, tier)
	require.Len(t, events, 1)
	assert.Equal(t, "warning", events[0]["newTier"])

	m.SetUsed(92)
	tier, _ = m.Evaluate()
	assert.Equal(t, types.TierCritical, tier)

	m.SetUsed(101)
	tier, _ = m.Evaluate()
	assert.Equal(t, types.TierEmergency, tier)

	m.SetUsed(60)
	tier, _ = m.Evaluate()
	assert.Equal(t, types.TierNormal, tier)
	require.Len(t, events, 4)
}

func TestEvaluateIsNoOpWithoutTierChange(t *testing.T) {
	bus := eventbus.New()
	calls := 0
	bus.Subscribe("storage:tier_change", types.PriorityNormal, func(any, eventbus.Meta) { calls++ })

	m := New(bus, 100, defaultBounds())
	m.SetUsed(10)
	_, _ = m.Evaluate()
	_, _ = m.Evaluate()
	assert.Equal(t, 1, calls)
}

func TestCheckWriteFitsReservesBytes(t *testing.T) {
	m := New(nil, 100, defaultBounds())
	result := m.CheckWriteFits(40)
	assert.True(t, result.Fits)
	assert.NotEmpty(t, result.ReservationID)

	second := m.CheckWriteFits(70)
	assert.False(t, second.Fits)

	m.ReleaseReservation(result.ReservationID)
	third := m.CheckWriteFits(70)
	assert.True(t, third.Fits)
}

func TestReservationsCountTowardStatus(t *testing.T) {
	m := New(nil, 100, defaultBounds())
	m.CheckWriteFits(20)
	status := m.Status()
	assert.Equal(t, int64(20), status.PendingReservations)
}

func TestConnectionFailureForcesEmergency(t *testing.T) {
	bus := eventbus.New()
	m := New(bus, 100, defaultBounds())
	m.SetUsed(10)
	m.SetConnectionFailed(true)
	tier, err := m.Evaluate()
	require.NoError(t, err)
	assert.Equal(t, types.TierEmergency, tier)
}
