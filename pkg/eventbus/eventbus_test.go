package eventbus

import (
	"errors"
	"testing"

	"github.com/cuemby/rhythm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrdersByPriorityThenRegistration(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe("x", types.PriorityNormal, func(any, Meta) { order = append(order, "normal-1") })
	b.Subscribe("x", types.PriorityLow, func(any, Meta) { order = append(order, "low") })
	b.Subscribe("x", types.PriorityCritical, func(any, Meta) { order = append(order, "critical") })
	b.Subscribe("x", types.PriorityNormal, func(any, Meta) { order = append(order, "normal-2") })

	require.NoError(t, b.Publish("x", nil))
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, order)
}

func TestWildcardFiresAfterNamedHandlers(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe("x", types.PriorityCritical, func(any, Meta) { order = append(order, "named") })
	b.Subscribe("*", types.PriorityCritical, func(_ any, m Meta) {
		order = append(order, "wildcard:"+m.Type)
	})

	require.NoError(t, b.Publish("x", nil))
	assert.Equal(t, []string{"named", "wildcard:x"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe("x", types.PriorityNormal, func(any, Meta) { calls++ })
	require.NoError(t, b.Publish("x", nil))
	b.Unsubscribe(sub)
	require.NoError(t, b.Publish("x", nil))
	assert.Equal(t, 1, calls)
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	b := New()
	ran := false
	b.Subscribe("x", types.PriorityCritical, func(any, Meta) { panic("boom") })
	b.Subscribe("x", types.PriorityNormal, func(any, Meta) { ran = true })

	require.NoError(t, b.Publish("x", nil))
	assert.True(t, ran)
}

func TestSchemaValidationRejectsBadPayload(t *testing.T) {
	b := New()
	b.RegisterSchema("typed", JSONSchema(&struct {
		Count int `json:"count"`
	}{}))

	err := b.Publish("typed", map[string]any{"count": "not-a-number"})
	assert.Error(t, err)
}

func TestUnknownEventsSkipValidation(t *testing.T) {
	b := New()
	assert.NoError(t, b.Publish("untyped", "anything"))
}

func TestSchemaValidationAllowsGoodPayload(t *testing.T) {
	b := New()
	b.RegisterSchema("typed", JSONSchema(&struct {
		Count int `json:"count"`
	}{}))
	assert.NoError(t, b.Publish("typed", map[string]any{"count": 3}))
}

func TestHealthCheckReportsOK(t *testing.T) {
	b := New()
	assert.Equal(t, Health{Status: "ok"}, b.HealthCheck())
}

func TestPublishReturnsValidatorError(t *testing.T) {
	b := New()
	wantErr := errors.New("bad shape")
	b.RegisterSchema("x", func(any) error { return wantErr })
	err := b.Publish("x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}
