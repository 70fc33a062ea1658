package orderflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSagaInstancePendingSteps(t *testing.T) {
	saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepReserveStock, StepChargePayment})

	assert.Equal(t, StatusPending, saga.Status)
	assert.Equal(t, "order-1", saga.CorrelationID)
	require.Len(t, saga.Steps, 2)
	assert.Equal(t, StepReserveStock, saga.Steps[0].Name)
	assert.Equal(t, StepChargePayment, saga.Steps[1].Name)
	for _, rec := range saga.Steps {
		assert.Equal(t, StepPending, rec.Status)
		assert.Zero(t, rec.Attempts)
	}
	assert.False(t, saga.Terminal())
}

func TestApplyStepForwardTransitions(t *testing.T) {
	saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepReserveStock})

	rec, err := saga.applyStep(StepReserveStock, StepStarted)
	require.NoError(t, err)
	assert.Equal(t, StepStarted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.StartedAt.IsZero())

	rec, err = saga.applyStep(StepReserveStock, StepSucceeded)
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, rec.Status)
	assert.False(t, rec.CompletedAt.IsZero())

	rec, err = saga.applyStep(StepReserveStock, StepCompensated)
	require.NoError(t, err)
	assert.Equal(t, StepCompensated, rec.Status)
}

func TestApplyStepRecoveryReinvoke(t *testing.T) {
	saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepChargePayment})

	_, err := saga.applyStep(StepChargePayment, StepStarted)
	require.NoError(t, err)

	// A crash between Started and an outcome leaves the step Started; the
	// re-invocation records Started again and bumps the attempt counter.
	rec, err := saga.applyStep(StepChargePayment, StepStarted)
	require.NoError(t, err)
	assert.Equal(t, StepStarted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestApplyStepIllegalTransitions(t *testing.T) {
	cases := []struct {
		from StepStatus
		to   StepStatus
	}{
		{StepPending, StepSucceeded},
		{StepPending, StepFailed},
		{StepPending, StepCompensated},
		{StepSucceeded, StepStarted},
		{StepSucceeded, StepFailed},
		{StepFailed, StepStarted},
		{StepFailed, StepSucceeded},
		{StepCompensated, StepStarted},
	}

	for _, tc := range cases {
		saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepReserveStock})
		saga.Steps[0].Status = tc.from

		_, err := saga.applyStep(StepReserveStock, tc.to)
		assert.Error(t, err, "%s -> %s must be rejected", tc.from, tc.to)
		assert.Equal(t, tc.from, saga.Steps[0].Status, "a rejected transition must not mutate the record")
	}
}

func TestApplyStepDoubleCompensateIsLegal(t *testing.T) {
	saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepReserveStock})
	saga.Steps[0].Status = StepCompensated

	_, err := saga.applyStep(StepReserveStock, StepCompensated)
	require.NoError(t, err)
}

func TestApplyStepUnknownStep(t *testing.T) {
	saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepReserveStock})

	_, err := saga.applyStep("no_such_step", StepStarted)
	require.Error(t, err)
	assert.Nil(t, saga.Step("no_such_step"))
}

func TestSucceededStepsOrder(t *testing.T) {
	saga := NewSagaInstance("test", "order-1", []StepName{"a", "b", "c"})
	saga.Steps[0].Status = StepSucceeded
	saga.Steps[1].Status = StepFailed
	saga.Steps[2].Status = StepSucceeded

	assert.Equal(t, []StepName{"a", "c"}, saga.SucceededSteps())
}

func TestSagaStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusNeedsAttention.Terminal())

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusCompensating.Terminal())
}

func TestSagaIDJSONRoundTrip(t *testing.T) {
	id := NewSagaID()

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded SagaID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
}

func TestParseSagaID(t *testing.T) {
	id := NewSagaID()

	parsed, err := ParseSagaID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseSagaID("not-a-uuid")
	require.Error(t, err)
}

func TestSagaInstanceJSONRoundTrip(t *testing.T) {
	saga := NewSagaInstance("order_fulfillment", "order-1", []StepName{StepReserveStock, StepChargePayment})
	_, err := saga.applyStep(StepReserveStock, StepStarted)
	require.NoError(t, err)
	rec, err := saga.applyStep(StepReserveStock, StepSucceeded)
	require.NoError(t, err)
	rec.Payload = json.RawMessage(`{"product_id":"PROD-001","quantity":3}`)
	saga.Status = StatusInProgress

	data, err := json.Marshal(saga)
	require.NoError(t, err)

	var decoded SagaInstance
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, saga.ID, decoded.ID)
	assert.Equal(t, StatusInProgress, decoded.Status)
	require.Len(t, decoded.Steps, 2)
	assert.Equal(t, StepSucceeded, decoded.Steps[0].Status)
	assert.JSONEq(t, string(rec.Payload), string(decoded.Steps[0].Payload))
	assert.Equal(t, 1, decoded.Steps[0].Attempts)
}
