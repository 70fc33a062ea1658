package orderflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/orderflow/ledger"
	"github.com/fortressi/orderflow/payment"
)

func noopStep(name StepName) *StepFunc {
	return NewStepFuncWithNoOpCompensate(name,
		func(ctx context.Context, sg *SagaContext) (json.RawMessage, error) {
			return nil, nil
		})
}

func TestPlanBuilderSequentialOrder(t *testing.T) {
	registry := NewStepRegistry()
	builder := NewPlanBuilder("test_flow", registry)

	require.NoError(t, builder.Append(noopStep("first")))
	require.NoError(t, builder.Append(noopStep("second")))
	require.NoError(t, builder.Append(noopStep("third")))

	plan, err := builder.Build()
	require.NoError(t, err)

	assert.Equal(t, "test_flow", plan.SagaType)
	assert.Equal(t, []StepName{"first", "second", "third"}, plan.StepOrder())
}

func TestPlanBuilderRejectsDuplicateNames(t *testing.T) {
	builder := NewPlanBuilder("test_flow", NewStepRegistry())

	require.NoError(t, builder.Append(noopStep("dup")))
	err := builder.Append(noopStep("dup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestPlanBuilderRejectsEmptyPlan(t *testing.T) {
	builder := NewPlanBuilder("test_flow", NewStepRegistry())

	_, err := builder.Build()
	require.Error(t, err)
}

func TestPlanBuilderAutoRegistersSteps(t *testing.T) {
	registry := NewStepRegistry()
	builder := NewPlanBuilder("test_flow", registry)

	step := noopStep("auto")
	require.NoError(t, builder.Append(step))

	got, err := registry.Get("auto")
	require.NoError(t, err)
	assert.Equal(t, step, got)
}

func TestPlanStepLookup(t *testing.T) {
	builder := NewPlanBuilder("test_flow", NewStepRegistry())
	require.NoError(t, builder.Append(noopStep("known")))
	plan, err := builder.Build()
	require.NoError(t, err)

	_, err = plan.Step("known")
	require.NoError(t, err)

	_, err = plan.Step("unknown")
	require.ErrorIs(t, err, ErrStepNotFound)
}

func TestStepOrderReturnsACopy(t *testing.T) {
	builder := NewPlanBuilder("test_flow", NewStepRegistry())
	require.NoError(t, builder.Append(noopStep("only")))
	plan, err := builder.Build()
	require.NoError(t, err)

	order := plan.StepOrder()
	order[0] = "mutated"
	assert.Equal(t, []StepName{"only"}, plan.StepOrder())
}

func TestNewFulfillmentPlan(t *testing.T) {
	plan, err := NewFulfillmentPlan(ledger.NewMemoryLedger(), payment.NewSimulatedClient())
	require.NoError(t, err)

	assert.Equal(t, SagaTypeOrderFulfillment, plan.SagaType)
	assert.Equal(t, []StepName{StepReserveStock, StepChargePayment}, plan.StepOrder())
}

func TestStepRegistryRejectsDuplicates(t *testing.T) {
	registry := NewStepRegistry()
	require.NoError(t, registry.Register(noopStep("once")))
	require.Error(t, registry.Register(noopStep("once")))
}
