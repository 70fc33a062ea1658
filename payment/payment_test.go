package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	client := NewSimulatedClient()

	first, err := client.Charge(ctx, "order-1", 100)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	retry, err := client.Charge(ctx, "order-1", 100)
	require.NoError(t, err)
	assert.Equal(t, first, retry)

	assert.Equal(t, int64(1), client.Executed())
	assert.Equal(t, int64(2), client.Attempted())
}

func TestChargeDeclineAboveThreshold(t *testing.T) {
	ctx := context.Background()
	client := NewSimulatedClient()
	client.DeclineAbove = 500

	_, err := client.Charge(ctx, "order-1", 999)
	require.ErrorIs(t, err, ErrDeclined)

	// A decline leaves nothing behind to replay.
	_, charged := client.Charged("order-1")
	assert.False(t, charged)
	assert.Equal(t, int64(0), client.Executed())

	paymentID, err := client.Charge(ctx, "order-2", 500)
	require.NoError(t, err)
	assert.NotEmpty(t, paymentID)
}

func TestFailNextInjectsTransientErrors(t *testing.T) {
	ctx := context.Background()
	client := NewSimulatedClient()
	client.FailNext(2)

	_, err := client.Charge(ctx, "order-1", 100)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrDeclined)

	_, err = client.Charge(ctx, "order-1", 100)
	require.Error(t, err)

	paymentID, err := client.Charge(ctx, "order-1", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, paymentID)
	assert.Equal(t, int64(1), client.Executed())
}

func TestRefundIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := NewSimulatedClient()

	paymentID, err := client.Charge(ctx, "order-1", 100)
	require.NoError(t, err)

	require.NoError(t, client.Refund(ctx, paymentID))
	require.NoError(t, client.Refund(ctx, paymentID))
	assert.True(t, client.Refunded(paymentID))
}

func TestChargeHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewSimulatedClient()
	_, err := client.Charge(ctx, "order-1", 100)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), client.Attempted())
}
