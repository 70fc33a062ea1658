// Package payment defines the contract for the external payment collaborator
// and an in-process simulated client for examples and tests. The real charge
// and refund calls are a black box to the orchestrator: a step only observes
// success, decline, or a transient error.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrDeclined is returned when the payment provider rejects the charge. A
// decline is a business outcome, never retried.
var ErrDeclined = errors.New("payment declined")

// Charger is the payment collaborator contract.
//
// Charge MUST be idempotent per order ID: the orchestrator may re-invoke it
// after a crash before the step log confirmed success, and a retried charge
// must return the original payment ID rather than charging twice. Refund
// MUST be idempotent per payment ID on the same terms.
type Charger interface {
	Charge(ctx context.Context, orderID string, amount int64) (string, error)
	Refund(ctx context.Context, paymentID string) error
}

// SimulatedClient is an in-process Charger with idempotent charges, a
// configurable decline rule and transient-failure injection.
type SimulatedClient struct {
	// DeclineAbove rejects charges whose amount exceeds this threshold.
	// Zero means charges are never declined.
	DeclineAbove int64

	charges   *xsync.MapOf[string, string]
	refunds   *xsync.MapOf[string, struct{}]
	attempted atomic.Int64
	executed  atomic.Int64
	failNext  atomic.Int64
}

// NewSimulatedClient creates a simulated payment client that approves every
// charge.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{
		charges: xsync.NewMapOf[string, string](),
		refunds: xsync.NewMapOf[string, struct{}](),
	}
}

// FailNext makes the next n charge attempts fail with a transient gateway
// error.
func (c *SimulatedClient) FailNext(n int64) {
	c.failNext.Store(n)
}

// Charge implements the Charger interface.
func (c *SimulatedClient) Charge(ctx context.Context, orderID string, amount int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.attempted.Add(1)

	// Idempotent retry: the order was already charged.
	if paymentID, ok := c.charges.Load(orderID); ok {
		return paymentID, nil
	}

	if c.failNext.Add(-1) >= 0 {
		return "", fmt.Errorf("payment gateway unavailable")
	}

	if c.DeclineAbove > 0 && amount > c.DeclineAbove {
		return "", fmt.Errorf("%w: amount %d exceeds limit", ErrDeclined, amount)
	}

	paymentID := "pay-" + uuid.NewString()
	actual, loaded := c.charges.LoadOrStore(orderID, paymentID)
	if !loaded {
		c.executed.Add(1)
	}
	return actual, nil
}

// Refund implements the Charger interface. Refunding an already-refunded
// payment is a no-op.
func (c *SimulatedClient) Refund(ctx context.Context, paymentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.refunds.Store(paymentID, struct{}{})
	return nil
}

// Charged reports the payment ID recorded for an order, if any.
func (c *SimulatedClient) Charged(orderID string) (string, bool) {
	return c.charges.Load(orderID)
}

// Refunded reports whether a payment has been refunded.
func (c *SimulatedClient) Refunded(paymentID string) bool {
	_, ok := c.refunds.Load(paymentID)
	return ok
}

// Executed returns how many charges actually went through (idempotent
// replays excluded).
func (c *SimulatedClient) Executed() int64 {
	return c.executed.Load()
}

// Attempted returns how many charge calls were made, including replays and
// injected failures.
func (c *SimulatedClient) Attempted() int64 {
	return c.attempted.Load()
}
