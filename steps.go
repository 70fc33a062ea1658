package orderflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortressi/orderflow/ledger"
	"github.com/fortressi/orderflow/payment"
)

// Step names for the standard order fulfillment plan.
const (
	StepReserveStock  StepName = "reserve_stock"
	StepChargePayment StepName = "charge_payment"
)

// SagaTypeOrderFulfillment identifies the standard fulfillment plan.
const SagaTypeOrderFulfillment = "order_fulfillment"

// ReserveOutput is the payload recorded by the reserve step.
type ReserveOutput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ChargeOutput is the payload recorded by the charge step. The payment ID
// must live in the durable log: a refund during recovery has nothing else to
// go on.
type ChargeOutput struct {
	PaymentID string `json:"payment_id"`
}

// NewReserveStockStep builds the forward/compensating pair around the
// ledger. Reserve is idempotent by order ID inside the ledger itself, so
// re-invoking after a crash cannot double-decrement; Release compensates and
// is a no-op when no reservation exists.
func NewReserveStockStep(lg ledger.Ledger) *StepFunc {
	return NewStepFunc(StepReserveStock,
		func(ctx context.Context, sg *SagaContext) (json.RawMessage, error) {
			order := sg.Order
			err := lg.Reserve(ctx, order.ID, order.ProductID, order.Quantity)
			if err != nil {
				if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInsufficientStock) {
					return nil, Permanent(err)
				}
				return nil, NewStepError(err)
			}
			return json.Marshal(ReserveOutput{
				ProductID: order.ProductID,
				Quantity:  order.Quantity,
			})
		},
		func(ctx context.Context, sg *SagaContext) error {
			order := sg.Order
			return lg.Release(ctx, order.ID, order.ProductID, order.Quantity)
		},
	)
}

// NewChargePaymentStep builds the forward/compensating pair around the
// payment collaborator. The charger is required to be idempotent per order
// ID. The compensation refunds using the payment ID recorded in the step
// log; with nothing recorded there was no charge and the refund is a no-op.
func NewChargePaymentStep(charger payment.Charger) *StepFunc {
	return NewStepFunc(StepChargePayment,
		func(ctx context.Context, sg *SagaContext) (json.RawMessage, error) {
			order := sg.Order
			paymentID, err := charger.Charge(ctx, order.ID, order.Amount)
			if err != nil {
				if errors.Is(err, payment.ErrDeclined) {
					return nil, Permanent(err)
				}
				return nil, NewStepError(err)
			}
			return json.Marshal(ChargeOutput{PaymentID: paymentID})
		},
		func(ctx context.Context, sg *SagaContext) error {
			var out ChargeOutput
			if err := sg.OutputTyped(StepChargePayment, &out); err != nil {
				// No recorded charge to undo.
				return nil
			}
			if out.PaymentID == "" {
				return nil
			}
			return charger.Refund(ctx, out.PaymentID)
		},
	)
}

// NewFulfillmentPlan assembles the standard order fulfillment plan:
// reserve stock, then charge payment.
func NewFulfillmentPlan(lg ledger.Ledger, charger payment.Charger) (*Plan, error) {
	registry := NewStepRegistry()
	builder := NewPlanBuilder(SagaTypeOrderFulfillment, registry)

	if err := builder.Append(NewReserveStockStep(lg)); err != nil {
		return nil, fmt.Errorf("failed to append reserve step: %w", err)
	}
	if err := builder.Append(NewChargePaymentStep(charger)); err != nil {
		return nil, fmt.Errorf("failed to append charge step: %w", err)
	}

	return builder.Build()
}
