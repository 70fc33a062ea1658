package orderflow

import "time"

// OrderStatus is the externally visible status of an order. It is a
// denormalized projection of the owning saga's progress, updated only by the
// orchestrator as steps complete.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderReserved  OrderStatus = "reserved"
	OrderPaid      OrderStatus = "paid"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is the projection read by external callers while a fulfillment saga
// runs.
type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	ProductID string      `json:"product_id"`
	Quantity  int         `json:"quantity"`

	// Amount is expressed in the smallest currency unit (e.g. cents).
	// Integer arithmetic avoids floating-point rounding issues that matter
	// in financial systems.
	Amount int64 `json:"amount"`

	Status    OrderStatus `json:"status"`
	PaymentID string      `json:"payment_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
