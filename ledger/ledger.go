// Package ledger implements the stock resource ledger: per-product counters
// with atomic reserve/release under an exclusive per-row lock, and an
// orderID-keyed reservation ledger that makes retries idempotent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// ErrNotFound is returned when the requested product does not exist.
var ErrNotFound = errors.New("product not found")

// ErrInsufficientStock is returned when a reservation asks for more than the
// current quantity on hand. The check never mutates the counter.
var ErrInsufficientStock = errors.New("insufficient stock")

// StockItem holds the quantity on hand for one product. Quantity never goes
// negative; all mutations happen under the product's exclusive row lock.
type StockItem struct {
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReservationRecord is the ledger's idempotency record. Its existence for an
// order ID means "reservation already applied — do not reapply"; its absence
// means "not yet reserved or already released".
type ReservationRecord struct {
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is the contract the orchestrator's reserve step depends on.
//
// Reserve decrements stock and records the reservation atomically; retrying
// with the same order ID is a no-op returning success. Release restores
// stock and deletes the reservation; releasing an order that holds no
// reservation is a no-op, not an error, because "never reserved" and
// "already compensated" are indistinguishable and equally safe to treat as
// done.
type Ledger interface {
	Reserve(ctx context.Context, orderID, productID string, quantity int) error
	Release(ctx context.Context, orderID, productID string, quantity int) error
	GetStock(ctx context.Context, productID string) (int, error)
}

// MemoryLedger is an in-memory Ledger for tests and single-process use.
//
// Concurrency discipline: each product has its own row lock held for the
// whole check-then-mutate sequence, so concurrent reservations for the same
// product serialize while different products proceed independently. The
// structural mutex only guards the underlying maps.
type MemoryLedger struct {
	mu           sync.RWMutex
	items        *btree.Map[string, *StockItem]
	reservations map[string]*ReservationRecord

	rowLocks *xsync.MapOf[string, *sync.Mutex]
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		items:        btree.NewMap[string, *StockItem](8),
		reservations: make(map[string]*ReservationRecord),
		rowLocks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// rowLock returns the exclusive lock for one product row.
func (m *MemoryLedger) rowLock(productID string) *sync.Mutex {
	lock, _ := m.rowLocks.LoadOrStore(productID, &sync.Mutex{})
	return lock
}

// SetStock creates or replaces the stock counter for a product. Product
// onboarding is external to fulfillment; this exists for seeding.
func (m *MemoryLedger) SetStock(ctx context.Context, productID string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("quantity must be non-negative, got %d", quantity)
	}

	lock := m.rowLock(productID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Set(productID, &StockItem{
		ProductID: productID,
		Quantity:  quantity,
		UpdatedAt: time.Now().UTC(),
	})
	return nil
}

// Reserve implements the Ledger interface.
func (m *MemoryLedger) Reserve(ctx context.Context, orderID, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	lock := m.rowLock(productID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	_, reserved := m.reservations[orderID]
	item, ok := m.items.Get(productID)
	m.mu.RUnlock()

	if reserved {
		// Idempotent retry: the reservation was already applied.
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, productID)
	}
	if item.Quantity < quantity {
		return fmt.Errorf("%w: product %s has %d, requested %d",
			ErrInsufficientStock, productID, item.Quantity, quantity)
	}

	// Safe under the row lock: every mutator of this item holds it.
	item.Quantity -= quantity
	item.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.reservations[orderID] = &ReservationRecord{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	return nil
}

// Release implements the Ledger interface. The reservation record, not the
// caller-supplied arguments, decides which row is restored and by how much.
func (m *MemoryLedger) Release(ctx context.Context, orderID, productID string, quantity int) error {
	m.mu.RLock()
	res, reserved := m.reservations[orderID]
	m.mu.RUnlock()

	if !reserved {
		// Already released or never reserved; both are done states.
		return nil
	}

	// Lock the row the reservation names, then re-check: a concurrent
	// release for the same order may have won the race.
	lock := m.rowLock(res.ProductID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	res, reserved = m.reservations[orderID]
	m.mu.RUnlock()
	if !reserved {
		return nil
	}

	m.mu.RLock()
	item, ok := m.items.Get(res.ProductID)
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, res.ProductID)
	}

	item.Quantity += res.Quantity
	item.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	delete(m.reservations, orderID)
	m.mu.Unlock()

	return nil
}

// GetStock implements the Ledger interface.
func (m *MemoryLedger) GetStock(ctx context.Context, productID string) (int, error) {
	lock := m.rowLock(productID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items.Get(productID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, productID)
	}
	return item.Quantity, nil
}

// Products returns all product IDs in sorted order.
func (m *MemoryLedger) Products(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, m.items.Len())
	m.items.Scan(func(key string, _ *StockItem) bool {
		out = append(out, key)
		return true
	})
	return out
}
