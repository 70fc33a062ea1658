package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const (
	stockBucket       = "stock"
	reservationBucket = "reservations"
)

// BoltLedger is a BoltDB-backed Ledger. Bolt admits a single writer at a
// time and commits each Update atomically, which is exactly the discipline
// the ledger requires: an exclusive lock held for the whole check-then-mutate
// sequence, with the stock decrement and the reservation record landing in
// one transaction or not at all.
type BoltLedger struct {
	db *bolt.DB
}

// NewBoltLedger opens (or creates) a BoltDB database at the given path and
// ensures the stock and reservation buckets exist.
func NewBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{stockBucket, reservationBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// Close releases the database file lock.
func (b *BoltLedger) Close() error {
	return b.db.Close()
}

// SetStock creates or replaces the stock counter for a product.
func (b *BoltLedger) SetStock(ctx context.Context, productID string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("quantity must be non-negative, got %d", quantity)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return putStockItem(tx, &StockItem{
			ProductID: productID,
			Quantity:  quantity,
			UpdatedAt: time.Now().UTC(),
		})
	})
}

// Reserve implements the Ledger interface.
func (b *BoltLedger) Reserve(ctx context.Context, orderID, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		// Idempotency check first: a retry that raced a committed first
		// attempt must not decrement twice.
		if tx.Bucket([]byte(reservationBucket)).Get([]byte(orderID)) != nil {
			return nil
		}

		item, err := getStockItem(tx, productID)
		if err != nil {
			return err
		}
		if item.Quantity < quantity {
			return fmt.Errorf("%w: product %s has %d, requested %d",
				ErrInsufficientStock, productID, item.Quantity, quantity)
		}

		item.Quantity -= quantity
		item.UpdatedAt = time.Now().UTC()
		if err := putStockItem(tx, item); err != nil {
			return err
		}

		res := &ReservationRecord{
			OrderID:   orderID,
			ProductID: productID,
			Quantity:  quantity,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}
		return tx.Bucket([]byte(reservationBucket)).Put([]byte(orderID), data)
	})
}

// Release implements the Ledger interface.
func (b *BoltLedger) Release(ctx context.Context, orderID, productID string, quantity int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		resBucket := tx.Bucket([]byte(reservationBucket))
		v := resBucket.Get([]byte(orderID))
		if v == nil {
			// Already released or never reserved; both are done states.
			return nil
		}

		var res ReservationRecord
		if err := json.Unmarshal(v, &res); err != nil {
			return fmt.Errorf("failed to unmarshal reservation: %w", err)
		}

		item, err := getStockItem(tx, res.ProductID)
		if err != nil {
			return err
		}
		item.Quantity += res.Quantity
		item.UpdatedAt = time.Now().UTC()
		if err := putStockItem(tx, item); err != nil {
			return err
		}

		return resBucket.Delete([]byte(orderID))
	})
}

// GetStock implements the Ledger interface.
func (b *BoltLedger) GetStock(ctx context.Context, productID string) (int, error) {
	var quantity int
	err := b.db.View(func(tx *bolt.Tx) error {
		item, err := getStockItem(tx, productID)
		if err != nil {
			return err
		}
		quantity = item.Quantity
		return nil
	})
	if err != nil {
		return 0, err
	}
	return quantity, nil
}

func getStockItem(tx *bolt.Tx, productID string) (*StockItem, error) {
	v := tx.Bucket([]byte(stockBucket)).Get([]byte(productID))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, productID)
	}
	var item StockItem
	if err := json.Unmarshal(v, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stock item: %w", err)
	}
	return &item, nil
}

func putStockItem(tx *bolt.Tx, item *StockItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal stock item: %w", err)
	}
	return tx.Bucket([]byte(stockBucket)).Put([]byte(item.ProductID), data)
}
