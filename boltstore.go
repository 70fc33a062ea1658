package orderflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
)

const (
	sagaBucket  = "sagas"
	orderBucket = "orders"
)

// BoltStore is a BoltDB-backed Store. All state lives in a single file, so
// saga recovery works across real process restarts without an external
// database. Every mutation happens inside a single bolt Update transaction,
// which commits atomically.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a BoltDB database at the given path and
// ensures the saga and order buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open saga store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{sagaBucket, orderBucket} {
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

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveSaga persists the saga instance as a JSON document keyed by saga ID.
func (s *BoltStore) SaveSaga(ctx context.Context, saga *SagaInstance) error {
	data, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("failed to marshal saga %s: %w", saga.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sagaBucket)).Put([]byte(saga.ID.String()), data)
	})
}

// LoadSaga retrieves a saga instance by ID.
func (s *BoltStore) LoadSaga(ctx context.Context, id SagaID) (*SagaInstance, error) {
	var saga SagaInstance

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(sagaBucket)).Get([]byte(id.String()))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrSagaNotFound, id)
		}
		return json.Unmarshal(v, &saga)
	})
	if err != nil {
		return nil, err
	}

	return &saga, nil
}

// FindSagaByCorrelation scans the saga bucket for the given order ID.
func (s *BoltStore) FindSagaByCorrelation(ctx context.Context, correlationID string) (*SagaInstance, error) {
	var found *SagaInstance

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sagaBucket)).ForEach(func(k, v []byte) error {
			var saga SagaInstance
			if err := json.Unmarshal(v, &saga); err != nil {
				return err
			}
			if saga.CorrelationID == correlationID {
				found = &saga
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: correlation %s", ErrSagaNotFound, correlationID)
	}

	return found, nil
}

// ListUnfinished returns all non-terminal sagas, oldest first.
func (s *BoltStore) ListUnfinished(ctx context.Context) ([]*SagaInstance, error) {
	var out []*SagaInstance

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sagaBucket)).ForEach(func(k, v []byte) error {
			var saga SagaInstance
			if err := json.Unmarshal(v, &saga); err != nil {
				return err
			}
			if !saga.Terminal() {
				out = append(out, &saga)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListNeedsAttention returns parked sagas, oldest first.
func (s *BoltStore) ListNeedsAttention(ctx context.Context) ([]*SagaInstance, error) {
	var out []*SagaInstance

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sagaBucket)).ForEach(func(k, v []byte) error {
			var saga SagaInstance
			if err := json.Unmarshal(v, &saga); err != nil {
				return err
			}
			if saga.Status == StatusNeedsAttention {
				out = append(out, &saga)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveOrder persists the order projection keyed by order ID.
func (s *BoltStore) SaveOrder(ctx context.Context, order *Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(orderBucket)).Put([]byte(order.ID), data)
	})
}

// LoadOrder retrieves an order by ID.
func (s *BoltStore) LoadOrder(ctx context.Context, id string) (*Order, error) {
	var order Order

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(orderBucket)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return json.Unmarshal(v, &order)
	})
	if err != nil {
		return nil, err
	}

	return &order, nil
}
