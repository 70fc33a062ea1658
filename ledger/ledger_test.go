package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLedger is the surface shared by both implementations, including the
// seeding helper.
type testLedger interface {
	Ledger
	SetStock(ctx context.Context, productID string, quantity int) error
}

func ledgerImpls(t *testing.T) map[string]testLedger {
	t.Helper()

	boltLedger, err := NewBoltLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltLedger.Close() })

	return map[string]testLedger{
		"memory": NewMemoryLedger(),
		"bolt":   boltLedger,
	}
}

func TestReserveDecrementsExactlyOnce(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 100))

			require.NoError(t, lg.Reserve(ctx, "order-1", "PROD-001", 10))

			// Retries with the same order ID must not re-decrement.
			require.NoError(t, lg.Reserve(ctx, "order-1", "PROD-001", 10))
			require.NoError(t, lg.Reserve(ctx, "order-1", "PROD-001", 10))

			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 90, qty)
		})
	}
}

func TestReserveUnknownProduct(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			err := lg.Reserve(ctx, "order-1", "NOPE", 1)
			require.ErrorIs(t, err, ErrNotFound)

			_, err = lg.GetStock(ctx, "NOPE")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReserveInsufficientStock(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 5))

			err := lg.Reserve(ctx, "order-1", "PROD-001", 10)
			require.ErrorIs(t, err, ErrInsufficientStock)

			// A rejected reservation never mutates the counter.
			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 5, qty)

			// And leaves no reservation behind: a later retry that fits
			// must behave as a first attempt.
			require.NoError(t, lg.Reserve(ctx, "order-1", "PROD-001", 5))
			qty, err = lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 0, qty)
		})
	}
}

func TestReleaseRestoresAndIsIdempotent(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 100))
			require.NoError(t, lg.Reserve(ctx, "order-1", "PROD-001", 30))

			require.NoError(t, lg.Release(ctx, "order-1", "PROD-001", 30))
			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 100, qty)

			// Second release is a no-op, not an error.
			require.NoError(t, lg.Release(ctx, "order-1", "PROD-001", 30))
			qty, err = lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 100, qty)
		})
	}
}

func TestReleaseWithoutReservationIsNoOp(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 100))

			require.NoError(t, lg.Release(ctx, "never-reserved", "PROD-001", 10))

			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 100, qty)
		})
	}
}

func TestReleaseUsesRecordedProduct(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-A", 10))
			require.NoError(t, lg.SetStock(ctx, "PROD-B", 10))
			require.NoError(t, lg.Reserve(ctx, "order-1", "PROD-A", 4))

			// A sloppy caller naming the wrong product still restores the
			// row the reservation record points at.
			require.NoError(t, lg.Release(ctx, "order-1", "PROD-B", 4))

			qty, err := lg.GetStock(ctx, "PROD-A")
			require.NoError(t, err)
			assert.Equal(t, 10, qty)

			qty, err = lg.GetStock(ctx, "PROD-B")
			require.NoError(t, err)
			assert.Equal(t, 10, qty)
		})
	}
}

func TestConcurrentReservesWithinStock(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 100))

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					orderID := "order-" + string(rune('a'+n))
					assert.NoError(t, lg.Reserve(ctx, orderID, "PROD-001", 5))
				}(i)
			}
			wg.Wait()

			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 0, qty)
		})
	}
}

func TestConcurrentReservesOversubscribed(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 50))

			var succeeded atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					orderID := "order-" + string(rune('a'+n))
					err := lg.Reserve(ctx, orderID, "PROD-001", 5)
					if err == nil {
						succeeded.Add(1)
						return
					}
					assert.ErrorIs(t, err, ErrInsufficientStock)
				}(i)
			}
			wg.Wait()

			// Exactly the reservations that fit succeed; which ones is
			// unspecified, but the counter never goes negative.
			assert.Equal(t, int32(10), succeeded.Load())
			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 0, qty)
		})
	}
}

func TestConcurrentRetriesSameOrder(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 100))

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, lg.Reserve(ctx, "order-1", "PROD-001", 10))
				}()
			}
			wg.Wait()

			qty, err := lg.GetStock(ctx, "PROD-001")
			require.NoError(t, err)
			assert.Equal(t, 90, qty)
		})
	}
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	ctx := context.Background()

	for name, lg := range ledgerImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, lg.SetStock(ctx, "PROD-001", 10))

			require.Error(t, lg.Reserve(ctx, "order-1", "PROD-001", 0))
			require.Error(t, lg.Reserve(ctx, "order-1", "PROD-001", -3))
		})
	}
}

func TestMemoryLedgerProducts(t *testing.T) {
	ctx := context.Background()
	lg := NewMemoryLedger()

	require.NoError(t, lg.SetStock(ctx, "b-prod", 1))
	require.NoError(t, lg.SetStock(ctx, "a-prod", 2))

	assert.Equal(t, []string{"a-prod", "b-prod"}, lg.Products(ctx))
}
