// Package idempotency implements generic de-duplication of
// externally-retried requests by client-supplied key.
//
// The guard is transport-level and orthogonal to the ledger's own
// reservation idempotency: the ledger de-duplicates one domain operation by
// order ID, the guard de-duplicates arbitrary operations by key. A repeated
// request with the same key and same fingerprint returns the stored response
// without re-executing side effects; the same key with a different
// fingerprint is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// ErrConflict is returned when an idempotency key is reused for a logically
// different request (same key, different fingerprint). Callers surface it as
// a 409-equivalent.
var ErrConflict = errors.New("idempotency key reused with a different fingerprint")

// Record stores the outcome of one guarded operation. Records are created on
// first successful completion and become eligible for garbage collection
// after ExpiresAt.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store persists idempotency records.
type Store interface {
	// Get retrieves the record for a key. A missing key returns (nil, nil).
	Get(ctx context.Context, key string) (*Record, error)

	// Put stores a record, overwriting any previous one for the same key.
	Put(ctx context.Context, rec *Record) error

	// Prune deletes records whose expiry is at or before now and reports
	// how many were removed.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Operation is a guarded unit of work whose successful result is recorded.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Fingerprint hashes a request path and body into the fingerprint stored
// alongside the key.
func Fingerprint(path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Guard de-duplicates operations by key.
type Guard struct {
	store Store
	ttl   time.Duration
	log   *slog.Logger

	keyLocks *xsync.MapOf[string, *sync.Mutex]
}

// NewGuard creates a Guard storing records for ttl. A nil logger defaults to
// a JSON handler on stdout.
func NewGuard(store Store, ttl time.Duration, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Guard{
		store:    store,
		ttl:      ttl,
		log:      log,
		keyLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Execute runs op at most once per key.
//
// No record: op runs and its result is stored. Record with a matching
// fingerprint: the stored response is returned without running op. Record
// with a different fingerprint: ErrConflict. Failed operations are not
// recorded, so the caller's retry executes again.
//
// Calls with the same key serialize on a per-key lock, so concurrent first
// requests still yield exactly one execution.
func (g *Guard) Execute(ctx context.Context, key, fingerprint string, op Operation) (json.RawMessage, error) {
	lock, _ := g.keyLocks.LoadOrStore(key, &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	if rec != nil && time.Now().Before(rec.ExpiresAt) {
		if rec.Fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: key %s", ErrConflict, key)
		}
		g.log.Debug("idempotent replay", "key", key)
		return rec.Response, nil
	}

	response, err := op(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = g.store.Put(ctx, &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record idempotent response: %w", err)
	}

	return response, nil
}

// StartSweeper prunes expired records on the given interval until ctx is
// cancelled. Pruning is a background sweep, never part of the request path.
func (g *Guard) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := g.store.Prune(ctx, time.Now())
				if err != nil {
					g.log.Warn("idempotency sweep failed", "error", err)
					continue
				}
				if n > 0 {
					g.log.Info("idempotency records pruned", "count", n)
				}
			}
		}
	}()
}

// MemoryStore is an in-memory Store for testing or single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records *btree.Map[string, *Record]
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: btree.NewMap[string, *Record](8)}
}

// Get retrieves the record for a key, or (nil, nil) when absent.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records.Get(key)
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Put stores a copy of the record.
func (m *MemoryStore) Put(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records.Set(rec.Key, &cp)
	return nil
}

// Prune deletes expired records.
func (m *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	m.records.Scan(func(key string, rec *Record) bool {
		if !rec.ExpiresAt.After(now) {
			expired = append(expired, key)
		}
		return true
	})
	for _, key := range expired {
		m.records.Delete(key)
	}
	return len(expired), nil
}
