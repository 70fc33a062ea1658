package orderflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Orchestrator drives fulfillment sagas through their plan.
//
// A bounded pool of workers drains a queue of saga IDs fed by PlaceOrder and
// by crash recovery. Each saga is advanced by exactly one worker at a time:
// ownership is a per-saga claim taken before any transition, and the durable
// Started record doubles as the soft lock across restarts. Every transition
// is persisted before the next step runs, so the orchestrator never holds
// in-memory-only progress.
type Orchestrator struct {
	cfg   Config
	store Store
	plan  *Plan
	log   *slog.Logger

	claims *xsync.MapOf[string, struct{}]
	queue  chan SagaID

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator over the given plan and store. A
// nil logger defaults to a JSON handler on stdout.
func NewOrchestrator(cfg Config, store Store, plan *Plan, log *slog.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if cfg.Workers <= 0 || cfg.QueueSize <= 0 || cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("workers, queue size and max attempts must be positive")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		plan:   plan,
		log:    log,
		claims: xsync.NewMapOf[string, struct{}](),
		queue:  make(chan SagaID, cfg.QueueSize),
	}, nil
}

// Start launches the worker pool and re-enqueues sagas left unterminated by
// a previous run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(runCtx)
	}
	o.mu.Unlock()

	recovered, err := o.Recover(runCtx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	o.log.Info("orchestrator started", "workers", o.cfg.Workers, "recovered", recovered)
	return nil
}

// Stop cancels the workers and waits for in-flight sagas to reach a persisted
// transition.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// PlaceOrder creates the order projection and its saga, persists both, and
// hands the saga to the worker pool. It returns the order ID immediately;
// completion is observed by polling GetOrder. A failure after persistence is
// never a silent loss: recovery re-enqueues the saga.
func (o *Orchestrator) PlaceOrder(ctx context.Context, userID, productID string, quantity int, amount int64) (string, error) {
	if userID == "" || productID == "" {
		return "", fmt.Errorf("user and product are required")
	}
	if quantity <= 0 {
		return "", fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if amount < 0 {
		return "", fmt.Errorf("amount must be non-negative, got %d", amount)
	}

	now := time.Now().UTC()
	order := &Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProductID: productID,
		Quantity:  quantity,
		Amount:    amount,
		Status:    OrderCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	saga := NewSagaInstance(o.plan.SagaType, order.ID, o.plan.StepOrder())

	if err := o.store.SaveOrder(ctx, order); err != nil {
		return "", fmt.Errorf("failed to persist order: %w", err)
	}
	if err := o.store.SaveSaga(ctx, saga); err != nil {
		return "", fmt.Errorf("failed to persist saga: %w", err)
	}

	select {
	case o.queue <- saga.ID:
	case <-ctx.Done():
		// The saga is already durable; recovery picks it up.
		return "", ctx.Err()
	}

	o.log.Info("order placed", "order", order.ID, "saga", saga.ID.String())
	return order.ID, nil
}

// GetOrder returns the current order projection.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return o.store.LoadOrder(ctx, orderID)
}

// GetSaga returns the durable saga record, mainly for operator tooling.
func (o *Orchestrator) GetSaga(ctx context.Context, id SagaID) (*SagaInstance, error) {
	return o.store.LoadSaga(ctx, id)
}

// Unresolved lists sagas parked in StatusNeedsAttention after a compensation
// failure. These require operator intervention and are never retried
// automatically.
func (o *Orchestrator) Unresolved(ctx context.Context) ([]*SagaInstance, error) {
	return o.store.ListNeedsAttention(ctx)
}

// CancelOrder forces an order that is reserved but not yet paid straight to
// compensation, skipping the remaining forward steps. Orders in any other
// state return ErrInvalidState; cancelling a paid order is a refund flow, a
// separate saga, not a mutation of this one.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) error {
	order, err := o.store.LoadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != OrderReserved {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidState, orderID, order.Status)
	}

	saga, err := o.store.FindSagaByCorrelation(ctx, orderID)
	if err != nil {
		return err
	}

	key := saga.ID.String()
	if _, loaded := o.claims.LoadOrStore(key, struct{}{}); loaded {
		return fmt.Errorf("%w: order %s is being processed", ErrInvalidState, orderID)
	}
	defer o.claims.Delete(key)

	// Re-check under the claim; a worker may have advanced the saga between
	// the first read and the claim.
	saga, err = o.store.LoadSaga(ctx, saga.ID)
	if err != nil {
		return err
	}
	if saga.Terminal() || saga.Status == StatusCompensating {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidState, orderID, order.Status)
	}
	order, err = o.store.LoadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != OrderReserved {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidState, orderID, order.Status)
	}

	o.log.Info("order cancellation requested", "order", orderID, "saga", key)
	o.compensate(ctx, saga, order, OrderCancelled)
	return nil
}

// Recover re-enqueues every saga not in a terminal status, oldest first.
// Safe to call at any time; a saga that is already claimed is skipped by the
// worker that receives it.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	sagas, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery scan failed: %w", err)
	}

	for i, saga := range sagas {
		select {
		case o.queue <- saga.ID:
			o.log.Info("saga recovered", "saga", saga.ID.String(), "status", saga.Status)
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return len(sagas), nil
}

// worker drains saga IDs from the queue.
func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.runSaga(ctx, id)
		}
	}
}

// runSaga claims the saga and advances it from whatever the durable log
// shows.
func (o *Orchestrator) runSaga(ctx context.Context, id SagaID) {
	key := id.String()
	if _, loaded := o.claims.LoadOrStore(key, struct{}{}); loaded {
		// Another worker owns this saga.
		return
	}
	defer o.claims.Delete(key)

	saga, err := o.store.LoadSaga(ctx, id)
	if err != nil {
		o.log.Error("failed to load saga", "saga", key, "error", err)
		return
	}
	if saga.Terminal() {
		return
	}

	order, err := o.store.LoadOrder(ctx, saga.CorrelationID)
	if err != nil {
		o.log.Error("failed to load order for saga", "saga", key, "error", err)
		return
	}

	if saga.Status == StatusCompensating {
		// The previous run crashed mid-unwind; resume compensations.
		o.compensate(ctx, saga, order, OrderFailed)
		return
	}

	o.advance(ctx, saga, order)
}

// advance executes forward steps in plan order. A step marked Succeeded in
// the log is never re-invoked; a step marked Started without a resolution is
// re-invoked, relying on step idempotency.
func (o *Orchestrator) advance(ctx context.Context, saga *SagaInstance, order *Order) {
	saga.Status = StatusInProgress
	saga.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveSaga(ctx, saga); err != nil {
		o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
		return
	}

	sctx := &SagaContext{Saga: saga, Order: order}

	for _, name := range o.plan.StepOrder() {
		rec := saga.Step(name)
		if rec == nil {
			o.log.Error("saga is missing a plan step", "saga", saga.ID.String(), "step", name)
			return
		}
		if rec.Status == StepSucceeded {
			// A crash may have landed between the step's save and the order
			// write; re-derive the projection from the durable payload.
			if !projectionApplied(order, name) {
				if err := o.project(ctx, order, name, rec.Payload); err != nil {
					o.log.Error("failed to project order status", "saga", saga.ID.String(), "error", err)
					return
				}
			}
			continue
		}
		if rec.Status == StepFailed {
			// The failure was persisted but the unwind was not; resume it.
			o.compensate(ctx, saga, order, OrderFailed)
			return
		}

		step, err := o.plan.Step(name)
		if err != nil {
			o.log.Error("step not registered", "saga", saga.ID.String(), "step", name, "error", err)
			return
		}

		if _, err := saga.applyStep(name, StepStarted); err != nil {
			o.log.Error("illegal step transition", "saga", saga.ID.String(), "error", err)
			return
		}
		if err := o.store.SaveSaga(ctx, saga); err != nil {
			o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
			return
		}

		var payload json.RawMessage
		execErr := o.withRetry(ctx, string(name), func(c context.Context) error {
			out, err := step.Execute(c, sctx)
			if err != nil {
				return err
			}
			payload = out
			return nil
		})
		if execErr != nil {
			if ctx.Err() != nil {
				// Shutdown mid-step. Leave the step Started; the next
				// Recover re-invokes it instead of failing a healthy order.
				o.log.Info("saga interrupted, left for recovery", "saga", saga.ID.String(), "step", name)
				return
			}
			failed, err := saga.applyStep(name, StepFailed)
			if err != nil {
				o.log.Error("illegal step transition", "saga", saga.ID.String(), "error", err)
				return
			}
			failed.Error = execErr.Error()
			if err := o.store.SaveSaga(ctx, saga); err != nil {
				o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
				return
			}
			o.log.Warn("saga step failed", "saga", saga.ID.String(), "step", name, "error", execErr)
			o.compensate(ctx, saga, order, OrderFailed)
			return
		}

		succeeded, err := saga.applyStep(name, StepSucceeded)
		if err != nil {
			o.log.Error("illegal step transition", "saga", saga.ID.String(), "error", err)
			return
		}
		succeeded.Payload = payload
		if err := o.store.SaveSaga(ctx, saga); err != nil {
			o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
			return
		}

		if err := o.project(ctx, order, name, payload); err != nil {
			o.log.Error("failed to project order status", "saga", saga.ID.String(), "error", err)
			return
		}
	}

	now := time.Now().UTC()
	saga.Status = StatusCompleted
	saga.UpdatedAt = now
	saga.CompletedAt = now
	if err := o.store.SaveSaga(ctx, saga); err != nil {
		o.log.Error("failed to persist saga completion", "saga", saga.ID.String(), "error", err)
		return
	}
	o.log.Info("saga completed", "saga", saga.ID.String(), "order", order.ID)
}

// compensate unwinds previously-succeeded steps in reverse order, then
// finalizes the saga as Failed and the order with the given status. A
// compensation that fails after retries parks the saga in
// StatusNeedsAttention; it is surfaced through Unresolved and never dropped.
func (o *Orchestrator) compensate(ctx context.Context, saga *SagaInstance, order *Order, final OrderStatus) {
	saga.Status = StatusCompensating
	saga.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveSaga(ctx, saga); err != nil {
		o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
		return
	}

	sctx := &SagaContext{Saga: saga, Order: order}
	succeeded := saga.SucceededSteps()

	for i := len(succeeded) - 1; i >= 0; i-- {
		name := succeeded[i]
		step, err := o.plan.Step(name)
		if err != nil {
			o.log.Error("step not registered", "saga", saga.ID.String(), "step", name, "error", err)
			return
		}

		compErr := o.withRetry(ctx, "compensate "+string(name), func(c context.Context) error {
			return step.Compensate(c, sctx)
		})
		if compErr != nil {
			if ctx.Err() != nil {
				// Shutdown mid-unwind. The saga is persisted Compensating;
				// recovery resumes it rather than parking a healthy order.
				o.log.Info("compensation interrupted, left for recovery", "saga", saga.ID.String(), "step", name)
				return
			}
			saga.Status = StatusNeedsAttention
			saga.UpdatedAt = time.Now().UTC()
			if rec := saga.Step(name); rec != nil {
				rec.Error = CompensationFailed(compErr).Error()
			}
			if err := o.store.SaveSaga(ctx, saga); err != nil {
				o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
				return
			}
			o.log.Error("compensation failed, saga parked for operator",
				"saga", saga.ID.String(), "step", name, "error", compErr)
			return
		}

		if _, err := saga.applyStep(name, StepCompensated); err != nil {
			o.log.Error("illegal step transition", "saga", saga.ID.String(), "error", err)
			return
		}
		if err := o.store.SaveSaga(ctx, saga); err != nil {
			o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
			return
		}
	}

	now := time.Now().UTC()

	// Project the terminal order status before sealing the saga: a crash
	// between the two writes leaves the saga Compensating, so recovery redoes
	// this tail instead of stranding the order. An order that is already
	// terminal was projected by an earlier run and keeps its status.
	switch order.Status {
	case OrderFailed, OrderCancelled:
	default:
		order.Status = final
		order.UpdatedAt = now
		if err := o.store.SaveOrder(ctx, order); err != nil {
			o.log.Error("failed to persist order", "order", order.ID, "error", err)
			return
		}
	}

	saga.Status = StatusFailed
	saga.UpdatedAt = now
	saga.CompletedAt = now
	if err := o.store.SaveSaga(ctx, saga); err != nil {
		o.log.Error("failed to persist saga", "saga", saga.ID.String(), "error", err)
		return
	}
	o.log.Info("saga compensated", "saga", saga.ID.String(), "order", order.ID, "order_status", order.Status)
}

// projectionApplied reports whether the order already reflects the named
// step's completion. Steps without a projection count as applied.
func projectionApplied(order *Order, name StepName) bool {
	switch name {
	case StepReserveStock:
		return order.Status != OrderCreated
	case StepChargePayment:
		return order.Status == OrderPaid && order.PaymentID != ""
	}
	return true
}

// project updates the externally visible order status as steps complete.
func (o *Orchestrator) project(ctx context.Context, order *Order, name StepName, payload json.RawMessage) error {
	switch name {
	case StepReserveStock:
		order.Status = OrderReserved
	case StepChargePayment:
		var out ChargeOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return fmt.Errorf("failed to decode charge payload: %w", err)
		}
		order.PaymentID = out.PaymentID
		order.Status = OrderPaid
	default:
		return nil
	}
	order.UpdatedAt = time.Now().UTC()
	return o.store.SaveOrder(ctx, order)
}

// withRetry invokes fn with a per-attempt timeout and exponential backoff.
// Permanent errors short-circuit; a timeout counts as a transient failure.
func (o *Orchestrator) withRetry(ctx context.Context, label string, fn func(context.Context) error) error {
	backoff := o.cfg.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		err := fn(stepCtx)
		cancel()
		if err == nil {
			return nil
		}
		// A dead parent context means shutdown, not a step failure; the
		// caller leaves the saga for recovery.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanent(err) {
			return err
		}

		lastErr = err
		o.log.Warn("attempt failed", "op", label, "attempt", attempt, "error", err)
		if attempt == o.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > o.cfg.BackoffMax {
			backoff = o.cfg.BackoffMax
		}
	}

	return fmt.Errorf("%s exhausted %d attempts: %w", label, o.cfg.MaxAttempts, lastErr)
}
