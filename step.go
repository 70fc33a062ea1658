package orderflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StepName represents a unique name for a saga Step.
type StepName string

// String returns the string representation of the StepName.
func (s StepName) String() string {
	return string(s)
}

// Step represents the building blocks of fulfillment sagas.
//
// Execute performs the forward operation and returns a payload snapshot that
// is recorded in the durable step log. Compensate semantically undoes a
// previously successful Execute. Both MUST be idempotent: the orchestrator
// re-invokes a step after a crash whenever the log shows it Started without a
// confirmed outcome, and re-invokes compensations on the same terms.
type Step interface {
	Execute(ctx context.Context, sg *SagaContext) (json.RawMessage, error)
	Compensate(ctx context.Context, sg *SagaContext) error
	Name() StepName
}

// SagaContext provides context to individual steps: the saga being advanced,
// the order it fulfills, and the recorded outputs of prior steps.
type SagaContext struct {
	Saga  *SagaInstance
	Order *Order
}

// Output retrieves the recorded payload of a previously-succeeded step by
// name. Returns the payload and true if found, or nil and false otherwise.
func (sg *SagaContext) Output(name StepName) (json.RawMessage, bool) {
	if sg.Saga == nil {
		return nil, false
	}
	rec := sg.Saga.Step(name)
	if rec == nil || len(rec.Payload) == 0 {
		return nil, false
	}
	return rec.Payload, true
}

// OutputTyped retrieves and unmarshals the recorded payload of a
// previously-succeeded step.
func (sg *SagaContext) OutputTyped(name StepName, result any) error {
	payload, ok := sg.Output(name)
	if !ok {
		return fmt.Errorf("no output recorded for step %q", name)
	}
	return json.Unmarshal(payload, result)
}

// ExecuteFunc is the function form of a step's forward operation.
type ExecuteFunc func(ctx context.Context, sg *SagaContext) (json.RawMessage, error)

// CompensateFunc is the function form of a step's compensating operation.
type CompensateFunc func(ctx context.Context, sg *SagaContext) error

// StepFunc is an implementation of Step that uses ordinary functions.
type StepFunc struct {
	name       StepName
	execute    ExecuteFunc
	compensate CompensateFunc
}

// NewStepFunc constructs a new StepFunc from a pair of functions.
func NewStepFunc(name StepName, execute ExecuteFunc, compensate CompensateFunc) *StepFunc {
	return &StepFunc{
		name:       name,
		execute:    execute,
		compensate: compensate,
	}
}

// NoOpCompensate is a CompensateFunc for steps with nothing to undo.
func NoOpCompensate(_ context.Context, _ *SagaContext) error {
	return nil
}

// NewStepFuncWithNoOpCompensate constructs a StepFunc whose compensation is a
// no-op.
func NewStepFuncWithNoOpCompensate(name StepName, execute ExecuteFunc) *StepFunc {
	return NewStepFunc(name, execute, NoOpCompensate)
}

// Execute implements the Step interface for StepFunc.
func (sf *StepFunc) Execute(ctx context.Context, sg *SagaContext) (json.RawMessage, error) {
	payload, err := sf.execute(ctx, sg)
	if err != nil {
		return nil, err
	}

	// Validate that the payload survives the durable log.
	if payload != nil && !json.Valid(payload) {
		return nil, NewStepError(fmt.Errorf("step %s produced an unserializable payload", sf.name))
	}

	return payload, nil
}

// Compensate implements the Step interface for StepFunc.
func (sf *StepFunc) Compensate(ctx context.Context, sg *SagaContext) error {
	return sf.compensate(ctx, sg)
}

// Name implements the Step interface for StepFunc.
func (sf *StepFunc) Name() StepName {
	return sf.name
}

// String implements the fmt.Stringer interface for StepFunc.
func (sf *StepFunc) String() string {
	return fmt.Sprintf("StepFunc[%s]", sf.name)
}

// StepRegistry is a registry of saga steps that can be used across multiple
// plans.
//
// Steps are identified by their StepName. When a saga is reloaded from
// persistent storage, the concrete type of each Step is erased and the only
// mechanism we have to recover it is a StepName. We therefore have all users
// register their steps so sagas can be dynamically constructed and restored.
type StepRegistry struct {
	steps *xsync.MapOf[StepName, Step]
}

// NewStepRegistry creates a new StepRegistry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{
		steps: xsync.NewMapOf[StepName, Step](),
	}
}

// Register adds a step to the registry.
func (r *StepRegistry) Register(step Step) error {
	if _, ok := r.steps.Load(step.Name()); ok {
		return fmt.Errorf("step with name '%s' already registered", step.Name())
	}
	r.steps.Store(step.Name(), step)
	return nil
}

// Get retrieves a step from the registry by its name.
func (r *StepRegistry) Get(name StepName) (Step, error) {
	step, ok := r.steps.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, name)
	}
	return step, nil
}
