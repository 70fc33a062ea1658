package orderflow

import (
	"fmt"
	"sort"

	"github.com/fortressi/orderflow/set"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Plan is the declared step sequence for one saga type.
//
// A Plan is a directed acyclic graph of steps: each appended step depends on
// the one appended before it, so the fulfillment plan is a chain. Keeping the
// graph form (rather than a bare slice) lets the execution order be derived
// the same way regardless of how the plan was declared, with deterministic
// tie-breaking.
type Plan struct {
	SagaType string

	graph    *simple.DirectedGraph
	steps    map[int64]StepName
	registry *StepRegistry
	order    []StepName
}

// Step retrieves the executable step for a named plan entry.
func (p *Plan) Step(name StepName) (Step, error) {
	return p.registry.Get(name)
}

// StepOrder returns the step names in execution order.
func (p *Plan) StepOrder() []StepName {
	out := make([]StepName, len(p.order))
	copy(out, p.order)
	return out
}

// PlanBuilder builds a Plan that can be executed as a saga.
type PlanBuilder struct {
	sagaType string
	graph    *simple.DirectedGraph
	steps    map[int64]StepName
	registry *StepRegistry

	// the most-recently-added node (current leaf). Callers use the builder
	// by appending a sequence of steps; each Append creates a dependency
	// from the previous leaf to the new node.
	lastAdded []int64

	stepNames *set.Set[StepName]
}

// NewPlanBuilder creates a new PlanBuilder. Appended steps are
// auto-registered in registry so they can be recovered by name when a
// persisted saga is resumed.
func NewPlanBuilder(sagaType string, registry *StepRegistry) *PlanBuilder {
	return &PlanBuilder{
		sagaType:  sagaType,
		graph:     simple.NewDirectedGraph(),
		steps:     make(map[int64]StepName),
		registry:  registry,
		lastAdded: []int64{},
		stepNames: &set.Set[StepName]{},
	}
}

// Append adds a single step sequentially to the plan. The new step depends on
// the previously appended step.
func (b *PlanBuilder) Append(step Step) error {
	name := step.Name()
	if b.stepNames.Contains(name) {
		return fmt.Errorf("step with name '%s' already exists in plan", name)
	}
	b.stepNames.Insert(name)

	// Auto-register the step if not already registered.
	if _, err := b.registry.Get(name); err != nil {
		if regErr := b.registry.Register(step); regErr != nil {
			return fmt.Errorf("failed to register step %s: %w", name, regErr)
		}
	}

	node := b.graph.NewNode()
	b.graph.AddNode(node)
	b.steps[node.ID()] = name

	for _, prev := range b.lastAdded {
		b.graph.SetEdge(simple.Edge{F: b.graph.Node(prev), T: node})
	}
	b.lastAdded = []int64{node.ID()}

	return nil
}

// Build finalizes the plan and computes its execution order.
func (b *PlanBuilder) Build() (*Plan, error) {
	if b.stepNames.Len() == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	plan := &Plan{
		SagaType: b.sagaType,
		graph:    b.graph,
		steps:    b.steps,
		registry: b.registry,
	}

	order, err := plan.topologicalOrder()
	if err != nil {
		return nil, err
	}
	plan.order = order

	return plan, nil
}

// topologicalOrder returns step names in execution order using proper
// topological sorting.
func (p *Plan) topologicalOrder() ([]StepName, error) {
	// Use gonum's topological sort with stabilized ordering for
	// deterministic results.
	sorted, err := topo.SortStabilized(p.graph, func(nodes []graph.Node) {
		// Sort by node ID for deterministic tie-breaking.
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	order := make([]StepName, 0, len(sorted))
	for _, node := range sorted {
		name, ok := p.steps[node.ID()]
		if !ok {
			return nil, fmt.Errorf("plan node %d has no step", node.ID())
		}
		order = append(order, name)
	}

	return order, nil
}
