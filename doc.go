// Package orderflow implements order fulfillment as a saga over an
// idempotent resource ledger.
//
// A fulfillment saga is a fixed sequence of steps (reserve stock, charge
// payment) coordinated by an Orchestrator. Every transition is persisted to a
// Store before the next step starts, so a crashed process can resume
// unterminated sagas by replaying the durable step log. When a step fails
// permanently, the compensations for all previously-succeeded steps run in
// reverse order. For more on distributed sagas, see this 2017 JOTB talk by
// Caitie McCaffrey: https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Define your steps:
//     - Create execute and compensate functions for each step.
//     - Use `NewStepFunc` to package these functions into a `StepFunc`.
//  2. Declare a plan:
//     - Use `NewPlanBuilder` to append steps in execution order and `Build`
//       the resulting `Plan`. `NewFulfillmentPlan` assembles the standard
//       reserve-then-charge plan from a ledger.Ledger and a payment.Charger.
//  3. Run your sagas:
//     - Create a `Store` implementation. Use `NewMemoryStore` for testing or
//       `NewBoltStore` for durable, restart-safe state.
//     - Create an `Orchestrator` with `NewOrchestrator`, call `Start`, and
//       place orders with `PlaceOrder`. Completion is observed by polling
//       `GetOrder`.
//
// For a documented end-to-end example, refer to the examples/fulfillment
// package.
package orderflow
