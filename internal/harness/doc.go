// Package harness runs multi-instance scenarios against the real engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: parallel_review
//	description: "Three reviewers, all must finish"
//	specs:
//	  - review.cue
//	variables:
//	  reviewers: [1, 2, 3]
//	steps:
//	  - activate: review
//	    expect: { state: ACTIVATED, pending: [1, 2, 3] }
//	  - complete: { body: review, loop_counter: 2, set: { decision: 20 } }
//	  - terminate: review
//	assertions:
//	  - type: body_state
//	    body: review
//	    state: COMPLETED
//	  - type: variable
//	    name: decisions
//	    value: [10, 20, 30]
//
// Specs are CUE files holding multi_instance definitions, resolved
// relative to the scenario file. Variables seed the root flow scope.
//
// # Steps
//
//   - activate: activates the definition with that element id; "as" names
//     the body when one element is activated more than once
//   - complete: completes a live child, setting variables in its scope
//   - terminate: terminates a body
//   - confirm_termination: confirms a deferred child termination
//   - trigger: delivers a boundary event to a body
//
// The engine is drained after every step. A step's expect clause checks
// the body state and its live loop counters at that point.
//
// # Assertion Types
//
//   - trace_contains: a record of kind (optionally of one body) whose
//     payload contains match
//   - trace_order: record kinds appear in this order, not necessarily
//     adjacent
//   - trace_count: exactly count records of kind
//   - body_state: final state of a body
//   - variable: final value of a root scope variable
//   - incident: an incident with code was raised
//
// # Deterministic Testing
//
// Body keys come from a sequence generator, the store is an in-memory
// SQLite database and the clock starts at zero, so the same scenario always
// produces the same trace. RunWithGolden compares it against
// testdata/golden/<name>.golden.
package harness
