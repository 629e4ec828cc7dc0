// Package engine runs multi-instance bodies.
//
// # Single-writer loop
//
// Commands are queued from any goroutine and processed one at a time by
// Run (or Drain in tests and one-shot tools). Each command runs to
// completion before the next: waiting for children is re-entry through
// ChildCompleted and ChildTerminated notifications, never blocking.
//
// Processing a command:
//  1. Resolve the body (child notifications carry only an instance key).
//  2. Skip it if its content-addressed id is already in the command log.
//  3. Call the controller, which returns the next body and effects.
//  4. Apply the effects: activate or terminate children through the
//     activation protocol, write the output collection to the flow scope,
//     schedule fan-out continuations.
//  5. Commit the command, the body snapshot, new child index entries and
//     the trace records in one store transaction.
//
// A failure at any step raises an incident (stored and reported) and
// records nothing, so re-delivering the command retries it.
//
// # Logical clock
//
// Commands, records and incidents are stamped with seq from Clock.Next.
// Wall-clock time is never used for ordering.
package engine
