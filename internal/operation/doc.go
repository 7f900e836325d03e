// Package operation implements durable, step-indexed, idempotent
// long-running operations.
//
// # Execution Model
//
// An operation type is a Definition: an ordered list of Steps. The store
// row of an operation carries a cursor naming the next unexecuted step.
// The Manager reads the row, runs the step at the cursor, and persists the
// step's outcome before running the next one:
//
//	[Submit] → CreateOperation (ON CONFLICT DO NOTHING on idempotency key)
//	              ↓
//	         created=true → run steps inline until done or suspended
//	         created=false → attach: wait for the running execution to settle
//	              ↓
//	         read the stored operation and return it
//
// A step returns one of:
//   - Next / Goto: advance the cursor and keep going
//   - Suspend: keep the cursor and stop until Resume is called
//   - Done: store the response, operation is terminal
//   - Fail: categorized errors are terminal, others are retried after a delay
//
// ## Structural Idempotency
//
// There is no separate replay mode. After a crash, Restore resumes every
// not-done operation at its stored cursor through the same code path. A
// crash between a step's own commit and the cursor update re-runs that
// step, so every step re-checks its precondition before acting and treats
// an already-applied mutation as success.
//
// ## Concurrency
//
// At most one goroutine drives a given operation at a time. Resume on an
// operation that is already running marks it for one more pass instead of
// starting a second driver. Requests sharing an idempotency key are
// serialized in-process; across processes the UNIQUE constraint on
// operations.idempotency_key gives the same guarantee.
package operation
