// Package ledger implements the intent ledger: the escrow state machine that
// accepts intents, releases funds to approved solvers on a successful fill,
// refunds owners on cancellation or expiry and emits an event for every
// transition.
//
// Each state-changing operation holds an exclusive per-intent guard for its
// whole duration. A nested or concurrent call on the same intent fails with
// REENTRANT_CALL instead of waiting. The new status is written with a
// conditional update before any transfer runs, and the previous record is
// restored when the settler rejects the batch, so no partial fill is ever
// observable.
package ledger
