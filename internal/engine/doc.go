// Package engine implements the reconciliation session for one stock
// operation (a shipment receive or a stock count).
//
// ARCHITECTURE:
//
// Session Flow:
// 1. Load fetches the plan, restores group state and merges the saved draft
// 2. Taps (SetQty, Increment, Remove, AddUnplanned) and scans mutate the
//    line registry; every edit starts its group and schedules a draft save
// 3. Diff and Gate are computed on demand from the current lines
// 4. Confirm pushes deltas through the committer, raises floors, completes
//    groups, appends the audit entry and finally saves or clears the draft
//
// Scans enter through a serial pipeline (see package scan) whose handler is
// the Engine itself. Scans keep flowing while a confirmation is in flight;
// a second Confirm is rejected until the first returns.
//
// Confirm never inherits cancellation from its caller once the remote
// commit has started. Leaving the operation cancels fetches but never a
// commit.
package engine
