// Package harness runs reconciliation scenarios against the simulated
// inventory platform.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: single_group_receive
//	description: "Over-received and unplanned items in one shipment"
//	platform:
//	  options: { enforce_bounds: true }
//	  items:
//	    - { id: A, sku: SKU-A, barcode: "1000001", title: Apple crate }
//	  plans:
//	    - ref: receive:T1
//	      location: DEST
//	      origin: ORIGIN
//	      groups:
//	        - id: S1
//	          items:
//	            - { item: A, planned: 5 }
//	  stock:
//	    - { location: DEST, item: A, qty: 2 }
//	steps:
//	  - { do: load, ref: "receive:T1" }
//	  - { do: set, line: S1/i:A, qty: 6 }
//	  - { do: acknowledge }
//	  - { do: confirm, finalize: true }
//	assertions:
//	  - { type: stock, location: DEST, item: A, qty: 8 }
//
// # Steps
//
//   - load: load the operation named by ref
//   - reload: close the session and load the same operation in a new one
//   - enter: make group the active group
//   - scan: submit code as a keyboard scan and drain the queue
//   - set, increment: change the quantity of line by qty
//   - add: add item from the catalog to group (or the active group)
//   - remove: remove line
//   - note, reason: set the confirmation note or reason
//   - acknowledge: acknowledge warnings
//   - dismiss: dismiss a scan notice and resume the queue
//   - confirm: confirm groups (empty means all open groups), optionally finalize
//   - advance: advance the fake clock by duration
//
// A step with error set expects that error code; any other outcome fails
// the scenario.
//
// # Assertion Types
//
//   - stock: on-hand quantity at location for item
//   - line: actual and committed quantities of a line
//   - group_state: lifecycle state of a group
//   - history_count: number of audit entries for the loaded operation
//   - call_count: number of platform calls with the given op
//
// # Deterministic Testing
//
// Every run uses a fake clock starting at testutil.Epoch, sequential IDs, an
// in-memory key-value store and a fresh simulated platform, so traces are
// byte-identical across runs and can be compared against golden files.
package harness
