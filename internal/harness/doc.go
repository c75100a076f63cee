// Package harness runs multi-device sync scenarios against real engines.
//
// A scenario wires one or more devices (each a SQLite store, identity
// resolver, sync engine and attachment manager) to a shared in-memory
// remote, then executes steps and checks assertions against the final
// local and remote state.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: e1_status_conflict
//	description: "A later local edit beats an earlier remote edit"
//	devices: [a, b]
//	start: 100
//	steps:
//	  - device: a
//	    scan: ABC123
//	  - device: a
//	    set: {token: ABC123, fields: {status: in-stock}}
//	  - remote_write: {token: ABC123, at: 200, origin: dev-b, fields: {status: in-repair}}
//	  - advance: 200
//	  - device: a
//	    sync: true
//	assertions:
//	  - type: entity
//	    device: a
//	    token: ABC123
//	    expect: {state: clean, version: 2, fields: {status: checked-out}}
//
// Each step performs exactly one operation:
//
//   - scan: resolve a raw token on the device
//   - set / delete / retry: local writes through the engine
//   - attach / upload / cancel: attachment operations
//   - sync / pull: one push pass, or apply all remote changes after the cursor
//   - remote_write: another writer changes the remote document directly
//   - advance: move device wall clocks forward (all devices unless device is set)
//   - offline: take the remote and media store offline or back online
//
// # Assertion Types
//
//   - entity: local entity state, version, pending flag and field values
//   - remote: remote document version, deletion and field values
//   - attachment: attachment state and reason in a slot
//   - trace_contains / trace_count: operations recorded in the step trace
//
// # Deterministic Testing
//
// Device clocks are testutil.DeterministicClock instances and IDs are
// derived from tokens, so a scenario produces the same trace and final
// state on every run. RunWithGolden compares that snapshot with
// testdata/golden/<name>.golden.
package harness
