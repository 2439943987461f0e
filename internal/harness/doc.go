// Package harness runs end-to-end scenarios against the backup orchestrator,
// the edit-session manager and the edit-folder flow.
//
// Each scenario runs against in-memory primary, backup and edit-folder
// stores, an in-memory SQLite database, a fake clock starting at
// testutil.Epoch and sequential session ids (s-1, s-2, ...), so traces are
// reproducible and can be compared with golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: edit_conflict
//	description: "A primary change during a session is reported as a conflict"
//	objects:
//	  - key: sop/123.xlsx
//	    content: "H1"
//	    age: 1h
//	flow:
//	  - action: acquire
//	    args: { key: sop/123.xlsx, user: alice }
//	    expect:
//	      result: { session: s-1 }
//	  - action: put
//	    args: { key: sop/123.xlsx, content: "H2" }
//	  - action: validate
//	    args: { session: s-1, user: alice }
//	    expect:
//	      result: { conflict: true }
//	assertions:
//	  - type: final_state
//	    table: edit_sessions
//	    where: { id: s-1 }
//	    expect: { status: active }
//
// # Actions
//
//   - put: write an object to the primary store (key, content)
//   - advance: move the clock forward (duration)
//   - backup: run a reconciliation pass (dry_run)
//   - check: run change detection only
//   - acquire, validate, complete, last_editor: edit-session operations
//   - checkout, edit, collect: the edit-folder flow
//   - fail, heal: inject or clear remote failures (target, op, subject, status, times)
//
// A step's outcome is "ok" or the error code it failed with: a session code
// such as LOCK_HELD, or NOT_CONFIGURED, RETRY_EXHAUSTED, REMOTE_ERROR, ERROR.
// Expect clauses match the outcome exactly and the result as a subset.
//
// # Assertion Types
//
//   - trace_contains: a step with the action and matching args ran
//   - trace_order: actions ran in the given order
//   - trace_count: an action ran exactly N times
//   - final_state: one row of a database table matches expected values
//   - log_count: the sync log holds N entries for an operation (and status)
//
// RunDir runs every scenario in a directory; RunWithGolden also compares the
// step trace with testdata/golden/<name>.golden.
package harness
