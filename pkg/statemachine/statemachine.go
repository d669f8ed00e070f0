// Package statemachine defines the interface the consensus core applies
// committed log entries to, plus a reference in-memory key-value
// implementation.
package statemachine

// StateMachine is the user-supplied application the core replicates
// commands to. Apply is invoked exactly once per committed index, always
// in increasing index order; TakeSnapshot/RestoreSnapshot checkpoint and
// restore the machine's entire state as an opaque file.
type StateMachine interface {
	// Apply applies the command encoded in payload, committed at index.
	// The returned value is handed back to whatever Propose call is
	// waiting on that index, if any (it is not itself persisted).
	Apply(index uint64, payload []byte) (interface{}, error)

	// TakeSnapshot serializes the machine's current state to path,
	// synchronously and completely, for the snapshot store to adopt.
	TakeSnapshot(path string) error

	// RestoreSnapshot replaces all current state with what is serialized
	// at path, e.g. after installing a snapshot from the leader.
	RestoreSnapshot(path string) error
}
