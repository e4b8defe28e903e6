// Package statemachine defines the user state-machine boundary (spec.md §5:
// "a separate single-threaded executor (\"state-machine context\") owns
// user state-machine state") and a reference key-value implementation.
// Adapted from the teacher's internal/raft/state_machine package (the
// StateMachine interface + KVStateMachine), generalized from the teacher's
// raw proto.LogEntry slice-apply model to the spec's per-command Apply with
// a Context carrying the session/event-publishing hooks the session
// layer needs (spec.md §4.5 "Events").
package statemachine

// Context is passed to Apply for one command, giving the state machine
// access to the entry's index/timestamp/session and a way to publish
// events without depending on the session package directly (avoiding an
// import cycle: session depends on statemachine, not the reverse).
type Context interface {
	Index() uint64
	Timestamp() int64
	Session() uint64
	// Publish emits an event to the invoking session's current connection,
	// tagged with (event_version=Index(), event_sequence) per spec.md
	// §4.5 "Events". event_sequence is assigned by the caller (ascending
	// per call within one Apply).
	Publish(payload []byte)
}

// Result is what Apply hands back to the session layer to cache and return
// to the client (spec.md §4.5 "cache {sequence -> (result, event_future?)}").
type Result struct {
	Payload   []byte
	Tombstone bool
	Err       error
}

// StateMachine is the user-supplied application logic. Apply is invoked in
// strictly ascending index order (spec.md §5 "Ordering guarantees");
// implementations do not need their own synchronization since the session
// layer serializes calls onto the state-machine context.
type StateMachine interface {
	Apply(ctx Context, command []byte) Result
	// Snapshot serializes the entire current state machine state.
	Snapshot() ([]byte, error)
	// Restore replaces the state machine's state with a previously
	// captured snapshot.
	Restore(data []byte) error
}

// TombstoneClassifier is implemented by state machines whose tombstone
// classification (spec.md §3 "is_tombstone") can be determined from the
// command grammar alone, without running Apply. The session layer consults
// this at propose time so the log entry itself carries the right
// compaction eligibility from the moment it's appended, rather than
// discovering it only after commit when it's too late to mark the entry.
type TombstoneClassifier interface {
	IsTombstone(command []byte) bool
}
