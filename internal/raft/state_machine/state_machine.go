package state_machine

import (
	"context"

	"raftcore/internal/raft"
)

// StateMachine is an interface representing the StateMachine of the Server defined in Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go)
//
// Apply is only ever called by a single goroutine, in index order, with committed entries. Other methods may run
// concurrently with it.
type StateMachine[R any] interface {
	// Apply applies the command committed at index and returns its result. An error must leave the state machine as
	// it was before the call, otherwise the caller has to treat it as fatal.
	Apply(index raft.LogIndex, data []byte) (R, error)

	// LastFlushed returns the highest index covered by a durable snapshot
	LastFlushed() raft.LogIndex

	// WaitForFlush blocks until a new snapshot might be available. Implementations that never snapshot block until
	// ctx is done.
	WaitForFlush(ctx context.Context) error

	// Snapshot returns the latest snapshot, or false if there is nothing new
	Snapshot() (*Snapshot, bool)

	// Restore loads a snapshot produced by Snapshot. It is called at most once, at startup.
	Restore(snapshot *Snapshot) error
}

// Snapshot is an opaque image of a state machine. Entries up to and including LastApplied never need to be applied
// again after restoring it.
type Snapshot struct {
	LastApplied raft.LogIndex
	Data        []byte
}
