package applier

import (
	"fmt"
	"log"
	"time"

	"raftcore/internal/raft"
	"raftcore/internal/raft/state_machine"
)

// DefaultBatchSize is the number of entries read from the log at a time
const DefaultBatchSize = 256

// Applier feeds committed log entries into a state machine, in index order, exactly once each (Section 5.3: "Once
// a follower learns that a log entry is committed, it applies the entry to its local state machine (in log order)").
// Only command entries reach the state machine; config and no-op entries just move LastApplied.
//
// An Applier is not safe for concurrent use.
type Applier[R any] struct {
	id          raft.ServerID
	log         raft.Log
	sm          state_machine.StateMachine[R]
	lastApplied raft.LogIndex
	batchSize   int
	metrics     raft.MetricsCollector
}

// New creates an Applier that starts after lastApplied
func New[R any](id raft.ServerID, l raft.Log, sm state_machine.StateMachine[R], lastApplied raft.LogIndex, metrics raft.MetricsCollector) *Applier[R] {
	if metrics == nil {
		metrics = raft.NopMetrics{}
	}
	return &Applier[R]{
		id:          id,
		log:         l,
		sm:          sm,
		lastApplied: lastApplied,
		batchSize:   DefaultBatchSize,
		metrics:     metrics,
	}
}

// LastApplied returns the index of the last entry handed to the state machine
func (a *Applier[R]) LastApplied() raft.LogIndex {
	return a.lastApplied
}

// Restore loads a state machine snapshot and continues after it
func (a *Applier[R]) Restore(snapshot *state_machine.Snapshot) error {
	if err := a.sm.Restore(snapshot); err != nil {
		return fmt.Errorf("failed to restore snapshot at %d: %w", snapshot.LastApplied, err)
	}
	if snapshot.LastApplied > a.lastApplied {
		a.lastApplied = snapshot.LastApplied
	}
	log.Printf("[APPLIER-%s] Restored snapshot, last applied is now %d", a.id, a.lastApplied)
	return nil
}

// ApplyCommitted applies every entry in (LastApplied, commitIndex]. onResult, if not nil, receives the result of each
// applied command. An error stops at the failing entry, which stays unapplied; the caller must treat it as fatal.
func (a *Applier[R]) ApplyCommitted(commitIndex raft.LogIndex, onResult func(raft.LogIndex, R)) error {
	for a.lastApplied < commitIndex {
		end := commitIndex
		if limit := a.lastApplied + raft.LogIndex(a.batchSize); end > limit {
			end = limit
		}

		entries, _, err := a.log.Entries(a.lastApplied+1, end)
		if err != nil {
			return fmt.Errorf("failed to read committed entries [%d, %d]: %w", a.lastApplied+1, end, err)
		}

		for _, entry := range entries {
			if entry.Data.Type == raft.EntryCommand {
				start := time.Now()
				result, err := a.sm.Apply(entry.Index(), entry.Data.Command)
				if err != nil {
					return fmt.Errorf("failed to apply entry %s: %w", entry.Pos, err)
				}
				a.metrics.RecordApply(time.Since(start))
				if onResult != nil {
					onResult(entry.Index(), result)
				}
			}
			a.lastApplied = entry.Index()
		}
	}
	return nil
}
