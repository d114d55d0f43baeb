package raft

import (
	"context"
	"time"
)

/*
Notes from Section 5.3 and Section 7

A follower that receives entries conflicting with its own (same index, different term) deletes the existing entry and
all that follow it, then appends the new ones. The Log does that as one step: readers either see the old suffix or the
new one, never a shorter log in between.

Appending is not the same as persisting. Entries become visible to readers on Append and become durable later, when a
flush reaches them. Every append carries a LogSequence so the consensus module can tell which entries are safe to
acknowledge: everything with a sequence <= LastFlushed() is on stable storage.

Section 7: once the state machine has a snapshot up to some position, the entries before it can be discarded. A
discard may point past the end of the log (a follower installing a leader's snapshot), in which case the whole log is
dropped and the next append continues right after the snapshot.
*/

// Log is the durable, ordered append log of entries. Implementations are internally synchronized: one writer calls
// Append and Discard while any number of readers call the other methods.
type Log interface {
	// Term returns the term of the entry at index. It is defined for index in [Prev().Index, LastIndex()]; for
	// Prev().Index it returns the term of the discard boundary. ok is false outside that range.
	Term(index LogIndex) (term Term, ok bool)

	// Prev returns the position immediately preceding the first retained entry
	Prev() LogPosition

	// LastIndex returns the highest index present, which is Prev().Index if the log is empty
	LastIndex() LogIndex

	// Entry returns the entry at index together with the sequence it was appended with.
	// ErrEntryNotFound is returned if the index is not present.
	Entry(index LogIndex) (*LogEntry, LogSequence, error)

	// Entries returns all entries in [start, end] and the sequence of the entry at end. The read is atomic with
	// respect to truncation. ErrEntryNotFound is returned unless the whole range is present.
	Entries(start, end LogIndex) ([]*LogEntry, LogSequence, error)

	// Append adds entry to the tail of the log. If an entry already exists at entry.Index() with a different term,
	// that entry and every entry after it are removed in the same operation. An entry whose payload does not match its
	// type is rejected with ErrMalformedEntry.
	Append(entry *LogEntry, seq LogSequence) error

	// Discard marks every entry up to and including pos as removable. Discarding an already discarded position is a
	// no-op, and pos may lie beyond LastIndex().
	Discard(pos LogPosition) error

	// Flush makes every appended entry durable
	Flush() error

	// LastFlushed returns the highest sequence known to be durable. It never decreases.
	LastFlushed() LogSequence

	// LastSequence returns the sequence of the most recent append
	LastSequence() LogSequence

	// WaitForFlush blocks until Prev() or LastFlushed() changes from the values seen by the previous call, or until a
	// background flush fails, in which case the failure is returned.
	WaitForFlush(ctx context.Context) error
}

// RetainingLog is implemented by logs that keep a window of discarded entries around for slow followers
type RetainingLog interface {
	Log

	// RetainedEntry returns a discarded entry that is still inside the retention window.
	// ErrEntryNotFound is returned if it has already been removed.
	RetainedEntry(index LogIndex) (*LogEntry, error)
}

// CommitGuard is implemented by logs that refuse to truncate committed entries. Once SetCommitIndex(i) was called,
// an Append that would truncate an entry at or below i returns ErrTruncateCommitted instead. The commit index is
// not persisted; the owner sets it again after a restart.
type CommitGuard interface {
	SetCommitIndex(index LogIndex)
}

// MetricsCollector is an optional interface for collecting metrics about the log and state machine application
type MetricsCollector interface {
	RecordAppend()
	RecordTruncate(removed uint64)
	RecordDiscard()
	RecordFlush(latency time.Duration)
	RecordFlushFailure()
	RecordApply(latency time.Duration)
	// RecordCommit is the time from proposing a command until it was committed
	RecordCommit(latency time.Duration)
}

// NopMetrics is a MetricsCollector that records nothing
type NopMetrics struct{}

func (NopMetrics) RecordAppend() {}
func (NopMetrics) RecordTruncate(uint64) {}
func (NopMetrics) RecordDiscard() {}
func (NopMetrics) RecordFlush(time.Duration) {}
func (NopMetrics) RecordFlushFailure() {}
func (NopMetrics) RecordApply(time.Duration) {}
func (NopMetrics) RecordCommit(time.Duration) {}
