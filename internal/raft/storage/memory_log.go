package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"raftcore/internal/raft"
)

// MemoryLogOptions configures a MemoryLog
type MemoryLogOptions struct {
	// RetainedEntries is how many discarded entries are kept for RetainedEntry
	RetainedEntries int
	Metrics         raft.MetricsCollector
}

// DefaultMemoryLogOptions returns the options used by NewMemoryLog
func DefaultMemoryLogOptions() MemoryLogOptions {
	return MemoryLogOptions{
		RetainedEntries: 1024,
		Metrics:         raft.NopMetrics{},
	}
}

type memoryEntry struct {
	entry *raft.LogEntry
	seq   raft.LogSequence
}

// MemoryLog is a raft.Log kept entirely in memory. Entries count as durable once Flush is called.
type MemoryLog struct {
	mu   sync.RWMutex
	prev raft.LogPosition
	// entries[i] is at index prev.Index+1+i
	entries []memoryEntry
	// retained holds discarded entries in index order, the last one at prev.Index
	retained []*raft.LogEntry
	lastSeq  raft.LogSequence
	// committed is the highest index a truncation may not reach
	committed raft.LogIndex
	opts      MemoryLogOptions
	flush     *flushNotifier
}

// NewMemoryLog creates an empty MemoryLog with the default options
func NewMemoryLog() *MemoryLog {
	return NewMemoryLogWithOptions(DefaultMemoryLogOptions())
}

// NewMemoryLogWithOptions creates an empty MemoryLog
func NewMemoryLogWithOptions(opts MemoryLogOptions) *MemoryLog {
	if opts.Metrics == nil {
		opts.Metrics = raft.NopMetrics{}
	}
	return &MemoryLog{
		opts:  opts,
		flush: newFlushNotifier(raft.LogPosition{}, 0),
	}
}

func (l *MemoryLog) lastIndexLocked() raft.LogIndex {
	return l.prev.Index + raft.LogIndex(len(l.entries))
}

func (l *MemoryLog) slot(index raft.LogIndex) int {
	return int(index - l.prev.Index - 1)
}

func (l *MemoryLog) Term(index raft.LogIndex) (raft.Term, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index == l.prev.Index {
		return l.prev.Term, true
	}
	if index < l.prev.Index || index > l.lastIndexLocked() {
		return 0, false
	}
	return l.entries[l.slot(index)].entry.Term(), true
}

func (l *MemoryLog) Prev() raft.LogPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prev
}

func (l *MemoryLog) LastIndex() raft.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *MemoryLog) Entry(index raft.LogIndex) (*raft.LogEntry, raft.LogSequence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index <= l.prev.Index || index > l.lastIndexLocked() {
		return nil, 0, fmt.Errorf("%w: index %d", raft.ErrEntryNotFound, index)
	}
	e := l.entries[l.slot(index)]
	return e.entry, e.seq, nil
}

func (l *MemoryLog) Entries(start, end raft.LogIndex) ([]*raft.LogEntry, raft.LogSequence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if start > end || start <= l.prev.Index || end > l.lastIndexLocked() {
		return nil, 0, fmt.Errorf("%w: range [%d, %d]", raft.ErrEntryNotFound, start, end)
	}

	from, to := l.slot(start), l.slot(end)
	entries := make([]*raft.LogEntry, 0, to-from+1)
	for _, e := range l.entries[from : to+1] {
		entries = append(entries, e.entry)
	}
	return entries, l.entries[to].seq, nil
}

func (l *MemoryLog) Append(entry *raft.LogEntry, seq raft.LogSequence) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := entry.Index()
	last := l.lastIndexLocked()
	if index <= l.prev.Index || index > last+1 {
		return fmt.Errorf("%w: append at %s, log spans (%d, %d]", raft.ErrLogGap, entry.Pos, l.prev.Index, last)
	}
	if err := entry.Data.Validate(); err != nil {
		return fmt.Errorf("failed to append %s: %w", entry.Pos, err)
	}

	if index <= last {
		existing := l.entries[l.slot(index)].entry
		if existing.Term() == entry.Term() {
			if existing.Equal(entry) {
				return nil
			}
			panic(fmt.Sprintf("raft: conflicting entry appended at %s with the same term", entry.Pos))
		}
		if index <= l.committed {
			return fmt.Errorf("%w: append at %s, committed up to %d", raft.ErrTruncateCommitted, entry.Pos, l.committed)
		}
	}

	if seq <= l.lastSeq {
		return fmt.Errorf("%w: %d after %d", raft.ErrSequenceRegressed, seq, l.lastSeq)
	}

	if index <= last {
		removed := uint64(last - index + 1)
		l.entries = l.entries[:l.slot(index)]
		l.opts.Metrics.RecordTruncate(removed)
	}

	l.entries = append(l.entries, memoryEntry{entry: entry, seq: seq})
	l.lastSeq = seq
	l.opts.Metrics.RecordAppend()
	return nil
}

func (l *MemoryLog) Discard(pos raft.LogPosition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos.Index <= l.prev.Index {
		return nil
	}

	if pos.Index <= l.lastIndexLocked() {
		n := l.slot(pos.Index) + 1
		term := l.entries[n-1].entry.Term()
		if term == pos.Term {
			for _, e := range l.entries[:n] {
				l.retained = append(l.retained, e.entry)
			}
			if over := len(l.retained) - l.opts.RetainedEntries; over > 0 {
				l.retained = l.retained[over:]
			}
			l.entries = l.entries[n:]
			l.prev = pos
			l.flush.setPrev(pos)
			l.opts.Metrics.RecordDiscard()
			return nil
		}
		log.Printf("[MEMORY-LOG] Discard to %s conflicts with local term %d, dropping all entries", pos, term)
	}

	l.entries = nil
	l.retained = nil
	l.prev = pos
	l.flush.setPrev(pos)
	l.opts.Metrics.RecordDiscard()
	return nil
}

// SetCommitIndex stops truncations from reaching index. Lower values than the current one are ignored.
func (l *MemoryLog) SetCommitIndex(index raft.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed = max(l.committed, index)
}

// RetainedEntry returns a discarded entry that has not yet left the retention window
func (l *MemoryLog) RetainedEntry(index raft.LogIndex) (*raft.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.retained) == 0 {
		return nil, fmt.Errorf("%w: retained index %d", raft.ErrEntryNotFound, index)
	}
	first := l.retained[0].Index()
	if index < first || index >= first+raft.LogIndex(len(l.retained)) {
		return nil, fmt.Errorf("%w: retained index %d", raft.ErrEntryNotFound, index)
	}
	return l.retained[index-first], nil
}

// Flush marks everything appended so far as durable
func (l *MemoryLog) Flush() error {
	start := time.Now()
	l.mu.RLock()
	seq := l.lastSeq
	l.mu.RUnlock()

	l.flush.setFlushed(seq)
	l.opts.Metrics.RecordFlush(time.Since(start))
	return nil
}

func (l *MemoryLog) LastFlushed() raft.LogSequence {
	return l.flush.lastFlushed()
}

func (l *MemoryLog) LastSequence() raft.LogSequence {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *MemoryLog) WaitForFlush(ctx context.Context) error {
	return l.flush.wait(ctx)
}
