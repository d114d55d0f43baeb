package mocks

import (
	"context"
	"fmt"
	"sync"

	"raftcore/internal/raft"
	"raftcore/internal/raft/membership"
)

// MockLog is a minimal in-memory raft.Log with error injection. It only checks terms on append below the commit
// index: any other append at or below the last index truncates. Entries become durable only when the test calls Flush.
type MockLog struct {
	mu      sync.RWMutex
	prev    raft.LogPosition
	entries []*raft.LogEntry
	seqs    []raft.LogSequence
	lastSeq raft.LogSequence
	flushed raft.LogSequence
	config  *membership.ConfigurationSnapshot
	flushCh chan error
	commit  raft.LogIndex

	AppendCallCount int
	Closed          bool

	// Error injection for testing
	AppendError             error
	DiscardError            error
	EntriesError            error
	FlushError              error
	StoreConfigurationError error
}

// NewMockLog creates an empty mock log
func NewMockLog() *MockLog {
	return &MockLog{
		flushCh: make(chan error, 64),
	}
}

func (m *MockLog) lastIndexUnsafe() raft.LogIndex {
	return m.prev.Index + raft.LogIndex(len(m.entries))
}

func (m *MockLog) Term(index raft.LogIndex) (raft.Term, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index == m.prev.Index {
		return m.prev.Term, true
	}
	if index < m.prev.Index || index > m.lastIndexUnsafe() {
		return 0, false
	}
	return m.entries[index-m.prev.Index-1].Term(), true
}

func (m *MockLog) Prev() raft.LogPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prev
}

func (m *MockLog) LastIndex() raft.LogIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndexUnsafe()
}

func (m *MockLog) Entry(index raft.LogIndex) (*raft.LogEntry, raft.LogSequence, error) {
	entries, seq, err := m.Entries(index, index)
	if err != nil {
		return nil, 0, err
	}
	return entries[0], seq, nil
}

func (m *MockLog) Entries(start, end raft.LogIndex) ([]*raft.LogEntry, raft.LogSequence, error) {
	if m.EntriesError != nil {
		return nil, 0, m.EntriesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if start > end || start <= m.prev.Index || end > m.lastIndexUnsafe() {
		return nil, 0, fmt.Errorf("%w: range [%d, %d]", raft.ErrEntryNotFound, start, end)
	}
	from, to := start-m.prev.Index-1, end-m.prev.Index-1
	result := make([]*raft.LogEntry, 0, to-from+1)
	result = append(result, m.entries[from:to+1]...)
	return result, m.seqs[to], nil
}

func (m *MockLog) Append(entry *raft.LogEntry, seq raft.LogSequence) error {
	if m.AppendError != nil {
		return m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendCallCount++
	index := entry.Index()
	if index <= m.prev.Index || index > m.lastIndexUnsafe()+1 {
		return fmt.Errorf("%w: append at %s", raft.ErrLogGap, entry.Pos)
	}
	keep := index - m.prev.Index - 1
	if index <= m.commit && index <= m.lastIndexUnsafe() && m.entries[keep].Term() != entry.Term() {
		return fmt.Errorf("%w: append at %s", raft.ErrTruncateCommitted, entry.Pos)
	}
	m.entries = append(m.entries[:keep], entry)
	m.seqs = append(m.seqs[:keep], seq)
	m.lastSeq = seq
	return nil
}

func (m *MockLog) Discard(pos raft.LogPosition) error {
	if m.DiscardError != nil {
		return m.DiscardError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos.Index <= m.prev.Index {
		return nil
	}
	if pos.Index > m.lastIndexUnsafe() {
		m.entries, m.seqs = nil, nil
	} else {
		n := pos.Index - m.prev.Index
		m.entries, m.seqs = m.entries[n:], m.seqs[n:]
	}
	m.prev = pos
	m.signal(nil)
	return nil
}

func (m *MockLog) SetCommitIndex(index raft.LogIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commit = max(m.commit, index)
}

// CommitIndex returns the highest index passed to SetCommitIndex
func (m *MockLog) CommitIndex() raft.LogIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commit
}

// Flush marks every appended entry durable, or reports FlushError to the next WaitForFlush
func (m *MockLog) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FlushError != nil {
		m.signal(m.FlushError)
		return m.FlushError
	}
	m.flushed = m.lastSeq
	m.signal(nil)
	return nil
}

// SetFlushError sets FlushError while the log is in use by another goroutine
func (m *MockLog) SetFlushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushError = err
}

func (m *MockLog) signal(err error) {
	select {
	case m.flushCh <- err:
	default:
	}
}

func (m *MockLog) LastFlushed() raft.LogSequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

func (m *MockLog) LastSequence() raft.LogSequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

func (m *MockLog) WaitForFlush(ctx context.Context) error {
	select {
	case err := <-m.flushCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockLog) StoreConfiguration(snapshot membership.ConfigurationSnapshot) error {
	if m.StoreConfigurationError != nil {
		return m.StoreConfigurationError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &snapshot
	return nil
}

func (m *MockLog) LoadConfiguration() (membership.ConfigurationSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return membership.ConfigurationSnapshot{}, false, nil
	}
	return *m.config, true, nil
}

// StoredConfiguration returns the last configuration passed to StoreConfiguration
func (m *MockLog) StoredConfiguration() *membership.ConfigurationSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *MockLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
