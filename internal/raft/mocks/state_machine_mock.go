package mocks

import (
	"context"
	"sync"

	"raftcore/internal/raft"
	"raftcore/internal/raft/state_machine"
)

// AppliedCommand is a command received by MockStateMachine
type AppliedCommand struct {
	Index raft.LogIndex
	Data  []byte
}

// MockStateMachine is a mock implementation of state_machine.StateMachine[[]byte] for testing. Apply echoes the
// command back as its result.
type MockStateMachine struct {
	mu             sync.RWMutex
	Applied        []AppliedCommand
	ApplyCallCount int
	Restored       *state_machine.Snapshot
	ShouldPanic    bool
	// FlushedIndex is returned by LastFlushed
	FlushedIndex raft.LogIndex

	// Error injection for testing
	ApplyError   error
	RestoreError error
	// FailAtIndex makes Apply return ApplyError only for that index
	FailAtIndex raft.LogIndex
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{
		Applied: make([]AppliedCommand, 0),
	}
}

func (m *MockStateMachine) Apply(index raft.LogIndex, data []byte) ([]byte, error) {
	if m.ShouldPanic {
		panic("mock state machine panic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ApplyCallCount++
	if m.ApplyError != nil && (m.FailAtIndex == 0 || m.FailAtIndex == index) {
		return nil, m.ApplyError
	}
	m.Applied = append(m.Applied, AppliedCommand{Index: index, Data: data})
	return data, nil
}

func (m *MockStateMachine) LastFlushed() raft.LogIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FlushedIndex
}

// SetFlushedIndex sets FlushedIndex while the state machine is in use by another goroutine
func (m *MockStateMachine) SetFlushedIndex(index raft.LogIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushedIndex = index
}

func (m *MockStateMachine) WaitForFlush(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockStateMachine) Snapshot() (*state_machine.Snapshot, bool) {
	return nil, false
}

func (m *MockStateMachine) Restore(snapshot *state_machine.Snapshot) error {
	if m.RestoreError != nil {
		return m.RestoreError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restored = snapshot
	return nil
}

// GetApplied returns a copy of all applied commands
func (m *MockStateMachine) GetApplied() []AppliedCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]AppliedCommand, len(m.Applied))
	copy(result, m.Applied)
	return result
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Applied = make([]AppliedCommand, 0)
	m.ApplyCallCount = 0
	m.Restored = nil
}
