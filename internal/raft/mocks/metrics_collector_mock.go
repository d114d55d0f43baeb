package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of raft.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                sync.RWMutex
	AppendCount       int
	TruncateCount     int
	TruncatedEntries  uint64
	DiscardCount      int
	FlushLatencies    []time.Duration
	FlushFailureCount int
	ApplyLatencies    []time.Duration
	CommitLatencies   []time.Duration
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		FlushLatencies:  make([]time.Duration, 0),
		ApplyLatencies:  make([]time.Duration, 0),
		CommitLatencies: make([]time.Duration, 0),
	}
}

func (m *MockMetricsCollector) RecordAppend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCount++
}

func (m *MockMetricsCollector) RecordTruncate(removed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TruncateCount++
	m.TruncatedEntries += removed
}

func (m *MockMetricsCollector) RecordDiscard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DiscardCount++
}

func (m *MockMetricsCollector) RecordFlush(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushLatencies = append(m.FlushLatencies, latency)
}

func (m *MockMetricsCollector) RecordFlushFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushFailureCount++
}

func (m *MockMetricsCollector) RecordApply(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyLatencies = append(m.ApplyLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommit(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitLatencies = append(m.CommitLatencies, latency)
}

// CommitCount returns how many commits were recorded
func (m *MockMetricsCollector) CommitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.CommitLatencies)
}

// ApplyCount returns how many applies were recorded
func (m *MockMetricsCollector) ApplyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ApplyLatencies)
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendCount = 0
	m.TruncateCount = 0
	m.TruncatedEntries = 0
	m.DiscardCount = 0
	m.FlushLatencies = make([]time.Duration, 0)
	m.FlushFailureCount = 0
	m.ApplyLatencies = make([]time.Duration, 0)
	m.CommitLatencies = make([]time.Duration, 0)
}
