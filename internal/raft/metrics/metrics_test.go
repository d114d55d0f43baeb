package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

var _ raft.MetricsCollector = (*Metrics)(nil)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.commitLatencies)
	assert.NotNil(t, m.flushLatencies)
	assert.NotNil(t, m.applyLatencies)
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_RecordCommit(t *testing.T) {
	m := NewMetrics()

	t.Run("records single latency", func(t *testing.T) {
		m.RecordCommit(100 * time.Millisecond)

		m.mu.RLock()
		assert.Len(t, m.commitLatencies, 1)
		assert.Equal(t, 100*time.Millisecond, m.commitLatencies[0])
		m.mu.RUnlock()
		assert.Equal(t, uint64(1), m.commandsCommitted.Load())
	})

	t.Run("records multiple latencies", func(t *testing.T) {
		m.RecordCommit(50 * time.Millisecond)
		m.RecordCommit(150 * time.Millisecond)

		m.mu.RLock()
		assert.Len(t, m.commitLatencies, 3) // Including previous test
		m.mu.RUnlock()
		assert.Equal(t, uint64(3), m.commandsCommitted.Load())
	})
}

func TestMetrics_LogCounters(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 10; i++ {
		m.RecordAppend()
	}
	m.RecordTruncate(3)
	m.RecordTruncate(2)
	m.RecordDiscard()
	m.RecordFlushFailure()
	m.RecordFlush(2 * time.Millisecond)
	m.RecordApply(time.Millisecond)

	assert.Equal(t, uint64(10), m.appends.Load())
	assert.Equal(t, uint64(2), m.truncations.Load())
	assert.Equal(t, uint64(5), m.truncatedEntries.Load())
	assert.Equal(t, uint64(1), m.discards.Load())
	assert.Equal(t, uint64(1), m.flushFailures.Load())
	assert.Equal(t, 1, m.GetFlushStats().Count)
	assert.Equal(t, 1, m.GetApplyStats().Count)
}

func TestMetrics_GetThroughput(t *testing.T) {
	m := NewMetrics()

	t.Run("returns 0 for no commands", func(t *testing.T) {
		throughput := m.GetThroughput()
		assert.Equal(t, 0.0, throughput)
	})

	t.Run("calculates throughput", func(t *testing.T) {
		// Set start time to 1 second ago
		m.startTime = time.Now().Add(-1 * time.Second)

		m.RecordCommit(time.Millisecond)
		m.RecordCommit(time.Millisecond)

		throughput := m.GetThroughput()
		assert.Greater(t, throughput, 0.0)
		assert.LessOrEqual(t, throughput, 3.0) // Should be ~2 commands/sec
	})
}

func TestMetrics_GetCommitStats(t *testing.T) {
	m := NewMetrics()

	t.Run("returns empty stats for no latencies", func(t *testing.T) {
		stats := m.GetCommitStats()
		assert.Equal(t, 0, stats.Count)
	})

	t.Run("calculates statistics", func(t *testing.T) {
		m.RecordCommit(100 * time.Millisecond)
		m.RecordCommit(200 * time.Millisecond)
		m.RecordCommit(300 * time.Millisecond)

		stats := m.GetCommitStats()
		assert.Equal(t, 3, stats.Count)
		assert.InDelta(t, 200.0, stats.Mean, 1.0)
		assert.InDelta(t, 200.0, stats.P50, 1.0)
		assert.InDelta(t, 100.0, stats.Min, 1.0)
		assert.InDelta(t, 300.0, stats.Max, 1.0)
		assert.Greater(t, stats.StdDev, 0.0)
	})

	t.Run("calculates percentiles", func(t *testing.T) {
		m2 := NewMetrics()
		// Add 100 samples
		for i := 1; i <= 100; i++ {
			m2.RecordCommit(time.Duration(i) * time.Millisecond)
		}

		stats := m2.GetCommitStats()
		assert.InDelta(t, 50.0, stats.P50, 5.0)
		assert.InDelta(t, 95.0, stats.P95, 5.0)
		assert.InDelta(t, 99.0, stats.P99, 5.0)
	})
}

func TestMetrics_GetReport(t *testing.T) {
	m := NewMetrics()

	m.RecordCommit(100 * time.Millisecond)
	m.RecordCommit(200 * time.Millisecond)
	m.RecordAppend()
	m.RecordDiscard()
	m.RecordFlush(time.Millisecond)

	report := m.GetReport("s1")

	assert.Equal(t, "s1", report.Server)
	assert.Equal(t, uint64(2), report.CommandsCommitted)
	assert.Equal(t, uint64(1), report.Appends)
	assert.Equal(t, uint64(1), report.Discards)
	assert.Equal(t, 2, report.CommitLatency.Count)
	assert.Equal(t, 1, report.FlushLatency.Count)
	assert.Equal(t, 0, report.ApplyLatency.Count)
}

func TestReport_SaveJSON(t *testing.T) {
	m := NewMetrics()
	m.RecordCommit(10 * time.Millisecond)
	report := m.GetReport("s1")

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.SaveJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Report
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, "s1", loaded.Server)
	assert.Equal(t, uint64(1), loaded.CommandsCommitted)

	assert.Error(t, report.SaveJSON(filepath.Join(t.TempDir(), "missing", "report.json")))
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommit(100 * time.Millisecond)
	m.RecordAppend()
	m.RecordTruncate(4)
	m.RecordFlush(time.Millisecond)
	m.RecordFlushFailure()

	m.Reset()

	assert.Equal(t, uint64(0), m.commandsCommitted.Load())
	assert.Equal(t, uint64(0), m.appends.Load())
	assert.Equal(t, uint64(0), m.truncations.Load())
	assert.Equal(t, uint64(0), m.truncatedEntries.Load())
	assert.Equal(t, uint64(0), m.flushFailures.Load())

	m.mu.RLock()
	assert.Len(t, m.commitLatencies, 0)
	assert.Len(t, m.flushLatencies, 0)
	m.mu.RUnlock()

	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_Sink(t *testing.T) {
	sink := gometrics.NewInmemSink(time.Minute, time.Minute)
	gm, err := NewGoMetrics("raftcore", sink)
	require.NoError(t, err)

	m := NewMetricsWithSink(gm)
	m.RecordAppend()
	m.RecordAppend()
	m.RecordFlush(3 * time.Millisecond)

	data := sink.Data()
	require.NotEmpty(t, data)

	appends, ok := data[0].Counters["raftcore.log.append"]
	require.True(t, ok, "counters: %v", data[0].Counters)
	assert.Equal(t, 2, appends.Count)

	flushes, ok := data[0].Samples["raftcore.log.flush"]
	require.True(t, ok, "samples: %v", data[0].Samples)
	assert.Equal(t, 1, flushes.Count)
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()

	t.Run("handles concurrent updates", func(t *testing.T) {
		var wg sync.WaitGroup
		iterations := 1000

		for i := 0; i < iterations; i++ {
			wg.Add(3)
			go func() {
				defer wg.Done()
				m.RecordCommit(100 * time.Millisecond)
			}()
			go func() {
				defer wg.Done()
				m.RecordAppend()
			}()
			go func() {
				defer wg.Done()
				m.RecordApply(time.Millisecond)
			}()
		}

		wg.Wait()

		assert.Equal(t, uint64(iterations), m.commandsCommitted.Load())
		assert.Equal(t, uint64(iterations), m.appends.Load())

		m.mu.RLock()
		assert.Len(t, m.commitLatencies, iterations)
		assert.Len(t, m.applyLatencies, iterations)
		m.mu.RUnlock()
	})

	t.Run("handles concurrent reads and writes", func(t *testing.T) {
		var wg sync.WaitGroup

		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				m.RecordCommit(100 * time.Millisecond)
				m.RecordFlush(time.Millisecond)
			}()
			go func() {
				defer wg.Done()
				m.GetCommitStats()
				m.GetThroughput()
				m.GetReport("s1")
			}()
		}

		wg.Wait()
	})
}
