package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/armon/go-metrics"
)

// Metrics collects performance metrics for the log and the state machine. It implements raft.MetricsCollector.
// Counters and latencies are kept locally for Report; when a go-metrics sink is attached every observation is also
// forwarded to it.
type Metrics struct {
	mu sync.RWMutex

	// Latencies
	commitLatencies []time.Duration // proposal to commit
	flushLatencies  []time.Duration
	applyLatencies  []time.Duration

	// Log counters
	appends          atomic.Uint64
	truncations      atomic.Uint64
	truncatedEntries atomic.Uint64
	discards         atomic.Uint64
	flushFailures    atomic.Uint64

	// Throughput tracking
	commandsCommitted atomic.Uint64
	startTime         time.Time

	sink *gometrics.Metrics
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commitLatencies: make([]time.Duration, 0, 10000), // Pre-allocate for performance
		flushLatencies:  make([]time.Duration, 0, 1000),
		applyLatencies:  make([]time.Duration, 0, 10000),
		startTime:       time.Now(),
	}
}

// NewMetricsWithSink creates a collector that also forwards to sink
func NewMetricsWithSink(sink *gometrics.Metrics) *Metrics {
	m := NewMetrics()
	m.sink = sink
	return m
}

// NewGoMetrics creates a go-metrics instance reporting to sink with keys prefixed by serviceName
func NewGoMetrics(serviceName string, sink gometrics.MetricSink) (*gometrics.Metrics, error) {
	conf := gometrics.DefaultConfig(serviceName)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := gometrics.New(conf, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) incr(key ...string) {
	if m.sink != nil {
		m.sink.IncrCounter(key, 1)
	}
}

func (m *Metrics) sample(latency time.Duration, key ...string) {
	if m.sink != nil {
		m.sink.AddSample(key, float32(latency.Microseconds())/1000.0)
	}
}

// RecordAppend increments the appended entries counter
func (m *Metrics) RecordAppend() {
	m.appends.Add(1)
	m.incr("log", "append")
}

// RecordTruncate records a truncation that removed the given number of entries
func (m *Metrics) RecordTruncate(removed uint64) {
	m.truncations.Add(1)
	m.truncatedEntries.Add(removed)
	if m.sink != nil {
		m.sink.IncrCounter([]string{"log", "truncated_entries"}, float32(removed))
	}
}

func (m *Metrics) RecordDiscard() {
	m.discards.Add(1)
	m.incr("log", "discard")
}

// RecordFlush records the latency of a successful flush
func (m *Metrics) RecordFlush(latency time.Duration) {
	m.mu.Lock()
	m.flushLatencies = append(m.flushLatencies, latency)
	m.mu.Unlock()
	m.sample(latency, "log", "flush")
}

func (m *Metrics) RecordFlushFailure() {
	m.flushFailures.Add(1)
	m.incr("log", "flush_failure")
}

// RecordApply records how long the state machine took to apply a command
func (m *Metrics) RecordApply(latency time.Duration) {
	m.mu.Lock()
	m.applyLatencies = append(m.applyLatencies, latency)
	m.mu.Unlock()
	m.sample(latency, "fsm", "apply")
}

// RecordCommit records the latency of a single command from proposal to commit
func (m *Metrics) RecordCommit(latency time.Duration) {
	m.mu.Lock()
	m.commitLatencies = append(m.commitLatencies, latency)
	m.mu.Unlock()
	m.commandsCommitted.Add(1)
	m.sample(latency, "node", "commit")
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// latencyStats computes percentile statistics from a copy of latencies taken under the read lock
func (m *Metrics) latencyStats(latencies *[]time.Duration) LatencyStats {
	m.mu.RLock()
	sorted := make([]time.Duration, len(*latencies))
	copy(sorted, *latencies)
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	// Convert to milliseconds
	ms := make([]float64, len(sorted))
	var sum float64
	for i, lat := range sorted {
		ms[i] = float64(lat.Microseconds()) / 1000.0
		sum += ms[i]
	}

	mean := sum / float64(len(ms))

	var variance float64
	for _, lat := range ms {
		diff := lat - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// GetCommitStats returns statistics about proposal to commit latencies
func (m *Metrics) GetCommitStats() LatencyStats {
	return m.latencyStats(&m.commitLatencies)
}

func (m *Metrics) GetFlushStats() LatencyStats {
	return m.latencyStats(&m.flushLatencies)
}

func (m *Metrics) GetApplyStats() LatencyStats {
	return m.latencyStats(&m.applyLatencies)
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the current throughput in committed commands/second
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.commandsCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	Server       string    `json:"server"`
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	// Throughput metrics
	CommandsCommitted uint64  `json:"commands_committed"`
	ThroughputCmdSec  float64 `json:"throughput_cmd_per_sec"`

	// Latency metrics
	CommitLatency LatencyStats `json:"commit_latency"`
	FlushLatency  LatencyStats `json:"flush_latency"`
	ApplyLatency  LatencyStats `json:"apply_latency"`

	// Log metrics
	Appends          uint64 `json:"appends"`
	Truncations      uint64 `json:"truncations"`
	TruncatedEntries uint64 `json:"truncated_entries"`
	Discards         uint64 `json:"discards"`
	FlushFailures    uint64 `json:"flush_failures"`
}

// GetReport generates a comprehensive performance report
func (m *Metrics) GetReport(server string) Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	endTime := time.Now()

	return Report{
		Server:            server,
		TestDuration:      endTime.Sub(start).Seconds(),
		StartTime:         start,
		EndTime:           endTime,
		CommandsCommitted: m.commandsCommitted.Load(),
		ThroughputCmdSec:  m.GetThroughput(),
		CommitLatency:     m.GetCommitStats(),
		FlushLatency:      m.GetFlushStats(),
		ApplyLatency:      m.GetApplyStats(),
		Appends:           m.appends.Load(),
		Truncations:       m.truncations.Load(),
		TruncatedEntries:  m.truncatedEntries.Load(),
		Discards:          m.discards.Load(),
		FlushFailures:     m.flushFailures.Load(),
	}
}

func printLatency(title string, stats LatencyStats) {
	fmt.Printf("\n%s:\n", title)
	if stats.Count == 0 {
		fmt.Printf("  No data collected\n")
		return
	}
	fmt.Printf("  Count: %d\n", stats.Count)
	fmt.Printf("  Min: %.3f ms\n", stats.Min)
	fmt.Printf("  Mean: %.3f ms\n", stats.Mean)
	fmt.Printf("  P50: %.3f ms\n", stats.P50)
	fmt.Printf("  P95: %.3f ms\n", stats.P95)
	fmt.Printf("  P99: %.3f ms\n", stats.P99)
	fmt.Printf("  Max: %.3f ms\n", stats.Max)
	fmt.Printf("  StdDev: %.3f ms\n", stats.StdDev)
}

// PrintReport prints the report in a human-readable format
func (r *Report) PrintReport() {
	rule := strings.Repeat("=", 60)
	fmt.Println("\n" + rule)
	fmt.Println("RAFT LOG PERFORMANCE REPORT")
	fmt.Println(rule)
	fmt.Printf("\nServer: %s\n", r.Server)
	fmt.Printf("  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Printf("  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Printf("\nThroughput:\n")
	fmt.Printf("  Commands Committed: %d\n", r.CommandsCommitted)
	fmt.Printf("  Throughput: %.2f cmd/sec\n", r.ThroughputCmdSec)

	printLatency("Commit Latency (proposal to commit)", r.CommitLatency)
	printLatency("Flush Latency", r.FlushLatency)
	printLatency("Apply Latency", r.ApplyLatency)

	fmt.Printf("\nLog:\n")
	fmt.Printf("  Appends: %d\n", r.Appends)
	fmt.Printf("  Truncations: %d (%d entries)\n", r.Truncations, r.TruncatedEntries)
	fmt.Printf("  Discards: %d\n", r.Discards)
	fmt.Printf("  Flush Failures: %d\n", r.FlushFailures)

	fmt.Println("\n" + rule)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected metrics (useful for running multiple tests)
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commitLatencies = make([]time.Duration, 0, 10000)
	m.flushLatencies = make([]time.Duration, 0, 1000)
	m.applyLatencies = make([]time.Duration, 0, 10000)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.appends.Store(0)
	m.truncations.Store(0)
	m.truncatedEntries.Store(0)
	m.discards.Store(0)
	m.flushFailures.Store(0)
	m.commandsCommitted.Store(0)
}
