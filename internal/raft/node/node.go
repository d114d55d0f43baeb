package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	"raftcore/internal/raft/applier"
	"raftcore/internal/raft/membership"
	"raftcore/internal/raft/state_machine"
	"raftcore/internal/raft/storage"
)

var (
	ErrNodeClosed = errors.New("node: closed")
	// ErrNotDurable is returned while the log fails to flush. Writes are refused until a flush succeeds again.
	ErrNotDurable = errors.New("node: log is not durable")
	// ErrConfigChangePending is returned for a membership change while an earlier one is not committed yet
	ErrConfigChangePending = errors.New("node: a configuration change is already pending")
	// ErrNodeFailed is returned after the state machine rejected a committed entry. The node can not make progress
	// past that entry and has to be fixed by hand.
	ErrNodeFailed = errors.New("node: state machine failed")
)

// LogStore is the log a node writes to, along with the committed configuration persisted next to it
type LogStore interface {
	raft.Log
	raft.CommitGuard
	StoreConfiguration(snapshot membership.ConfigurationSnapshot) error
	LoadConfiguration() (membership.ConfigurationSnapshot, bool, error)
	Close() error
}

// Options configures a Node
type Options struct {
	// Bootstrap is the configuration of a brand new cluster. The node always adds itself as a member.
	Bootstrap membership.Configuration
	// Broker receives the node's events. It is optional and owned by the caller.
	Broker  *pubsub.Broker
	Metrics raft.MetricsCollector
	// CompactInterval is how often Compact runs in the background, 0 disables it
	CompactInterval time.Duration
}

type proposalResult[R any] struct {
	result R
	err    error
}

type proposal[R any] struct {
	start time.Time
	done  chan proposalResult[R]
}

/*
Node is a cluster of one: it is the only voter, so an entry is committed as soon as it is durable in its own log
(Section 5.3: "A log entry is committed once the leader that created the entry has replicated it on a majority of the
servers"). It wires the log, the configuration state machine and the applier together the way a full consensus
module would, without elections or replication.

Each start is a new term, opened with a no-op entry as in Section 8.
*/
type Node[R any] struct {
	id      raft.ServerID
	log     LogStore
	sm      state_machine.StateMachine[R]
	broker  *pubsub.Broker
	metrics raft.MetricsCollector

	// Protects all fields below
	mu          sync.Mutex
	term        raft.Term
	commitIndex raft.LogIndex
	configSM    *membership.ConfigurationStateMachine
	applier     *applier.Applier[R]
	// meta maps the flushed sequence reported by the log back to an index
	meta    *storage.LogMetadata
	waiters map[raft.LogIndex]*proposal[R]
	durable bool
	failed  error
	closed  bool

	health     *health.Server
	grpcServer *grpc.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens the BoltLog in cfg.DataDir and starts a node on it
func Open[R any](cfg Config, sm state_machine.StateMachine[R], opts Options) (*Node[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	store, err := storage.OpenBoltLog(cfg.LogPath(), cfg.LogOptions(opts.Metrics))
	if err != nil {
		return nil, err
	}

	opts.Bootstrap = membership.NewConfiguration(cfg.Members, cfg.Learners)
	opts.CompactInterval = cfg.CompactInterval
	n, err := New(cfg.ID, store, sm, opts)
	if err != nil {
		return nil, multierror.Append(err, store.Close()).ErrorOrNil()
	}
	return n, nil
}

// New recovers the state in store and starts the node. The caller must call Shutdown, which also closes store.
// The log must flush in the background; nothing commits otherwise.
func New[R any](id raft.ServerID, store LogStore, sm state_machine.StateMachine[R], opts Options) (*Node[R], error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = raft.NopMetrics{}
	}

	n := &Node[R]{
		id:         id,
		log:        store,
		sm:         sm,
		broker:     opts.Broker,
		metrics:    metrics,
		waiters:    make(map[raft.LogIndex]*proposal[R]),
		durable:    true,
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second)),
	}
	healthpb.RegisterHealthServer(n.grpcServer, n.health)

	snapshot, err := n.loadConfiguration(opts.Bootstrap)
	if err != nil {
		return nil, err
	}
	n.configSM = membership.NewConfigurationStateMachine(snapshot)

	n.mu.Lock()
	err = n.recoverLocked(snapshot.LastApplied)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(1)
	go n.runCommitJob(ctx)
	if opts.CompactInterval > 0 {
		n.wg.Add(1)
		go n.runCompactionJob(ctx, opts.CompactInterval)
	}

	log.Printf("[NODE-%s] Started in term %d, commit index %d, configuration %s",
		n.id, n.term, n.commitIndex, n.configSM.Value())
	return n, nil
}

func (n *Node[R]) loadConfiguration(bootstrap membership.Configuration) (membership.ConfigurationSnapshot, error) {
	snapshot, ok, err := n.log.LoadConfiguration()
	if err != nil {
		return membership.ConfigurationSnapshot{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	if ok {
		return snapshot, nil
	}

	config := bootstrap.Clone()
	if !config.IsMember(n.id) {
		config.Apply(raft.ConfigChange{Type: raft.AddMember, Server: n.id})
	}
	snapshot = membership.ConfigurationSnapshot{Config: config}
	if err := n.log.StoreConfiguration(snapshot); err != nil {
		return membership.ConfigurationSnapshot{}, fmt.Errorf("failed to store bootstrap configuration: %w", err)
	}
	log.Printf("[NODE-%s] Bootstrapped configuration %s", n.id, config)
	return snapshot, nil
}

// recoverLocked replays the log into the configuration state machine and the state machine, then opens a new term
func (n *Node[R]) recoverLocked(configApplied raft.LogIndex) error {
	// Everything that survived the restart is durable, and with a single voter, committed
	if err := n.log.Flush(); err != nil {
		return fmt.Errorf("failed to flush recovered log: %w", err)
	}
	prev := n.log.Prev()
	last := n.log.LastIndex()

	n.meta = storage.NewLogMetadata(prev, 0)
	n.term = prev.Term
	for index := prev.Index + 1; index <= last; index++ {
		entry, seq, err := n.log.Entry(index)
		if err != nil {
			return fmt.Errorf("failed to replay entry %d: %w", index, err)
		}
		n.meta.Append(storage.LogOffset{Pos: entry.Pos, Seq: seq})
		if index > configApplied {
			n.configSM.Apply(entry, last)
		}
		if entry.Term() > n.term {
			n.term = entry.Term()
		}
	}

	n.applier = applier.New(n.id, n.log, n.sm, 0, n.metrics)
	if snapshot, ok := n.sm.Snapshot(); ok {
		if err := n.applier.Restore(snapshot); err != nil {
			return err
		}
	}
	if n.applier.LastApplied() < prev.Index {
		return fmt.Errorf("state machine at %d is behind the log, which starts after %s: %w",
			n.applier.LastApplied(), prev, raft.ErrEntryNotFound)
	}
	n.commitIndex = prev.Index
	n.advanceCommitLocked(last)
	if n.failed != nil {
		return n.failed
	}

	n.term++
	if _, err := n.appendLocked(raft.NoopData()); err != nil {
		return fmt.Errorf("failed to open term %d: %w", n.term, err)
	}
	return nil
}

// appendLocked appends data at the end of the log in the current term
func (n *Node[R]) appendLocked(data raft.LogEntryData) (*raft.LogEntry, error) {
	entry := raft.NewLogEntry(n.term, n.log.LastIndex()+1, data)
	seq := n.log.LastSequence().Next()
	if err := n.log.Append(entry, seq); err != nil {
		return nil, fmt.Errorf("failed to append %s: %w", entry.Pos, err)
	}
	n.meta.Append(storage.LogOffset{Pos: entry.Pos, Seq: seq})
	n.configSM.Apply(entry, n.commitIndex)
	return entry, nil
}

func (n *Node[R]) acceptingLocked() error {
	switch {
	case n.closed:
		return ErrNodeClosed
	case n.failed != nil:
		return n.failed
	case !n.durable:
		return ErrNotDurable
	}
	return nil
}

// Propose appends command and waits until it is committed and applied, returning the state machine's result.
// If ctx ends first, or the log fails to flush, the command may still be applied later.
func (n *Node[R]) Propose(ctx context.Context, command []byte) (R, error) {
	return n.propose(ctx, raft.NewCommandData(command), nil)
}

// ChangeMembership appends a configuration change and waits until it is committed. Only one change may be
// uncommitted at a time.
func (n *Node[R]) ChangeMembership(ctx context.Context, change raft.ConfigChange) error {
	_, err := n.propose(ctx, raft.NewConfigData(change), func() error {
		if n.configSM.HasPending() {
			return ErrConfigChangePending
		}
		return membership.ValidateChange(*n.configSM.Value(), change, n.id)
	})
	return err
}

// propose appends data if check, run under the lock, allows it
func (n *Node[R]) propose(ctx context.Context, data raft.LogEntryData, check func() error) (R, error) {
	var zero R

	n.mu.Lock()
	if err := n.acceptingLocked(); err != nil {
		n.mu.Unlock()
		return zero, err
	}
	if check != nil {
		if err := check(); err != nil {
			n.mu.Unlock()
			return zero, err
		}
	}
	entry, err := n.appendLocked(data)
	if err != nil {
		n.mu.Unlock()
		return zero, err
	}
	p := &proposal[R]{start: time.Now(), done: make(chan proposalResult[R], 1)}
	n.waiters[entry.Index()] = p
	n.mu.Unlock()

	select {
	case res := <-p.done:
		if res.err != nil {
			if id, ok := RequestID(ctx); ok {
				log.Printf("[NODE-%s] Request %s at %s failed: %v", n.id, id, entry.Pos, res.err)
			}
		}
		return res.result, res.err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, entry.Index())
		n.mu.Unlock()
		return zero, ctx.Err()
	}
}

// advanceCommitLocked commits everything up to commit: the configuration first, then the state machine
func (n *Node[R]) advanceCommitLocked(commit raft.LogIndex) {
	if commit <= n.commitIndex {
		return
	}
	n.commitIndex = commit
	n.log.SetCommitIndex(commit)

	if n.configSM.Commit(commit) {
		snapshot := n.committedConfigurationLocked()
		if err := n.log.StoreConfiguration(snapshot); err != nil {
			// The log still has the entry, a restart replays it
			log.Printf("[NODE-%s] Failed to persist configuration %s: %v", n.id, snapshot.Config, err)
		} else {
			log.Printf("[NODE-%s] Committed configuration %s at %d", n.id, snapshot.Config, snapshot.LastApplied)
			publish(n.broker, ConfigurationCommitted, ConfigurationCommittedEvent{Snapshot: snapshot})
		}
	}

	if n.failed != nil {
		return
	}
	err := n.applier.ApplyCommitted(commit, func(index raft.LogIndex, result R) {
		n.resolveLocked(index, proposalResult[R]{result: result})
	})
	if err != nil {
		n.failed = fmt.Errorf("%w: %w", ErrNodeFailed, err)
		log.Printf("[NODE-%s] %v", n.id, n.failed)
		n.updateHealthLocked()
		n.failWaitersLocked(n.failed)
		return
	}

	// Config and no-op entries have no result
	applied := n.applier.LastApplied()
	for index := range n.waiters {
		if index <= applied {
			n.resolveLocked(index, proposalResult[R]{})
		}
	}
}

// committedConfigurationLocked is the configuration that is safe to persist. It is valid at any index from the last
// committed change up to the commit index.
func (n *Node[R]) committedConfigurationLocked() membership.ConfigurationSnapshot {
	snapshot := n.configSM.Snapshot().Clone()
	if snapshot.LastApplied > n.commitIndex {
		snapshot.LastApplied = n.commitIndex
	}
	return snapshot
}

func (n *Node[R]) resolveLocked(index raft.LogIndex, res proposalResult[R]) {
	p, ok := n.waiters[index]
	if !ok {
		return
	}
	delete(n.waiters, index)
	if res.err == nil {
		n.metrics.RecordCommit(time.Since(p.start))
	}
	p.done <- res
}

func (n *Node[R]) failWaitersLocked(err error) {
	for index := range n.waiters {
		n.resolveLocked(index, proposalResult[R]{err: err})
	}
}

func (n *Node[R]) updateHealthLocked() {
	status := healthpb.HealthCheckResponse_SERVING
	if !n.durable || n.failed != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	n.health.SetServingStatus("", status)
}

func publish[T any](b *pubsub.Broker, topic pubsub.Topic, event T) {
	if b != nil {
		pubsub.Publish(b, topic, event)
	}
}

// onFlushed commits everything the log reports as durable
func (n *Node[R]) onFlushed() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	if !n.durable {
		n.durable = true
		log.Printf("[NODE-%s] Log is durable again, accepting writes", n.id)
		n.updateHealthLocked()
		publish(n.broker, DurabilityChanged, DurabilityChangedEvent{Durable: true})
	}

	offset, ok := n.meta.LookupSeq(n.log.LastFlushed())
	if !ok {
		return
	}
	n.advanceCommitLocked(offset.Pos.Index)
}

// onFlushFailure stops acknowledging writes. Waiting proposals fail since they may never become durable.
func (n *Node[R]) onFlushFailure(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	if n.durable {
		n.durable = false
		log.Printf("[NODE-%s] Log failed to flush, refusing writes: %v", n.id, err)
		n.updateHealthLocked()
		publish(n.broker, DurabilityChanged, DurabilityChangedEvent{Durable: false, Err: err})
	}
	n.failWaitersLocked(fmt.Errorf("%w: %w", ErrNotDurable, err))
}

// Compact discards the log up to the last index the state machine has persisted. Discarded entries stay readable
// through the log's retention window. It returns the new discard boundary.
func (n *Node[R]) Compact() (raft.LogPosition, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return raft.LogPosition{}, ErrNodeClosed
	}

	prev := n.log.Prev()
	upTo := min(n.sm.LastFlushed(), n.applier.LastApplied())
	if upTo <= prev.Index {
		return prev, nil
	}
	term, ok := n.log.Term(upTo)
	if !ok {
		return prev, fmt.Errorf("failed to compact: %w: index %d", raft.ErrEntryNotFound, upTo)
	}

	// The stored configuration has to cover the config entries about to go away
	if err := n.log.StoreConfiguration(n.committedConfigurationLocked()); err != nil {
		return prev, fmt.Errorf("failed to store configuration before compaction: %w", err)
	}
	pos := raft.LogPosition{Term: term, Index: upTo}
	if err := n.log.Discard(pos); err != nil {
		return prev, fmt.Errorf("failed to discard log up to %s: %w", pos, err)
	}
	n.meta.Discard(pos)

	log.Printf("[NODE-%s] Compacted log up to %s", n.id, pos)
	return pos, nil
}

// Serve serves the gRPC health service on lis until Shutdown
func (n *Node[R]) Serve(lis net.Listener) error {
	log.Printf("[NODE-%s] Serving health checks on %s", n.id, lis.Addr())
	return n.grpcServer.Serve(lis)
}

// Shutdown stops the node, fails waiting proposals with ErrNodeClosed and closes the log. It is safe to call more
// than once.
func (n *Node[R]) Shutdown() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.failWaitersLocked(ErrNodeClosed)
	n.health.Shutdown()
	n.mu.Unlock()

	log.Printf("[NODE-%s] Shutting down", n.id)
	n.grpcServer.GracefulStop()
	n.cancel()
	n.wg.Wait()

	var result *multierror.Error
	if err := n.log.Flush(); err != nil && !errors.Is(err, raft.ErrLogClosed) {
		result = multierror.Append(result, fmt.Errorf("failed to flush log: %w", err))
	}
	if err := n.log.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close log: %w", err))
	}
	return result.ErrorOrNil()
}

func (n *Node[R]) ID() raft.ServerID {
	return n.id
}

func (n *Node[R]) Term() raft.Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

func (n *Node[R]) CommitIndex() raft.LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// LastApplied is the index of the last entry applied to the state machine
func (n *Node[R]) LastApplied() raft.LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applier.LastApplied()
}

// Configuration returns the committed configuration
func (n *Node[R]) Configuration() membership.ConfigurationSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.committedConfigurationLocked()
}

// LatestConfiguration returns the configuration including a change that is not committed yet
func (n *Node[R]) LatestConfiguration() membership.Configuration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configSM.Value().Clone()
}

// Durable reports whether the last flush succeeded
func (n *Node[R]) Durable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.durable
}
