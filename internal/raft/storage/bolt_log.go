package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"go.etcd.io/bbolt"

	"raftcore/internal/raft"
	"raftcore/internal/raft/membership"
)

var (
	// Bucket names
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	// Metadata keys
	prevKey          = []byte("prev")
	flushedSeqKey    = []byte("flushed_seq")
	configurationKey = []byte("configuration")
)

// BoltLogOptions configures a BoltLog
type BoltLogOptions struct {
	// FlushInterval is how often the background flusher syncs the file. 0 disables it, leaving Flush to the caller.
	FlushInterval time.Duration
	// RetainedEntries is how many discarded entries stay in the file for RetainedEntry
	RetainedEntries uint64
	// CacheSize is the number of decoded entries kept in memory
	CacheSize int
	// OpenTimeout bounds the wait for the file lock held by another process
	OpenTimeout time.Duration
	Metrics     raft.MetricsCollector
}

// DefaultBoltLogOptions returns sensible defaults for a BoltLog
func DefaultBoltLogOptions() BoltLogOptions {
	return BoltLogOptions{
		FlushInterval:   10 * time.Millisecond,
		RetainedEntries: 1024,
		CacheSize:       512,
		OpenTimeout:     time.Second,
		Metrics:         raft.NopMetrics{},
	}
}

// BoltLog is a durable raft.Log stored in a bbolt file. Appends, truncations and discards only change the
// in-memory state, where readers see them right away. Flush writes everything since the previous flush in one synced
// bbolt transaction, so every flush is a group commit and the file always holds a consistent, fully synced history.
type BoltLog struct {
	// mu serializes writers against readers so a truncate-then-append is never observed half done. Flush holds it
	// while writing so the state it persists is exactly the state it reports as flushed.
	mu   sync.RWMutex
	db   *bbolt.DB
	path string
	meta *LogMetadata
	// lastSeq is the highest sequence ever appended. It can be above meta.Last().Seq after a truncation.
	lastSeq raft.LogSequence
	// committed is the highest index a truncation may not reach
	committed raft.LogIndex

	// tail holds the entries appended since the last flush, the first one at tailStart. Stored entries at or above
	// tailStart were truncated and are deleted by the next flush. When tail is empty tailStart is LastIndex()+1.
	tail      []*raft.LogEntry
	tailStart raft.LogIndex
	// dropStored is set by a discard that left the local history: none of the stored entries are kept
	dropStored bool
	// prevDirty is set when prev moved since the last flush
	prevDirty bool

	closed bool
	// cache only holds entries that are already stored in the file
	cache *lru.Cache
	opts  BoltLogOptions
	flush *flushNotifier

	// updateFn runs a read-write transaction. bbolt syncs the file before Update returns.
	updateFn func(fn func(*bbolt.Tx) error) error

	stopCh chan struct{}
	doneCh chan struct{}
}

// OpenBoltLog opens or creates the log stored at path and recovers its state
func OpenBoltLog(path string, opts BoltLogOptions) (*BoltLog, error) {
	if opts.Metrics == nil {
		opts.Metrics = raft.NopMetrics{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultBoltLogOptions().CacheSize
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt log: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return fmt.Errorf("failed to create entries bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entry cache: %w", err)
	}

	l := &BoltLog{
		db:       db,
		path:     path,
		cache:    cache,
		opts:     opts,
		updateFn: db.Update,
	}
	if err := l.recover(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.FlushInterval > 0 {
		l.stopCh = make(chan struct{})
		l.doneCh = make(chan struct{})
		go runFlusher(path, opts.FlushInterval, l.Flush, l.stopCh, l.doneCh)
	}
	return l, nil
}

// recover rebuilds the metadata from the file. Recovered entries get sequences above the last persisted flushed
// sequence, so the LastFlushed reported after a restart is never below one reported before it.
func (l *BoltLog) recover() error {
	var prev storedPosition
	var base uint64

	err := l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(prevKey); v != nil {
			if err := decodeMsgpack(v, &prev); err != nil {
				return fmt.Errorf("failed to decode prev: %w", err)
			}
		}
		if v := meta.Get(flushedSeqKey); v != nil {
			base = bytesToUint64(v)
		}

		l.meta = NewLogMetadata(prev.position(), raft.LogSequence(base))
		next := prev.Index + 1
		seq := raft.LogSequence(base)

		cursor := tx.Bucket(entriesBucket).Cursor()
		for k, v := cursor.Seek(uint64ToBytes(next)); k != nil; k, v = cursor.Next() {
			index := bytesToUint64(k)
			if index != next {
				return fmt.Errorf("%w: expected index %d, found %d", raft.ErrCorruptEntry, next, index)
			}
			entry, err := raft.DecodeLogEntry(v)
			if err != nil {
				return fmt.Errorf("failed to decode entry %d: %w", index, err)
			}
			if uint64(entry.Index()) != index {
				return fmt.Errorf("%w: entry %s stored under index %d", raft.ErrCorruptEntry, entry.Pos, index)
			}
			seq = seq.Next()
			l.meta.Append(LogOffset{Pos: entry.Pos, Seq: seq})
			next++
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Everything read back is already synced. Persist the sequence so a truncation before the next flush cannot
	// make a later recovery report less.
	l.lastSeq = l.meta.Last().Seq
	l.tailStart = l.meta.Last().Pos.Index + 1
	err = l.updateFn(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(flushedSeqKey, uint64ToBytes(uint64(l.lastSeq)))
	})
	if err != nil {
		return fmt.Errorf("failed to persist flushed sequence: %w", err)
	}

	l.flush = newFlushNotifier(l.meta.Prev().Pos, l.lastSeq)
	log.Printf("[BOLT-LOG] Recovered %s: prev=%s last=%d seq=%d", l.path, l.meta.Prev().Pos, l.meta.Last().Pos.Index, l.lastSeq)
	return nil
}

func (l *BoltLog) Term(index raft.LogIndex) (raft.Term, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	offset, ok := l.meta.Lookup(index)
	if !ok {
		return 0, false
	}
	return offset.Pos.Term, true
}

func (l *BoltLog) Prev() raft.LogPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.Prev().Pos
}

func (l *BoltLog) LastIndex() raft.LogIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.Last().Pos.Index
}

func (l *BoltLog) Entry(index raft.LogIndex) (*raft.LogEntry, raft.LogSequence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, 0, raft.ErrLogClosed
	}
	offset, ok := l.meta.Lookup(index)
	if !ok || index == l.meta.Prev().Pos.Index {
		return nil, 0, fmt.Errorf("%w: index %d", raft.ErrEntryNotFound, index)
	}

	entry, err := l.readEntryLocked(index)
	if err != nil {
		return nil, 0, err
	}
	return entry, offset.Seq, nil
}

func (l *BoltLog) Entries(start, end raft.LogIndex) ([]*raft.LogEntry, raft.LogSequence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, 0, raft.ErrLogClosed
	}
	if start > end || start <= l.meta.Prev().Pos.Index || end > l.meta.Last().Pos.Index {
		return nil, 0, fmt.Errorf("%w: range [%d, %d]", raft.ErrEntryNotFound, start, end)
	}

	entries := make([]*raft.LogEntry, 0, end-start+1)
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		for index := start; index <= end; index++ {
			entry, err := l.lookupLocked(bucket, index)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	offset, _ := l.meta.Lookup(end)
	return entries, offset.Seq, nil
}

// readEntryLocked reads one entry from the tail or the file. l.mu must be held.
func (l *BoltLog) readEntryLocked(index raft.LogIndex) (*raft.LogEntry, error) {
	if entry, ok := l.tailEntryLocked(index); ok {
		return entry, nil
	}

	var entry *raft.LogEntry
	err := l.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = l.lookupLocked(tx.Bucket(entriesBucket), index)
		return err
	})
	return entry, err
}

func (l *BoltLog) tailEntryLocked(index raft.LogIndex) (*raft.LogEntry, bool) {
	if index < l.tailStart || index >= l.tailStart+raft.LogIndex(len(l.tail)) {
		return nil, false
	}
	return l.tail[index-l.tailStart], true
}

// lookupLocked reads index from the tail, the cache or bucket, in that order
func (l *BoltLog) lookupLocked(bucket *bbolt.Bucket, index raft.LogIndex) (*raft.LogEntry, error) {
	if entry, ok := l.tailEntryLocked(index); ok {
		return entry, nil
	}
	if l.dropStored {
		return nil, fmt.Errorf("%w: index %d", raft.ErrEntryNotFound, index)
	}
	if cached, ok := l.cache.Get(index); ok {
		return cached.(*raft.LogEntry), nil
	}
	entry, err := decodeStored(bucket, index)
	if err != nil {
		return nil, err
	}
	l.cache.Add(index, entry)
	return entry, nil
}

func decodeStored(bucket *bbolt.Bucket, index raft.LogIndex) (*raft.LogEntry, error) {
	data := bucket.Get(uint64ToBytes(uint64(index)))
	if data == nil {
		return nil, fmt.Errorf("%w: index %d", raft.ErrEntryNotFound, index)
	}
	entry, err := raft.DecodeLogEntry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry %d: %w", index, err)
	}
	return entry, nil
}

func (l *BoltLog) Append(entry *raft.LogEntry, seq raft.LogSequence) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return raft.ErrLogClosed
	}

	index := entry.Index()
	prev, last := l.meta.Prev().Pos, l.meta.Last().Pos
	if index <= prev.Index || index > last.Index+1 {
		return fmt.Errorf("%w: append at %s, log spans (%d, %d]", raft.ErrLogGap, entry.Pos, prev.Index, last.Index)
	}
	if err := entry.Data.Validate(); err != nil {
		return fmt.Errorf("failed to append %s: %w", entry.Pos, err)
	}

	truncate := false
	if index <= last.Index {
		existing, _ := l.meta.Lookup(index)
		if existing.Pos.Term == entry.Term() {
			stored, err := l.readEntryLocked(index)
			if err != nil {
				return err
			}
			if stored.Equal(entry) {
				return nil
			}
			panic(fmt.Sprintf("raft: conflicting entry appended at %s with the same term", entry.Pos))
		}
		if index <= l.committed {
			return fmt.Errorf("%w: append at %s, committed up to %d", raft.ErrTruncateCommitted, entry.Pos, l.committed)
		}
		truncate = true
	}

	if seq <= l.lastSeq {
		return fmt.Errorf("%w: %d after %d", raft.ErrSequenceRegressed, seq, l.lastSeq)
	}

	// Truncation and append are one step for readers. The next flush deletes the stored suffix and writes the new
	// entries in the same transaction, so the file never holds half of it either.
	if len(l.tail) == 0 || index < l.tailStart {
		l.tail = []*raft.LogEntry{entry}
		l.tailStart = index
	} else {
		l.tail = append(l.tail[:index-l.tailStart], entry)
	}

	if truncate {
		for i := index; i <= last.Index; i++ {
			l.cache.Remove(i)
		}
		l.opts.Metrics.RecordTruncate(uint64(last.Index - index + 1))
	}
	l.meta.Append(LogOffset{Pos: entry.Pos, Seq: seq})
	l.lastSeq = seq
	l.opts.Metrics.RecordAppend()
	return nil
}

func (l *BoltLog) Discard(pos raft.LogPosition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return raft.ErrLogClosed
	}

	prev, last := l.meta.Prev().Pos, l.meta.Last().Pos
	if pos.Index <= prev.Index {
		return nil
	}

	ahead := pos.Index > last.Index
	if !ahead {
		if offset, _ := l.meta.Lookup(pos.Index); offset.Pos.Term != pos.Term {
			log.Printf("[BOLT-LOG] Discard to %s conflicts with local term %d, dropping all entries", pos, offset.Pos.Term)
			ahead = true
		}
	}

	if ahead {
		// Nothing stored belongs to the history that continues after pos
		l.tail = nil
		l.tailStart = pos.Index + 1
		l.dropStored = true
		l.cache.Purge()
	}
	l.meta.Discard(pos)
	l.prevDirty = true
	l.flush.setPrev(pos)
	l.opts.Metrics.RecordDiscard()
	return nil
}

// RetainedEntry returns a discarded entry that is still inside the retention window
func (l *BoltLog) RetainedEntry(index raft.LogIndex) (*raft.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, raft.ErrLogClosed
	}
	prev := l.meta.Prev().Pos.Index
	if index == 0 || index > prev || uint64(prev-index) >= l.opts.RetainedEntries {
		return nil, fmt.Errorf("%w: retained index %d", raft.ErrEntryNotFound, index)
	}
	return l.readEntryLocked(index)
}

// SetCommitIndex stops truncations from reaching index. Lower values than the current one are ignored.
func (l *BoltLog) SetCommitIndex(index raft.LogIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed = max(l.committed, index)
}

// Flush writes everything appended or discarded since the previous flush in one synced transaction and advances
// LastFlushed to the last sequence appended. A failure leaves the pending state in memory for the next flush and is
// also reported to the next WaitForFlush call.
func (l *BoltLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return raft.ErrLogClosed
	}
	target := l.lastSeq
	pending := len(l.tail) > 0 || l.dropStored || l.prevDirty
	if !pending && target <= l.flush.lastFlushed() {
		return nil
	}

	start := time.Now()
	var pruned []raft.LogIndex
	err := l.updateFn(func(tx *bbolt.Tx) error {
		var err error
		pruned, err = l.writePendingLocked(tx, target)
		return err
	})
	if err != nil {
		err = fmt.Errorf("failed to flush bolt log: %w", err)
		l.opts.Metrics.RecordFlushFailure()
		l.flush.fail(err)
		return err
	}

	for _, entry := range l.tail {
		l.cache.Add(entry.Index(), entry)
	}
	for _, index := range pruned {
		l.cache.Remove(index)
	}
	l.tail = nil
	l.tailStart = l.meta.Last().Pos.Index + 1
	l.dropStored = false
	l.prevDirty = false

	l.flush.setFlushed(target)
	l.opts.Metrics.RecordFlush(time.Since(start))
	return nil
}

// writePendingLocked applies the in-memory changes to tx and returns the retained entries it pruned
func (l *BoltLog) writePendingLocked(tx *bbolt.Tx, target raft.LogSequence) ([]raft.LogIndex, error) {
	bucket := tx.Bucket(entriesBucket)
	if l.dropStored {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return nil, fmt.Errorf("failed to drop entries: %w", err)
		}
		var err error
		if bucket, err = tx.CreateBucket(entriesBucket); err != nil {
			return nil, fmt.Errorf("failed to recreate entries bucket: %w", err)
		}
	} else if len(l.tail) > 0 {
		// Remove the suffix replaced by a truncation
		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(uint64ToBytes(uint64(l.tailStart))); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return nil, fmt.Errorf("failed to truncate entry %d: %w", bytesToUint64(k), err)
			}
		}
	}

	for _, entry := range l.tail {
		if err := bucket.Put(uint64ToBytes(uint64(entry.Index())), raft.EncodeLogEntry(entry)); err != nil {
			return nil, fmt.Errorf("failed to store entry %s: %w", entry.Pos, err)
		}
	}

	prev := l.meta.Prev().Pos
	meta := tx.Bucket(metaBucket)
	if l.prevDirty {
		stored, err := encodeMsgpack(toStoredPosition(prev))
		if err != nil {
			return nil, fmt.Errorf("failed to encode prev: %w", err)
		}
		if err := meta.Put(prevKey, stored); err != nil {
			return nil, fmt.Errorf("failed to store prev: %w", err)
		}
	}

	// Physical deletion lags the discard boundary by the retention window
	var pruned []raft.LogIndex
	if uint64(prev.Index) > l.opts.RetainedEntries {
		cutoff := prev.Index - raft.LogIndex(l.opts.RetainedEntries)
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && raft.LogIndex(bytesToUint64(k)) <= cutoff; k, _ = c.Next() {
			pruned = append(pruned, raft.LogIndex(bytesToUint64(k)))
		}
		for _, index := range pruned {
			if err := bucket.Delete(uint64ToBytes(uint64(index))); err != nil {
				return nil, fmt.Errorf("failed to remove entry %d: %w", index, err)
			}
		}
	}

	if err := meta.Put(flushedSeqKey, uint64ToBytes(uint64(target))); err != nil {
		return nil, fmt.Errorf("failed to store flushed sequence: %w", err)
	}
	return pruned, nil
}

func (l *BoltLog) LastFlushed() raft.LogSequence {
	return l.flush.lastFlushed()
}

func (l *BoltLog) LastSequence() raft.LogSequence {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *BoltLog) WaitForFlush(ctx context.Context) error {
	return l.flush.wait(ctx)
}

// StoreConfiguration durably records the committed configuration next to the log
func (l *BoltLog) StoreConfiguration(snapshot membership.ConfigurationSnapshot) error {
	data, err := encodeMsgpack(toStoredConfiguration(snapshot))
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	err = l.updateFn(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(configurationKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to store configuration: %w", err)
	}
	return nil
}

// LoadConfiguration returns the configuration stored by StoreConfiguration. ok is false if none was stored.
func (l *BoltLog) LoadConfiguration() (snapshot membership.ConfigurationSnapshot, ok bool, err error) {
	err = l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(configurationKey)
		if data == nil {
			return nil
		}
		var stored storedConfiguration
		if err := decodeMsgpack(data, &stored); err != nil {
			return fmt.Errorf("failed to decode configuration: %w", err)
		}
		snapshot, ok = stored.snapshot(), true
		return nil
	})
	return snapshot, ok, err
}

// LogStats summarizes the state of a BoltLog
type LogStats struct {
	Path          string
	Prev          raft.LogPosition
	LastIndex     raft.LogIndex
	FirstRetained raft.LogIndex
	LastFlushed   raft.LogSequence
	LastSequence  raft.LogSequence
	FileSize      int64
}

// Stats returns a summary of the log, used by the inspect command
func (l *BoltLog) Stats() (LogStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := LogStats{
		Path:         l.path,
		Prev:         l.meta.Prev().Pos,
		LastIndex:    l.meta.Last().Pos.Index,
		LastFlushed:  l.flush.lastFlushed(),
		LastSequence: l.lastSeq,
	}
	err := l.db.View(func(tx *bbolt.Tx) error {
		stats.FileSize = tx.Size()
		if l.dropStored {
			return nil
		}
		if k, _ := tx.Bucket(entriesBucket).Cursor().First(); k != nil {
			stats.FirstRetained = raft.LogIndex(bytesToUint64(k))
		}
		return nil
	})
	if stats.FirstRetained == 0 && len(l.tail) > 0 {
		stats.FirstRetained = l.tailStart
	}
	return stats, err
}

// Close stops the background flusher, flushes what is left and closes the file
func (l *BoltLog) Close() error {
	if l.stopCh != nil {
		close(l.stopCh)
		<-l.doneCh
		l.stopCh = nil
	}

	var result error
	if err := l.Flush(); err != nil && !errors.Is(err, raft.ErrLogClosed) {
		result = multierror.Append(result, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.flush.close()
	if err := l.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close bolt log: %w", err))
	}
	if result != nil {
		log.Printf("[BOLT-LOG] Closed %s with errors: %v", l.path, result)
	}
	return result
}
