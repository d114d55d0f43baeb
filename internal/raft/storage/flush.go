package storage

import (
	"context"
	"log"
	"sync"
	"time"

	"raftcore/internal/raft"
)

// flushState is what a WaitForFlush caller observes
type flushState struct {
	prev    raft.LogPosition
	flushed raft.LogSequence
	// recoveries counts successful flushes that followed a failure, so a recovery wakes waiters even when
	// nothing new was flushed
	recoveries uint64
}

// flushNotifier implements Log.WaitForFlush for the backends in this package. Every change to prev or the flushed
// sequence closes the current changed channel and installs a new one, waking all waiters.
type flushNotifier struct {
	mu       sync.Mutex
	current  flushState
	observed flushState
	// err is the last flush failure that has not been reported yet. Each failure is returned by exactly one
	// WaitForFlush call, so a log that keeps failing keeps reporting.
	err     error
	failing bool
	closed  bool
	changed chan struct{}
}

func newFlushNotifier(prev raft.LogPosition, flushed raft.LogSequence) *flushNotifier {
	state := flushState{prev: prev, flushed: flushed}
	return &flushNotifier{
		current:  state,
		observed: state,
		changed:  make(chan struct{}),
	}
}

func (n *flushNotifier) lastFlushed() raft.LogSequence {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current.flushed
}

// setFlushed advances the flushed sequence. Lower values are ignored so LastFlushed never decreases.
func (n *flushNotifier) setFlushed(seq raft.LogSequence) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = nil
	changed := false
	if n.failing {
		n.failing = false
		n.current.recoveries++
		changed = true
	}
	if seq > n.current.flushed {
		n.current.flushed = seq
		changed = true
	}
	if changed {
		n.broadcastLocked()
	}
}

func (n *flushNotifier) setPrev(prev raft.LogPosition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev == n.current.prev {
		return
	}
	n.current.prev = prev
	n.broadcastLocked()
}

func (n *flushNotifier) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
	n.failing = true
	n.broadcastLocked()
}

// close wakes every waiter; subsequent waits return raft.ErrLogClosed
func (n *flushNotifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.broadcastLocked()
}

func (n *flushNotifier) broadcastLocked() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *flushNotifier) wait(ctx context.Context) error {
	for {
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return raft.ErrLogClosed
		}
		if n.err != nil {
			err := n.err
			n.err = nil
			n.mu.Unlock()
			return err
		}
		if n.current != n.observed {
			n.observed = n.current
			n.mu.Unlock()
			return nil
		}
		ch := n.changed
		n.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runFlusher calls flush every interval until stop is closed. It should be called as a goroutine; done is closed on
// exit so the owner can wait for the last flush to finish.
func runFlusher(name string, interval time.Duration, flush func() error, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[FLUSH] Started flusher for %s (interval=%v)", name, interval)

	failing := false
	for {
		select {
		case <-ticker.C:
			if err := flush(); err != nil {
				// Only log the transition, a broken disk fails every tick
				if !failing {
					log.Printf("[FLUSH] Flush of %s failed: %v", name, err)
				}
				failing = true
			} else if failing {
				log.Printf("[FLUSH] Flush of %s recovered", name)
				failing = false
			}
		case <-stop:
			log.Printf("[FLUSH] Stopping flusher for %s", name)
			return
		}
	}
}
