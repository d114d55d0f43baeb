package node

import (
	"context"
	"errors"
	"log"
	"time"

	"raftcore/internal/raft"
)

/*
Background jobs of a Node. Each one exits when the context passed by New is cancelled, which Shutdown does before
closing the log, so no job outlives the node.
*/

// runCommitJob turns flushes into commits. It should be called as a goroutine.
func (n *Node[R]) runCommitJob(ctx context.Context) {
	defer n.wg.Done()
	log.Printf("[JOB] Started commit job for node %s", n.id)

	for {
		err := n.log.WaitForFlush(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, raft.ErrLogClosed):
			log.Printf("[JOB] Stopping commit job for node %s", n.id)
			return
		case err != nil:
			n.onFlushFailure(err)
		default:
			n.onFlushed()
		}
	}
}

// runCompactionJob calls Compact every interval. It should be called as a goroutine.
func (n *Node[R]) runCompactionJob(ctx context.Context, interval time.Duration) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := n.Compact(); err != nil {
				log.Printf("[JOB] [NODE-%s] Compaction failed: %v", n.id, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
