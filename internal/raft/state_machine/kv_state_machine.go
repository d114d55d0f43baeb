package state_machine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"raftcore/internal/raft"
)

// MemoryKVStateMachine is a simple in-memory key-value store that implements the StateMachine interface.
// It never snapshots, so a restarted process rebuilds it by replaying the log.
type MemoryKVStateMachine struct {
	mu    sync.RWMutex
	store map[string][]byte
	id    raft.ServerID // Server ID for logging
}

// NewMemoryKVStateMachine creates a new key-value state machine
func NewMemoryKVStateMachine(serverID raft.ServerID) *MemoryKVStateMachine {
	return &MemoryKVStateMachine{
		store: make(map[string][]byte),
		id:    serverID,
	}
}

// Apply applies a command encoded with EncodeSet or EncodeDelete. Commands that cannot be decoded are rejected
// before the store is touched.
func (kv *MemoryKVStateMachine) Apply(index raft.LogIndex, data []byte) (KeyValueReturn, error) {
	op, err := DecodeOperation(data)
	if err != nil {
		log.Printf("[KV-SM-%s] Rejected command (index=%d): %v", kv.id, index, err)
		return KeyValueReturn{}, fmt.Errorf("failed to apply index %d: %w", index, err)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch op.Type {
	case OpSet:
		kv.store[string(op.Key)] = op.Value
		log.Printf("[KV-SM-%s] Applied SET: %s=%s (index=%d)", kv.id, op.Key, op.Value, index)
		return KeyValueReturn{Success: true}, nil
	case OpDelete:
		_, existed := kv.store[string(op.Key)]
		delete(kv.store, string(op.Key))
		log.Printf("[KV-SM-%s] Applied DEL: %s existed=%v (index=%d)", kv.id, op.Key, existed, index)
		return KeyValueReturn{Success: existed}, nil
	default:
		return KeyValueReturn{}, fmt.Errorf("failed to apply index %d: %w: %s", index, raft.ErrUnknownOperation, op.Type)
	}
}

// Get retrieves a value from the state machine. Reads bypass the log, so they are not linearizable: a write that
// was just committed may not be visible yet.
func (kv *MemoryKVStateMachine) Get(key []byte) ([]byte, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[string(key)]
	return value, ok
}

// GetAll returns a copy of every key-value pair. Like Get, it is not linearizable.
func (kv *MemoryKVStateMachine) GetAll() map[string][]byte {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	all := make(map[string][]byte, len(kv.store))
	for k, v := range kv.store {
		all[k] = v
	}
	return all
}

// Len returns the number of keys
func (kv *MemoryKVStateMachine) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}

// LastFlushed is always 0, nothing is ever persisted
func (kv *MemoryKVStateMachine) LastFlushed() raft.LogIndex {
	return 0
}

// WaitForFlush blocks until ctx is done since no snapshot will ever become available
func (kv *MemoryKVStateMachine) WaitForFlush(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (kv *MemoryKVStateMachine) Snapshot() (*Snapshot, bool) {
	return nil, false
}

// Restore is a no-op, a fresh process has nothing to restore
func (kv *MemoryKVStateMachine) Restore(*Snapshot) error {
	return nil
}
