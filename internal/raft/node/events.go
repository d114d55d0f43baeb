package node

import (
	"raftcore/internal/pubsub"
	"raftcore/internal/raft/membership"
)

// Topics published by a Node
const (
	// ConfigurationCommitted carries a ConfigurationCommittedEvent each time a membership change commits
	ConfigurationCommitted pubsub.Topic = iota + 1
	// DurabilityChanged carries a DurabilityChangedEvent when the log starts or stops accepting writes
	DurabilityChanged
)

type ConfigurationCommittedEvent struct {
	Snapshot membership.ConfigurationSnapshot
}

// DurabilityChangedEvent reports a flush failure (Durable false, Err set) or the recovery from one
type DurabilityChangedEvent struct {
	Durable bool
	Err     error
}
