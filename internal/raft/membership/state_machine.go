package membership

import (
	"fmt"

	"raftcore/internal/raft"
)

/*
Notes from Section 6 and Section 4.1 of the Raft dissertation

A server uses the latest configuration in its log, whether or not that entry is committed. So the configuration has to
move forward as soon as a config entry is appended, and move back if that entry is later removed by a conflicting
append from a new leader. Only the configuration as of the commit index is safe to persist.
*/

// ConfigurationSnapshot is a configuration as of a log index
type ConfigurationSnapshot struct {
	LastApplied raft.LogIndex
	Config      Configuration
}

// BootstrapSnapshot returns the snapshot of a brand new cluster made of the given members
func BootstrapSnapshot(members ...raft.ServerID) ConfigurationSnapshot {
	return ConfigurationSnapshot{Config: NewConfiguration(members, nil)}
}

// ConfigurationSnapshotRef is a read-only view of a configuration owned by a ConfigurationStateMachine.
// It is only valid until the next call that mutates the state machine.
type ConfigurationSnapshotRef struct {
	LastApplied raft.LogIndex
	Config      *Configuration
}

// Clone copies the referenced configuration into a snapshot that can outlive the state machine
func (r ConfigurationSnapshotRef) Clone() ConfigurationSnapshot {
	return ConfigurationSnapshot{LastApplied: r.LastApplied, Config: r.Config.Clone()}
}

// pendingChange is the undo record of the uncommitted config changes
type pendingChange struct {
	// lastChange is the index of the earliest uncommitted change
	lastChange raft.LogIndex
	// previous is the configuration before that change
	previous Configuration
}

// ConfigurationStateMachine derives the cluster configuration from the config entries in the log. It is not safe for
// concurrent use; the consensus module owns it.
type ConfigurationStateMachine struct {
	value       Configuration
	lastApplied raft.LogIndex
	pending     *pendingChange
	// commitIndex is the highest commit index passed to Apply or Commit
	commitIndex raft.LogIndex
}

// NewConfigurationStateMachine starts from a committed snapshot, either from bootstrap or restored from disk
func NewConfigurationStateMachine(snapshot ConfigurationSnapshot) *ConfigurationStateMachine {
	return &ConfigurationStateMachine{
		value:       snapshot.Config.Clone(),
		lastApplied: snapshot.LastApplied,
		commitIndex: snapshot.LastApplied,
	}
}

// Apply feeds the next appended entry. Entries must be applied in increasing index order; entries below
// LastApplied are ignored so the log can be replayed after a restart. A config change takes effect immediately.
// If it is not yet committed the configuration before it is kept, unless an older uncommitted change already
// recorded one.
func (m *ConfigurationStateMachine) Apply(entry *raft.LogEntry, commitIndex raft.LogIndex) {
	if commitIndex > m.commitIndex {
		m.commitIndex = commitIndex
	}
	if entry.Index() < m.lastApplied {
		return
	}

	if entry.Data.Type == raft.EntryConfig && entry.Data.Config != nil {
		if entry.Index() >= commitIndex && m.pending == nil {
			m.pending = &pendingChange{
				lastChange: entry.Index(),
				previous:   m.value.Clone(),
			}
		}
		m.value.Apply(*entry.Data.Config)
	}
	m.lastApplied = entry.Index()
}

// Revert is called after the log was truncated so that lastIndex is its last entry. An uncommitted change that was
// removed is rolled back. Reverting below the commit index is a caller bug and panics.
func (m *ConfigurationStateMachine) Revert(lastIndex raft.LogIndex) {
	if lastIndex < m.commitIndex {
		panic(fmt.Sprintf("membership: revert to %d would undo committed index %d", lastIndex, m.commitIndex))
	}

	if m.pending != nil && m.pending.lastChange > lastIndex {
		m.value = m.pending.previous
		m.pending = nil
	}
	m.lastApplied = lastIndex
}

// Commit tells the state machine the commit index advanced. It returns true when a pending change became
// committed, meaning Snapshot now returns a newer configuration that should be persisted.
func (m *ConfigurationStateMachine) Commit(commitIndex raft.LogIndex) bool {
	if commitIndex > m.commitIndex {
		m.commitIndex = commitIndex
	}
	if m.pending != nil && m.pending.lastChange <= commitIndex {
		m.pending = nil
		return true
	}
	return false
}

// Snapshot returns the committed configuration. While a change is pending that is the configuration before it.
func (m *ConfigurationStateMachine) Snapshot() ConfigurationSnapshotRef {
	if m.pending != nil {
		return ConfigurationSnapshotRef{
			LastApplied: m.pending.lastChange - 1,
			Config:      &m.pending.previous,
		}
	}
	return ConfigurationSnapshotRef{LastApplied: m.lastApplied, Config: &m.value}
}

// Value returns the latest configuration, committed or not
func (m *ConfigurationStateMachine) Value() *Configuration {
	return &m.value
}

func (m *ConfigurationStateMachine) LastApplied() raft.LogIndex {
	return m.lastApplied
}

// HasPending reports whether an applied change is still uncommitted
func (m *ConfigurationStateMachine) HasPending() bool {
	return m.pending != nil
}
