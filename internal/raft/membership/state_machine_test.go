package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func commandEntry(index raft.LogIndex) *raft.LogEntry {
	return raft.NewLogEntry(1, index, raft.NewCommandData([]byte("cmd")))
}

func configEntry(index raft.LogIndex, changeType raft.ConfigChangeType, server raft.ServerID) *raft.LogEntry {
	return raft.NewLogEntry(1, index, raft.NewConfigData(raft.ConfigChange{Type: changeType, Server: server}))
}

func TestConfigurationStateMachine_Rollback(t *testing.T) {
	sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))
	before := sm.Value().Clone()

	sm.Apply(commandEntry(1), 1)
	sm.Apply(commandEntry(2), 1)
	sm.Apply(configEntry(3, raft.AddLearner, "s2"), 1)
	sm.Apply(commandEntry(4), 1)
	sm.Apply(commandEntry(5), 1)

	assert.True(t, sm.HasPending())
	assert.True(t, sm.Value().IsLearner("s2"), "a change takes effect before it commits")
	assert.Equal(t, raft.LogIndex(5), sm.LastApplied())

	sm.Revert(2)

	assert.False(t, sm.HasPending())
	assert.True(t, before.Equal(*sm.Value()), "got %s", sm.Value())
	assert.Equal(t, raft.LogIndex(2), sm.LastApplied())

	snapshot := sm.Snapshot()
	assert.LessOrEqual(t, snapshot.LastApplied, raft.LogIndex(2))
	assert.True(t, before.Equal(*snapshot.Config))
}

func TestConfigurationStateMachine_Commit(t *testing.T) {
	t.Run("commit clears pending", func(t *testing.T) {
		sm := NewConfigurationStateMachine(ConfigurationSnapshot{
			LastApplied: 6,
			Config:      NewConfiguration([]raft.ServerID{"s1"}, nil),
		})

		sm.Apply(configEntry(7, raft.AddMember, "s2"), 6)
		require.True(t, sm.HasPending())

		snapshot := sm.Snapshot()
		assert.Equal(t, raft.LogIndex(6), snapshot.LastApplied)
		assert.False(t, snapshot.Config.IsMember("s2"), "pending changes are never exposed")

		assert.True(t, sm.Commit(7))
		assert.False(t, sm.HasPending())

		snapshot = sm.Snapshot()
		assert.Equal(t, raft.LogIndex(7), snapshot.LastApplied)
		assert.Same(t, sm.Value(), snapshot.Config)
		assert.True(t, snapshot.Config.IsMember("s2"))
	})

	t.Run("commit below the change keeps it pending", func(t *testing.T) {
		sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))
		sm.Apply(commandEntry(1), 0)
		sm.Apply(configEntry(2, raft.AddLearner, "s2"), 0)

		assert.False(t, sm.Commit(1))
		assert.True(t, sm.HasPending())
		assert.False(t, sm.Commit(1), "nothing new to persist")
	})

	t.Run("already committed entry is not pending", func(t *testing.T) {
		sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))
		sm.Apply(configEntry(1, raft.AddLearner, "s2"), 2)

		assert.False(t, sm.HasPending())
		assert.True(t, sm.Snapshot().Config.IsLearner("s2"))
		assert.False(t, sm.Commit(2))
	})
}

func TestConfigurationStateMachine_PendingKeepsOldest(t *testing.T) {
	sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))

	sm.Apply(configEntry(1, raft.AddLearner, "s2"), 0)
	sm.Apply(configEntry(2, raft.AddMember, "s2"), 0)
	sm.Apply(configEntry(3, raft.AddLearner, "s3"), 0)

	assert.True(t, sm.Value().IsMember("s2"))
	assert.True(t, sm.Value().IsLearner("s3"))

	snapshot := sm.Snapshot()
	assert.Equal(t, raft.LogIndex(0), snapshot.LastApplied)
	assert.Equal(t, []raft.ServerID{"s1"}, snapshot.Config.Voters())
	assert.Empty(t, snapshot.Config.LearnerIDs())

	// Rolling back past the first change restores the configuration before all of them
	sm.Revert(0)
	assert.False(t, sm.HasPending())
	assert.True(t, NewConfiguration([]raft.ServerID{"s1"}, nil).Equal(*sm.Value()))
}

func TestConfigurationStateMachine_Revert(t *testing.T) {
	t.Run("truncation after the pending change keeps it", func(t *testing.T) {
		sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))
		sm.Apply(configEntry(1, raft.AddLearner, "s2"), 0)
		sm.Apply(commandEntry(2), 0)
		sm.Apply(commandEntry(3), 0)

		sm.Revert(1)
		assert.True(t, sm.HasPending())
		assert.True(t, sm.Value().IsLearner("s2"))
		assert.Equal(t, raft.LogIndex(1), sm.LastApplied())
	})

	t.Run("truncation without pending change", func(t *testing.T) {
		sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))
		sm.Apply(commandEntry(1), 1)
		sm.Apply(commandEntry(2), 1)
		sm.Apply(commandEntry(3), 1)

		sm.Revert(1)
		assert.Equal(t, raft.LogIndex(1), sm.LastApplied())

		// The log grows again from the truncation point
		sm.Apply(configEntry(2, raft.AddLearner, "s9"), 1)
		assert.True(t, sm.Value().IsLearner("s9"))
		assert.True(t, sm.HasPending())
	})

	t.Run("reverting committed entries panics", func(t *testing.T) {
		sm := NewConfigurationStateMachine(BootstrapSnapshot("s1"))
		sm.Apply(commandEntry(1), 0)
		sm.Apply(commandEntry(2), 0)
		sm.Commit(2)

		assert.Panics(t, func() { sm.Revert(1) })
	})

	t.Run("reverting below a restored snapshot panics", func(t *testing.T) {
		sm := NewConfigurationStateMachine(ConfigurationSnapshot{
			LastApplied: 10,
			Config:      NewConfiguration([]raft.ServerID{"s1"}, nil),
		})
		assert.Panics(t, func() { sm.Revert(9) })
	})
}

func TestConfigurationStateMachine_Replay(t *testing.T) {
	sm := NewConfigurationStateMachine(ConfigurationSnapshot{
		LastApplied: 3,
		Config:      NewConfiguration([]raft.ServerID{"s1", "s2"}, nil),
	})

	// Entries already covered by the snapshot are ignored
	sm.Apply(configEntry(2, raft.RemoveServer, "s2"), 3)
	assert.True(t, sm.Value().IsMember("s2"))
	assert.Equal(t, raft.LogIndex(3), sm.LastApplied())

	sm.Apply(configEntry(4, raft.RemoveServer, "s2"), 3)
	assert.False(t, sm.Value().Contains("s2"))
}
