package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"raftcore/internal/raft"
)

func TestConfiguration_Apply(t *testing.T) {
	c := NewConfiguration([]raft.ServerID{"s1"}, nil)

	c.Apply(raft.ConfigChange{Type: raft.AddLearner, Server: "s2"})
	assert.True(t, c.IsLearner("s2"))
	assert.False(t, c.IsMember("s2"))

	c.Apply(raft.ConfigChange{Type: raft.AddMember, Server: "s2"})
	assert.True(t, c.IsMember("s2"))
	assert.False(t, c.IsLearner("s2"), "promotion moves the server out of the learners")

	c.Apply(raft.ConfigChange{Type: raft.AddLearner, Server: "s2"})
	assert.True(t, c.IsLearner("s2"), "demotion moves it back")

	c.Apply(raft.ConfigChange{Type: raft.RemoveServer, Server: "s2"})
	assert.False(t, c.Contains("s2"))

	assert.Panics(t, func() { c.Apply(raft.ConfigChange{Type: 42, Server: "s3"}) })
}

func TestConfiguration_CloneIsIndependent(t *testing.T) {
	c := NewConfiguration([]raft.ServerID{"s1"}, []raft.ServerID{"s2"})
	clone := c.Clone()

	clone.Apply(raft.ConfigChange{Type: raft.AddMember, Server: "s3"})

	assert.False(t, c.Contains("s3"))
	assert.False(t, c.Equal(clone))
	assert.Equal(t, "members=[s1] learners=[s2]", c.String())
}

func TestConfiguration_NewPrefersMembers(t *testing.T) {
	c := NewConfiguration([]raft.ServerID{"s2", "s1"}, []raft.ServerID{"s1", "s3"})
	assert.Equal(t, []raft.ServerID{"s1", "s2"}, c.Voters())
	assert.Equal(t, []raft.ServerID{"s3"}, c.LearnerIDs())
}

func TestConfiguration_QuorumSize(t *testing.T) {
	tests := []struct {
		members int
		want    int
	}{
		{members: 1, want: 1},
		{members: 2, want: 2},
		{members: 3, want: 2},
		{members: 4, want: 3},
		{members: 5, want: 3},
	}
	for _, tt := range tests {
		var ids []raft.ServerID
		for i := 0; i < tt.members; i++ {
			ids = append(ids, raft.ServerID(rune('a'+i)))
		}
		c := NewConfiguration(ids, []raft.ServerID{"learner"})
		assert.Equal(t, tt.want, c.QuorumSize(), "%d members", tt.members)
	}
}

func TestValidateChange(t *testing.T) {
	current := NewConfiguration([]raft.ServerID{"s1", "s2"}, []raft.ServerID{"s3"})

	tests := []struct {
		name   string
		change raft.ConfigChange
		want   error
	}{
		{name: "add learner", change: raft.ConfigChange{Type: raft.AddLearner, Server: "s4"}},
		{name: "promote learner", change: raft.ConfigChange{Type: raft.AddMember, Server: "s3"}},
		{name: "demote member", change: raft.ConfigChange{Type: raft.AddLearner, Server: "s2"}},
		{name: "remove learner", change: raft.ConfigChange{Type: raft.RemoveServer, Server: "s3"}},
		{name: "targets self", change: raft.ConfigChange{Type: raft.RemoveServer, Server: "s1"}, want: ErrChangeTargetsSelf},
		{name: "already learner", change: raft.ConfigChange{Type: raft.AddLearner, Server: "s3"}, want: ErrNoopChange},
		{name: "already member", change: raft.ConfigChange{Type: raft.AddMember, Server: "s2"}, want: ErrNoopChange},
		{name: "remove unknown", change: raft.ConfigChange{Type: raft.RemoveServer, Server: "s9"}, want: ErrNoopChange},
		{name: "unknown type", change: raft.ConfigChange{Type: 42, Server: "s9"}, want: ErrUnknownChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChange(current, tt.change, "s1")
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
