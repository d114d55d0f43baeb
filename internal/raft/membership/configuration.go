package membership

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"raftcore/internal/raft"
)

var (
	// ErrChangeTargetsSelf is returned for a change that would modify the role of the proposing server
	ErrChangeTargetsSelf = errors.New("membership: change targets the local server")
	// ErrNoopChange is returned for a change that would leave the configuration as it is
	ErrNoopChange = errors.New("membership: change does not modify the configuration")
	// ErrUnknownChange is returned for a change with an unknown type
	ErrUnknownChange = errors.New("membership: unknown change type")
)

// Configuration is the set of servers in the cluster. Members vote and count towards quorum, learners only receive
// entries. A server is never in both sets.
type Configuration struct {
	Members  map[raft.ServerID]struct{}
	Learners map[raft.ServerID]struct{}
}

// NewConfiguration creates a Configuration. A server listed in both slices ends up as a member.
func NewConfiguration(members, learners []raft.ServerID) Configuration {
	c := Configuration{
		Members:  make(map[raft.ServerID]struct{}, len(members)),
		Learners: make(map[raft.ServerID]struct{}, len(learners)),
	}
	for _, id := range learners {
		c.Learners[id] = struct{}{}
	}
	for _, id := range members {
		delete(c.Learners, id)
		c.Members[id] = struct{}{}
	}
	return c
}

// Apply performs a single membership change
func (c *Configuration) Apply(change raft.ConfigChange) {
	if c.Members == nil {
		c.Members = make(map[raft.ServerID]struct{})
	}
	if c.Learners == nil {
		c.Learners = make(map[raft.ServerID]struct{})
	}

	switch change.Type {
	case raft.AddLearner:
		delete(c.Members, change.Server)
		c.Learners[change.Server] = struct{}{}
	case raft.AddMember:
		delete(c.Learners, change.Server)
		c.Members[change.Server] = struct{}{}
	case raft.RemoveServer:
		delete(c.Members, change.Server)
		delete(c.Learners, change.Server)
	default:
		panic(fmt.Sprintf("membership: unknown change type %d", change.Type))
	}
}

// Clone returns a deep copy of c
func (c Configuration) Clone() Configuration {
	clone := Configuration{
		Members:  make(map[raft.ServerID]struct{}, len(c.Members)),
		Learners: make(map[raft.ServerID]struct{}, len(c.Learners)),
	}
	for id := range c.Members {
		clone.Members[id] = struct{}{}
	}
	for id := range c.Learners {
		clone.Learners[id] = struct{}{}
	}
	return clone
}

// Equal reports whether both configurations have the same members and learners
func (c Configuration) Equal(other Configuration) bool {
	return sameSet(c.Members, other.Members) && sameSet(c.Learners, other.Learners)
}

func sameSet(a, b map[raft.ServerID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (c Configuration) IsMember(id raft.ServerID) bool {
	_, ok := c.Members[id]
	return ok
}

func (c Configuration) IsLearner(id raft.ServerID) bool {
	_, ok := c.Learners[id]
	return ok
}

// Contains reports whether id is a member or a learner
func (c Configuration) Contains(id raft.ServerID) bool {
	return c.IsMember(id) || c.IsLearner(id)
}

// Voters returns the members in sorted order
func (c Configuration) Voters() []raft.ServerID {
	return sortedIDs(c.Members)
}

// LearnerIDs returns the learners in sorted order
func (c Configuration) LearnerIDs() []raft.ServerID {
	return sortedIDs(c.Learners)
}

func sortedIDs(set map[raft.ServerID]struct{}) []raft.ServerID {
	ids := make([]raft.ServerID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// QuorumSize returns the number of votes needed for a majority. Learners never count (Section 6).
func (c Configuration) QuorumSize() int {
	return len(c.Members)/2 + 1
}

func (c Configuration) String() string {
	join := func(ids []raft.ServerID) string {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = string(id)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("members=[%s] learners=[%s]", join(c.Voters()), join(c.LearnerIDs()))
}

// ValidateChange checks a change proposed by self against the current configuration. Changes that target self are
// rejected, so a server never demotes or removes itself, and so are changes that would not modify anything.
func ValidateChange(current Configuration, change raft.ConfigChange, self raft.ServerID) error {
	if change.Server == self {
		return fmt.Errorf("%w: %s", ErrChangeTargetsSelf, change)
	}

	switch change.Type {
	case raft.AddLearner:
		if current.IsLearner(change.Server) {
			return fmt.Errorf("%w: %s is already a learner", ErrNoopChange, change.Server)
		}
	case raft.AddMember:
		if current.IsMember(change.Server) {
			return fmt.Errorf("%w: %s is already a member", ErrNoopChange, change.Server)
		}
	case raft.RemoveServer:
		if !current.Contains(change.Server) {
			return fmt.Errorf("%w: %s is not in the configuration", ErrNoopChange, change.Server)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownChange, change.Type)
	}
	return nil
}
