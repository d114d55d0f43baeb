package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/hashicorp/go-msgpack/codec"

	"raftcore/internal/raft"
	"raftcore/internal/raft/membership"
)

// uint64ToBytes converts an uint64 to a byte slice. Big endian keeps bolt's byte-ordered keys in index order.
func uint64ToBytes(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// bytesToUint64 converts a byte slice to an uint64
func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// encodeMsgpack writes in into a new buffer using msgpack
func encodeMsgpack(in interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	err := enc.Encode(in)
	return buf.Bytes(), err
}

// decodeMsgpack reverses encodeMsgpack
func decodeMsgpack(buf []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(buf), &codec.MsgpackHandle{})
	return dec.Decode(out)
}

// storedPosition is the persisted form of a raft.LogPosition
type storedPosition struct {
	Term  uint64
	Index uint64
}

func toStoredPosition(pos raft.LogPosition) storedPosition {
	return storedPosition{Term: uint64(pos.Term), Index: uint64(pos.Index)}
}

func (p storedPosition) position() raft.LogPosition {
	return raft.LogPosition{Term: raft.Term(p.Term), Index: raft.LogIndex(p.Index)}
}

// storedConfiguration is the persisted form of a membership.ConfigurationSnapshot. Sets are stored as sorted lists so
// the encoding is deterministic.
type storedConfiguration struct {
	LastApplied uint64
	Members     []string
	Learners    []string
}

func toStoredConfiguration(snapshot membership.ConfigurationSnapshot) storedConfiguration {
	stored := storedConfiguration{LastApplied: uint64(snapshot.LastApplied)}
	for _, id := range snapshot.Config.Voters() {
		stored.Members = append(stored.Members, string(id))
	}
	for _, id := range snapshot.Config.LearnerIDs() {
		stored.Learners = append(stored.Learners, string(id))
	}
	return stored
}

func (c storedConfiguration) snapshot() membership.ConfigurationSnapshot {
	members := make([]raft.ServerID, len(c.Members))
	for i, id := range c.Members {
		members[i] = raft.ServerID(id)
	}
	learners := make([]raft.ServerID, len(c.Learners))
	for i, id := range c.Learners {
		learners[i] = raft.ServerID(id)
	}
	return membership.ConfigurationSnapshot{
		LastApplied: raft.LogIndex(c.LastApplied),
		Config:      membership.NewConfiguration(members, learners),
	}
}
