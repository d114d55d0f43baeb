package storage

import (
	"fmt"
	"sort"

	"raftcore/internal/raft"
)

// LogOffset pairs a position in the log with the sequence it was appended with
type LogOffset struct {
	Pos raft.LogPosition
	Seq raft.LogSequence
}

// LogMetadata tracks the term and sequence of every entry in a log without storing the entries. It keeps one offset
// per run of entries that share a term and have consecutive sequences, so a log written in a handful of terms costs a
// handful of offsets no matter how long it is.
//
// LogMetadata is not safe for concurrent use.
type LogMetadata struct {
	// offsets[0] is the discard boundary (prev). Every later offset starts a new run. Offsets are sorted by index and,
	// because sequences only grow, by sequence too.
	offsets []LogOffset
	last    LogOffset
}

// NewLogMetadata creates metadata for an empty log whose discard boundary is prev, appended at seq
func NewLogMetadata(prev raft.LogPosition, seq raft.LogSequence) *LogMetadata {
	start := LogOffset{Pos: prev, Seq: seq}
	return &LogMetadata{
		offsets: []LogOffset{start},
		last:    start,
	}
}

// Prev returns the discard boundary
func (m *LogMetadata) Prev() LogOffset {
	return m.offsets[0]
}

// Last returns the offset of the last entry, or Prev if the log is empty
func (m *LogMetadata) Last() LogOffset {
	return m.last
}

// Len returns the number of entries after the discard boundary
func (m *LogMetadata) Len() uint64 {
	return uint64(m.last.Pos.Index - m.offsets[0].Pos.Index)
}

// Lookup returns the offset of index, which may be Prev().Pos.Index
func (m *LogMetadata) Lookup(index raft.LogIndex) (LogOffset, bool) {
	if index < m.offsets[0].Pos.Index || index > m.last.Pos.Index {
		return LogOffset{}, false
	}

	// First run starting after index; the one before it contains index
	i := sort.Search(len(m.offsets), func(i int) bool {
		return m.offsets[i].Pos.Index > index
	})
	run := m.offsets[i-1]
	delta := index - run.Pos.Index

	return LogOffset{
		Pos: raft.LogPosition{Term: run.Pos.Term, Index: index},
		Seq: run.Seq + raft.LogSequence(delta),
	}, true
}

// LookupSeq returns the offset of the last entry whose sequence is <= seq. ok is false if seq precedes the discard
// boundary.
func (m *LogMetadata) LookupSeq(seq raft.LogSequence) (LogOffset, bool) {
	if seq < m.offsets[0].Seq {
		return LogOffset{}, false
	}
	if seq >= m.last.Seq {
		return m.last, true
	}

	i := sort.Search(len(m.offsets), func(i int) bool {
		return m.offsets[i].Seq > seq
	})
	run := m.offsets[i-1]

	// Sequences may jump between runs; never step into the next run
	limit := m.last.Pos.Index
	if i < len(m.offsets) {
		limit = m.offsets[i].Pos.Index - 1
	}
	index := run.Pos.Index + raft.LogIndex(seq-run.Seq)
	if index > limit {
		index = limit
	}

	return LogOffset{
		Pos: raft.LogPosition{Term: run.Pos.Term, Index: index},
		Seq: run.Seq + raft.LogSequence(index-run.Pos.Index),
	}, true
}

// Append records a new last entry. An offset at or below the current last index truncates the log first.
// It panics if the offset would leave a gap, lands at or before Prev, or does not increase the sequence.
func (m *LogMetadata) Append(offset LogOffset) {
	if offset.Pos.Index <= m.offsets[0].Pos.Index || offset.Pos.Index > m.last.Pos.Index+1 {
		panic(fmt.Sprintf("log metadata: append at %s outside (%s, %d]",
			offset.Pos, m.offsets[0].Pos, m.last.Pos.Index+1))
	}
	if offset.Seq <= m.last.Seq {
		panic(fmt.Sprintf("log metadata: sequence %d does not follow %d", offset.Seq, m.last.Seq))
	}

	if offset.Pos.Index <= m.last.Pos.Index {
		m.Truncate(offset.Pos.Index - 1)
	}

	// Extend the last run when the term and sequence continue it
	if offset.Pos.Term == m.last.Pos.Term && offset.Seq == m.last.Seq+1 {
		m.last = offset
		return
	}
	m.offsets = append(m.offsets, offset)
	m.last = offset
}

// Truncate removes every entry after index. It panics if index is outside [Prev, Last].
func (m *LogMetadata) Truncate(index raft.LogIndex) {
	last, ok := m.Lookup(index)
	if !ok {
		panic(fmt.Sprintf("log metadata: truncate to %d outside [%d, %d]",
			index, m.offsets[0].Pos.Index, m.last.Pos.Index))
	}

	i := sort.Search(len(m.offsets), func(i int) bool {
		return m.offsets[i].Pos.Index > index
	})
	m.offsets = m.offsets[:i]
	m.last = last
}

// Discard moves the discard boundary to pos. Positions at or before Prev are ignored. If pos lies beyond the last
// entry, or its term does not match the local entry at pos.Index, every entry is dropped and the log restarts after
// pos.
func (m *LogMetadata) Discard(pos raft.LogPosition) {
	if pos.Index <= m.offsets[0].Pos.Index {
		return
	}

	offset, ok := m.Lookup(pos.Index)
	if !ok || offset.Pos.Term != pos.Term {
		m.reset(pos)
		return
	}

	i := sort.Search(len(m.offsets), func(i int) bool {
		return m.offsets[i].Pos.Index > pos.Index
	})
	offsets := make([]LogOffset, 0, len(m.offsets)-i+1)
	offsets = append(offsets, offset)
	offsets = append(offsets, m.offsets[i:]...)
	m.offsets = offsets
	if m.last.Pos.Index == pos.Index {
		m.last = offset
	}
}

// reset drops every entry. The new boundary keeps the last sequence so later appends still have to increase it.
func (m *LogMetadata) reset(pos raft.LogPosition) {
	start := LogOffset{Pos: pos, Seq: m.last.Seq}
	m.offsets = []LogOffset{start}
	m.last = start
}
