package raft

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Term is the election epoch of an entry, as defined in Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf)
type Term uint64

// LogIndex is the 1-based position of an entry in the log. Index 0 is the position before the first entry.
type LogIndex uint64

// LogPosition identifies an entry by its (Term, Index) pair. Two entries in different logs with the same position
// store the same data (Log Matching Property, Section 5.3)
type LogPosition struct {
	Term  Term
	Index LogIndex
}

// String returns the string representation of the LogPosition
func (p LogPosition) String() string {
	return fmt.Sprintf("(t%d, i%d)", p.Term, p.Index)
}

// LogSequence is a durability generation counter. It is attached to every appended entry and is unrelated to the
// entry's LogIndex: after a truncation the same index is appended again with a higher sequence.
type LogSequence uint64

// Zero returns the sentinel sequence that precedes every real one
func (LogSequence) Zero() LogSequence {
	return 0
}

// Next returns the sequence following s
func (s LogSequence) Next() LogSequence {
	return s + 1
}

// ServerID is the id of the server in the cluster
type ServerID string

// NewServerID generates a random ServerID
func NewServerID() ServerID {
	return ServerID(uuid.New().String())
}

// A ConfigChangeType is the kind of membership mutation carried by a ConfigChange
type ConfigChangeType uint8

// As Golang does not support Enums this is a common pattern for implementing one
const (
	// AddLearner adds a server that receives entries but does not vote
	AddLearner ConfigChangeType = iota + 1
	// AddMember promotes a server (or adds a new one) to a voting member
	AddMember
	// RemoveServer removes a server from both the members and learners
	RemoveServer
)

// String returns the string representation of the ConfigChangeType
func (t ConfigChangeType) String() string {
	switch t {
	case AddLearner:
		return "AddLearner"
	case AddMember:
		return "AddMember"
	case RemoveServer:
		return "RemoveServer"
	default:
		return "Unknown"
	}
}

// ConfigChange is a single membership change. Changes are applied one server at a time (Section 4.1 of the Raft
// dissertation), so a change never needs joint consensus.
type ConfigChange struct {
	Type   ConfigChangeType
	Server ServerID
}

func (c ConfigChange) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.Server)
}

// LogEntryType is the kind of data an entry carries
type LogEntryType uint8

const (
	// EntryCommand carries opaque state machine command bytes
	EntryCommand LogEntryType = iota + 1
	// EntryConfig carries a ConfigChange
	EntryConfig
	// EntryNoop carries nothing. A new leader appends one to commit entries from earlier terms (Section 8)
	EntryNoop
)

func (t LogEntryType) String() string {
	switch t {
	case EntryCommand:
		return "Command"
	case EntryConfig:
		return "Config"
	case EntryNoop:
		return "Noop"
	default:
		return "Unknown"
	}
}

// LogEntryData is the payload of a LogEntry. Exactly one of Command or Config is set, matching Type.
type LogEntryData struct {
	Type    LogEntryType
	Command []byte
	Config  *ConfigChange
}

// NewCommandData wraps opaque command bytes
func NewCommandData(command []byte) LogEntryData {
	return LogEntryData{Type: EntryCommand, Command: command}
}

// NewConfigData wraps a membership change
func NewConfigData(change ConfigChange) LogEntryData {
	return LogEntryData{Type: EntryConfig, Config: &change}
}

// NoopData is the payload of an empty entry
func NoopData() LogEntryData {
	return LogEntryData{Type: EntryNoop}
}

// Equal reports whether both payloads carry the same data
func (d LogEntryData) Equal(other LogEntryData) bool {
	if d.Type != other.Type {
		return false
	}
	switch d.Type {
	case EntryCommand:
		return bytes.Equal(d.Command, other.Command)
	case EntryConfig:
		if d.Config == nil || other.Config == nil {
			return d.Config == other.Config
		}
		return *d.Config == *other.Config
	default:
		return true
	}
}

// Validate checks that the payload matches its type, so an entry that could not be decoded again is never stored
func (d LogEntryData) Validate() error {
	switch d.Type {
	case EntryCommand, EntryNoop:
		return nil
	case EntryConfig:
		if d.Config == nil {
			return fmt.Errorf("%w: config entry without a change", ErrMalformedEntry)
		}
		switch d.Config.Type {
		case AddLearner, AddMember, RemoveServer:
			return nil
		default:
			return fmt.Errorf("%w: unknown config change type %d", ErrMalformedEntry, d.Config.Type)
		}
	default:
		return fmt.Errorf("%w: unknown entry type %d", ErrMalformedEntry, d.Type)
	}
}

// LogEntry is one unit of replicated data. Entries are immutable once appended; a truncation replaces them with
// new entries rather than modifying them.
type LogEntry struct {
	Pos  LogPosition
	Data LogEntryData
}

// NewLogEntry creates a LogEntry at the given position
func NewLogEntry(term Term, index LogIndex, data LogEntryData) *LogEntry {
	return &LogEntry{Pos: LogPosition{Term: term, Index: index}, Data: data}
}

func (e *LogEntry) Index() LogIndex {
	return e.Pos.Index
}

func (e *LogEntry) Term() Term {
	return e.Pos.Term
}

// Equal reports whether e and other have the same position and payload
func (e *LogEntry) Equal(other *LogEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Pos == other.Pos && e.Data.Equal(other.Data)
}

func (e *LogEntry) String() string {
	switch e.Data.Type {
	case EntryCommand:
		return fmt.Sprintf("%s Command[%d bytes]", e.Pos, len(e.Data.Command))
	case EntryConfig:
		return fmt.Sprintf("%s Config[%s]", e.Pos, e.Data.Config)
	default:
		return fmt.Sprintf("%s %s", e.Pos, e.Data.Type)
	}
}
