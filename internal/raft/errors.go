package raft

import "errors"

var (
	// ErrEntryNotFound is returned when a requested index or range is not fully present in the log
	ErrEntryNotFound = errors.New("raft: entry not found")
	// ErrLogGap is returned when an append would leave a hole in the log or land before its discard boundary
	ErrLogGap = errors.New("raft: append would create a gap in the log")
	// ErrSequenceRegressed is returned when an append carries a sequence that is not above every previous one
	ErrSequenceRegressed = errors.New("raft: log sequence regressed")
	// ErrTruncateCommitted is returned when a conflicting entry would truncate entries at or below the commit index
	// set with SetCommitIndex
	ErrTruncateCommitted = errors.New("raft: refusing to truncate committed entries")
	// ErrUnknownOperation is returned by a state machine that cannot decode a command
	ErrUnknownOperation = errors.New("raft: unknown state machine operation")
	// ErrLogClosed is returned by operations on a closed log
	ErrLogClosed = errors.New("raft: log is closed")
	// ErrMalformedEntry is returned by Append for an entry whose payload does not match its type
	ErrMalformedEntry = errors.New("raft: malformed log entry")
	// ErrCorruptEntry is returned when a persisted entry cannot be decoded or the stored log is not contiguous
	ErrCorruptEntry = errors.New("raft: corrupt log entry")
)
