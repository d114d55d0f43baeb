package state_machine

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"raftcore/internal/raft"
)

// Wire format of a key-value operation, protobuf compatible:
//
//	message KeyValueOperation { oneof op { Set set = 1; Delete delete = 2; } }
//	message Set { bytes key = 1; bytes value = 2; }
//	message Delete { bytes key = 1; }
const (
	opSetField    protowire.Number = 1
	opDeleteField protowire.Number = 2
	keyField      protowire.Number = 1
	valueField    protowire.Number = 2
)

// OperationType is the kind of KeyValueOperation
type OperationType uint8

const (
	OpSet OperationType = iota + 1
	OpDelete
)

func (t OperationType) String() string {
	switch t {
	case OpSet:
		return "SET"
	case OpDelete:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// KeyValueOperation is a command understood by MemoryKVStateMachine
type KeyValueOperation struct {
	Type  OperationType
	Key   []byte
	Value []byte
}

// KeyValueReturn is the result of applying a KeyValueOperation. Set always succeeds, Delete succeeds if the key
// existed.
type KeyValueReturn struct {
	Success bool
}

// EncodeSet encodes an upsert of key
func EncodeSet(key, value []byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, keyField, protowire.BytesType)
	inner = protowire.AppendBytes(inner, key)
	inner = protowire.AppendTag(inner, valueField, protowire.BytesType)
	inner = protowire.AppendBytes(inner, value)

	b := protowire.AppendTag(nil, opSetField, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// EncodeDelete encodes the removal of key
func EncodeDelete(key []byte) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, keyField, protowire.BytesType)
	inner = protowire.AppendBytes(inner, key)

	b := protowire.AppendTag(nil, opDeleteField, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// DecodeOperation parses a command produced by EncodeSet or EncodeDelete. Anything else, including an empty command,
// is raft.ErrUnknownOperation.
func DecodeOperation(b []byte) (KeyValueOperation, error) {
	var op KeyValueOperation

	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return op, fmt.Errorf("%w: %v", raft.ErrUnknownOperation, protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return op, fmt.Errorf("%w: field %d has wire type %d", raft.ErrUnknownOperation, num, typ)
	}
	switch num {
	case opSetField:
		op.Type = OpSet
	case opDeleteField:
		op.Type = OpDelete
	default:
		return op, fmt.Errorf("%w: field %d", raft.ErrUnknownOperation, num)
	}

	inner, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return op, fmt.Errorf("%w: %v", raft.ErrUnknownOperation, protowire.ParseError(m))
	}
	if rest := b[n+m:]; len(rest) > 0 {
		return op, fmt.Errorf("%w: %d trailing bytes", raft.ErrUnknownOperation, len(rest))
	}

	for len(inner) > 0 {
		num, typ, n := protowire.ConsumeTag(inner)
		if n < 0 {
			return op, fmt.Errorf("%w: %v", raft.ErrUnknownOperation, protowire.ParseError(n))
		}
		inner = inner[n:]

		switch {
		case num == keyField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(inner)
			if m < 0 {
				return op, fmt.Errorf("%w: key: %v", raft.ErrUnknownOperation, protowire.ParseError(m))
			}
			op.Key = append([]byte{}, v...)
			n = m
		case num == valueField && typ == protowire.BytesType && op.Type == OpSet:
			v, m := protowire.ConsumeBytes(inner)
			if m < 0 {
				return op, fmt.Errorf("%w: value: %v", raft.ErrUnknownOperation, protowire.ParseError(m))
			}
			op.Value = append([]byte{}, v...)
			n = m
		default:
			return op, fmt.Errorf("%w: unexpected field %d in %s", raft.ErrUnknownOperation, num, op.Type)
		}
		inner = inner[n:]
	}

	if op.Key == nil {
		return op, fmt.Errorf("%w: %s without a key", raft.ErrUnknownOperation, op.Type)
	}
	return op, nil
}
