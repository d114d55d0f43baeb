package raft

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the LogEntry wire format. The layout is protobuf compatible:
//
//	message LogEntry { uint64 term = 1; uint64 index = 2; uint32 type = 3; bytes command = 4; ConfigChange config = 5; }
//	message ConfigChange { uint32 type = 1; string server = 2; }
const (
	entryTermField    protowire.Number = 1
	entryIndexField   protowire.Number = 2
	entryTypeField    protowire.Number = 3
	entryCommandField protowire.Number = 4
	entryConfigField  protowire.Number = 5

	changeTypeField   protowire.Number = 1
	changeServerField protowire.Number = 2
)

// EncodeLogEntry serializes an entry into its wire format
func EncodeLogEntry(entry *LogEntry) []byte {
	b := make([]byte, 0, 16+len(entry.Data.Command))
	b = protowire.AppendTag(b, entryTermField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Pos.Term))
	b = protowire.AppendTag(b, entryIndexField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Pos.Index))
	b = protowire.AppendTag(b, entryTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(entry.Data.Type))

	switch entry.Data.Type {
	case EntryCommand:
		b = protowire.AppendTag(b, entryCommandField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry.Data.Command)
	case EntryConfig:
		if entry.Data.Config != nil {
			b = protowire.AppendTag(b, entryConfigField, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeConfigChange(*entry.Data.Config))
		}
	}
	return b
}

func encodeConfigChange(change ConfigChange) []byte {
	var b []byte
	b = protowire.AppendTag(b, changeTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(change.Type))
	b = protowire.AppendTag(b, changeServerField, protowire.BytesType)
	b = protowire.AppendString(b, string(change.Server))
	return b
}

// DecodeLogEntry parses an entry produced by EncodeLogEntry. Unknown fields are skipped.
func DecodeLogEntry(b []byte) (*LogEntry, error) {
	entry := &LogEntry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == entryTermField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: term: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			entry.Pos.Term = Term(v)
			n = m
		case num == entryIndexField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: index: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			entry.Pos.Index = LogIndex(v)
			n = m
		case num == entryTypeField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: type: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			if v > math.MaxUint8 {
				return nil, fmt.Errorf("%w: entry type %d out of range", ErrCorruptEntry, v)
			}
			entry.Data.Type = LogEntryType(v)
			n = m
		case num == entryCommandField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: command: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			entry.Data.Command = append([]byte{}, v...)
			n = m
		case num == entryConfigField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: config: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			change, err := decodeConfigChange(v)
			if err != nil {
				return nil, err
			}
			entry.Data.Config = &change
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptEntry, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	switch entry.Data.Type {
	case EntryCommand, EntryNoop:
	case EntryConfig:
		if entry.Data.Config == nil {
			return nil, fmt.Errorf("%w: config entry %s without a change", ErrCorruptEntry, entry.Pos)
		}
	default:
		return nil, fmt.Errorf("%w: unknown entry type %d", ErrCorruptEntry, entry.Data.Type)
	}
	return entry, nil
}

func decodeConfigChange(b []byte) (ConfigChange, error) {
	var change ConfigChange
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return change, fmt.Errorf("%w: %v", ErrCorruptEntry, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == changeTypeField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return change, fmt.Errorf("%w: change type: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			if v > math.MaxUint8 {
				return change, fmt.Errorf("%w: config change type %d out of range", ErrCorruptEntry, v)
			}
			change.Type = ConfigChangeType(v)
			n = m
		case num == changeServerField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return change, fmt.Errorf("%w: server: %v", ErrCorruptEntry, protowire.ParseError(m))
			}
			change.Server = ServerID(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return change, fmt.Errorf("%w: field %d: %v", ErrCorruptEntry, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}

	switch change.Type {
	case AddLearner, AddMember, RemoveServer:
		return change, nil
	default:
		return change, fmt.Errorf("%w: unknown config change type %d", ErrCorruptEntry, change.Type)
	}
}
