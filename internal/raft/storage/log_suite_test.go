package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

// The tests in this file exercise the raft.Log contract and run against every backend in this package

type logFactory func(t *testing.T) raft.Log

func TestMemoryLog_Contract(t *testing.T) {
	runLogSuite(t, func(t *testing.T) raft.Log {
		return NewMemoryLog()
	})
}

func TestBoltLog_Contract(t *testing.T) {
	runLogSuite(t, func(t *testing.T) raft.Log {
		opts := DefaultBoltLogOptions()
		opts.FlushInterval = 0
		return createTempBoltLog(t, opts)
	})
}

func command(term raft.Term, index raft.LogIndex) *raft.LogEntry {
	return raft.NewLogEntry(term, index, raft.NewCommandData([]byte(fmt.Sprintf("cmd-%d-%d", term, index))))
}

// appendRange appends entries [from, to] with the given term, using the index as sequence offset by seqBase
func appendRange(t *testing.T, l raft.Log, term raft.Term, from, to raft.LogIndex, seqBase raft.LogSequence) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, l.Append(command(term, i), seqBase+raft.LogSequence(i)))
	}
}

func runLogSuite(t *testing.T, newLog logFactory) {
	t.Run("empty log", func(t *testing.T) {
		l := newLog(t)

		assert.Equal(t, raft.LogPosition{}, l.Prev())
		assert.Equal(t, raft.LogIndex(0), l.LastIndex())
		assert.Equal(t, raft.LogSequence(0), l.LastFlushed())

		term, ok := l.Term(0)
		assert.True(t, ok)
		assert.Equal(t, raft.Term(0), term)

		_, ok = l.Term(1)
		assert.False(t, ok)

		_, _, err := l.Entry(1)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
	})

	t.Run("append moves the tail", func(t *testing.T) {
		l := newLog(t)

		for i := raft.LogIndex(1); i <= 5; i++ {
			require.NoError(t, l.Append(command(1, i), raft.LogSequence(i)))
			assert.Equal(t, i, l.LastIndex())

			for j := raft.LogIndex(1); j <= i; j++ {
				term, ok := l.Term(j)
				require.True(t, ok)
				assert.Equal(t, raft.Term(1), term)
			}
		}

		entry, seq, err := l.Entry(3)
		require.NoError(t, err)
		assert.True(t, command(1, 3).Equal(entry))
		assert.Equal(t, raft.LogSequence(3), seq)

		entries, seq, err := l.Entries(2, 4)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, raft.LogIndex(2+i), e.Index())
		}
		assert.Equal(t, raft.LogSequence(4), seq)
		assert.Equal(t, raft.LogSequence(5), l.LastSequence())
	})

	t.Run("conflicting append truncates the tail", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 5, 0)

		require.NoError(t, l.Append(command(2, 3), 6))

		assert.Equal(t, raft.LogIndex(3), l.LastIndex())
		term, ok := l.Term(3)
		require.True(t, ok)
		assert.Equal(t, raft.Term(2), term)
		term, ok = l.Term(2)
		require.True(t, ok)
		assert.Equal(t, raft.Term(1), term)

		_, _, err := l.Entries(3, 5)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
		_, _, err = l.Entry(4)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)

		entry, seq, err := l.Entry(3)
		require.NoError(t, err)
		assert.True(t, command(2, 3).Equal(entry))
		assert.Equal(t, raft.LogSequence(6), seq)
	})

	t.Run("appending an identical entry is a no-op", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 3, 0)

		require.NoError(t, l.Append(command(1, 2), 4))

		assert.Equal(t, raft.LogIndex(3), l.LastIndex())
		assert.Equal(t, raft.LogSequence(3), l.LastSequence())
	})

	t.Run("different content with the same term panics", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 3, 0)

		conflicting := raft.NewLogEntry(1, 2, raft.NewCommandData([]byte("something else")))
		assert.Panics(t, func() {
			_ = l.Append(conflicting, 4)
		})
	})

	t.Run("committed entries cannot be truncated", func(t *testing.T) {
		l := newLog(t)
		guard, ok := l.(raft.CommitGuard)
		require.True(t, ok, "%T does not guard committed entries", l)
		appendRange(t, l, 1, 1, 3, 0)

		guard.SetCommitIndex(2)
		guard.SetCommitIndex(1)

		err := l.Append(command(2, 2), 4)
		assert.ErrorIs(t, err, raft.ErrTruncateCommitted)
		assert.Equal(t, raft.LogIndex(3), l.LastIndex())
		assert.Equal(t, raft.LogSequence(3), l.LastSequence())

		require.NoError(t, l.Append(command(2, 3), 4))
		term, _ := l.Term(3)
		assert.Equal(t, raft.Term(2), term)
	})

	t.Run("malformed entries are rejected", func(t *testing.T) {
		l := newLog(t)

		noConfig := raft.NewLogEntry(1, 1, raft.LogEntryData{Type: raft.EntryConfig})
		assert.ErrorIs(t, l.Append(noConfig, 1), raft.ErrMalformedEntry)

		unknown := raft.NewLogEntry(1, 1, raft.LogEntryData{Type: raft.LogEntryType(42)})
		assert.ErrorIs(t, l.Append(unknown, 1), raft.ErrMalformedEntry)
		assert.Equal(t, raft.LogIndex(0), l.LastIndex())

		valid := raft.NewLogEntry(1, 1, raft.NewConfigData(raft.ConfigChange{Type: raft.AddLearner, Server: "s1"}))
		require.NoError(t, l.Append(valid, 1))
	})

	t.Run("gaps are rejected", func(t *testing.T) {
		l := newLog(t)

		err := l.Append(command(1, 3), 1)
		assert.ErrorIs(t, err, raft.ErrLogGap)
		assert.Equal(t, raft.LogIndex(0), l.LastIndex())
	})

	t.Run("sequence must increase", func(t *testing.T) {
		l := newLog(t)
		require.NoError(t, l.Append(command(1, 1), 5))

		err := l.Append(command(1, 2), 5)
		assert.ErrorIs(t, err, raft.ErrSequenceRegressed)
		assert.Equal(t, raft.LogIndex(1), l.LastIndex())
	})

	t.Run("invalid ranges", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 3, 0)

		_, _, err := l.Entries(3, 2)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
		_, _, err = l.Entries(0, 2)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
		_, _, err = l.Entries(2, 4)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
	})

	t.Run("discard is idempotent", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 5, 0)

		require.NoError(t, l.Discard(raft.LogPosition{Term: 1, Index: 3}))
		assert.Equal(t, raft.LogPosition{Term: 1, Index: 3}, l.Prev())

		require.NoError(t, l.Discard(raft.LogPosition{Term: 1, Index: 3}))
		require.NoError(t, l.Discard(raft.LogPosition{Term: 1, Index: 2}))
		assert.Equal(t, raft.LogPosition{Term: 1, Index: 3}, l.Prev())
		assert.Equal(t, raft.LogIndex(5), l.LastIndex())

		term, ok := l.Term(3)
		assert.True(t, ok)
		assert.Equal(t, raft.Term(1), term)
		_, ok = l.Term(2)
		assert.False(t, ok)

		_, _, err := l.Entry(3)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)

		entries, _, err := l.Entries(4, 5)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("discard beyond the tail", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 3, 0)

		pos := raft.LogPosition{Term: 4, Index: 10}
		require.NoError(t, l.Discard(pos))

		assert.Equal(t, pos, l.Prev())
		assert.Equal(t, raft.LogIndex(10), l.LastIndex())
		term, ok := l.Term(10)
		assert.True(t, ok)
		assert.Equal(t, raft.Term(4), term)

		require.NoError(t, l.Append(command(4, 11), 4))
		assert.Equal(t, raft.LogIndex(11), l.LastIndex())
	})

	t.Run("discard with a different term drops the divergent suffix", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 5, 0)

		pos := raft.LogPosition{Term: 2, Index: 3}
		require.NoError(t, l.Discard(pos))

		assert.Equal(t, pos, l.Prev())
		assert.Equal(t, raft.LogIndex(3), l.LastIndex())
		_, _, err := l.Entry(4)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
	})

	t.Run("discarded entries stay readable while retained", func(t *testing.T) {
		l := newLog(t)
		retaining, ok := l.(raft.RetainingLog)
		require.True(t, ok)
		appendRange(t, l, 1, 1, 5, 0)

		require.NoError(t, l.Discard(raft.LogPosition{Term: 1, Index: 3}))

		entry, err := retaining.RetainedEntry(2)
		require.NoError(t, err)
		assert.True(t, command(1, 2).Equal(entry))

		_, err = retaining.RetainedEntry(4)
		assert.ErrorIs(t, err, raft.ErrEntryNotFound)
	})

	t.Run("flush advances last flushed", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 3, 0)

		require.NoError(t, l.Flush())
		assert.Equal(t, raft.LogSequence(3), l.LastFlushed())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, l.WaitForFlush(ctx))
	})

	t.Run("wait for flush blocks until something changes", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 2, 0)

		short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.WaitForFlush(short), context.DeadlineExceeded)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done <- l.WaitForFlush(ctx)
		}()

		require.NoError(t, l.Flush())
		assert.NoError(t, <-done)
		assert.Equal(t, raft.LogSequence(2), l.LastFlushed())
	})

	t.Run("wait for flush wakes on discard", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 3, 0)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done <- l.WaitForFlush(ctx)
		}()

		require.NoError(t, l.Discard(raft.LogPosition{Term: 1, Index: 2}))
		assert.NoError(t, <-done)
	})

	t.Run("last flushed never decreases", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 5, 0)
		require.NoError(t, l.Flush())

		var wg sync.WaitGroup
		stop := make(chan struct{})
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var last raft.LogSequence
				for {
					select {
					case <-stop:
						return
					default:
					}
					current := l.LastFlushed()
					assert.GreaterOrEqual(t, current, last)
					last = current
				}
			}()
		}

		seq := raft.LogSequence(5)
		for term := raft.Term(2); term <= 20; term++ {
			seq++
			require.NoError(t, l.Append(command(term, 3), seq))
			if term%3 == 0 {
				require.NoError(t, l.Discard(raft.LogPosition{Term: 1, Index: 1}))
			}
			require.NoError(t, l.Flush())
		}
		close(stop)
		wg.Wait()

		assert.Equal(t, seq, l.LastFlushed())
	})

	t.Run("readers never observe a half applied truncation", func(t *testing.T) {
		l := newLog(t)
		appendRange(t, l, 1, 1, 5, 0)

		var wg sync.WaitGroup
		stop := make(chan struct{})
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					last := l.LastIndex()
					entries, _, err := l.Entries(1, last)
					if err != nil {
						// Truncated between LastIndex and Entries
						assert.ErrorIs(t, err, raft.ErrEntryNotFound)
						continue
					}
					for i, e := range entries {
						assert.Equal(t, raft.LogIndex(i+1), e.Index())
						if i > 0 {
							assert.GreaterOrEqual(t, e.Term(), entries[i-1].Term())
						}
					}
				}
			}()
		}

		seq := raft.LogSequence(5)
		for term := raft.Term(2); term <= 30; term++ {
			for i := raft.LogIndex(2); i <= 5; i++ {
				seq++
				require.NoError(t, l.Append(command(term, i), seq))
			}
		}
		close(stop)
		wg.Wait()

		term, ok := l.Term(5)
		require.True(t, ok)
		assert.Equal(t, raft.Term(30), term)
	})
}
