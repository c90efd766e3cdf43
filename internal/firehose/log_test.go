package firehose

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firehose.db")
	l, err := Open(Options{Path: path, DiskSize: 1 << 20, TrimHighWaterMark: 0.9})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l := openTestLog(t)

	seq1, err := l.Append([]byte("frame-1"))
	require.NoError(t, err)
	seq2, err := l.Append([]byte("frame-2"))
	require.NoError(t, err)
	seq3, err := l.Append([]byte("frame-3"))
	require.NoError(t, err)

	require.Equal(t, Seq(1), seq1)
	require.Equal(t, Seq(2), seq2)
	require.Equal(t, Seq(3), seq3)

	latest, err := l.Latest()
	require.NoError(t, err)
	require.Equal(t, seq3, latest)
}

func TestRangeReturnsEntriesAfterCursorInOrder(t *testing.T) {
	l := openTestLog(t)

	for _, f := range []string{"a", "b", "c", "d"} {
		_, err := l.Append([]byte(f))
		require.NoError(t, err)
	}

	var got []string
	err := l.Range(1, 0, func(seq Seq, frame []byte) bool {
		got = append(got, string(frame))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, got)
}

func TestRangeRespectsLimit(t *testing.T) {
	l := openTestLog(t)
	for _, f := range []string{"a", "b", "c"} {
		_, err := l.Append([]byte(f))
		require.NoError(t, err)
	}

	var got []string
	err := l.Range(0, 2, func(seq Seq, frame []byte) bool {
		got = append(got, string(frame))
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestAvailableReportsTrimmedCursors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firehose.db")
	l, err := Open(Options{Path: path, DiskSize: 1 << 20, TrimHighWaterMark: 0.9, TTL: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte{byte(i)})
		require.NoError(t, err)
	}

	ok, err := l.Available(0)
	require.NoError(t, err)
	require.True(t, ok)

	// Age the first five entries past the TTL, then add a fresh one so the
	// trim stops after removing seqs 1-5.
	time.Sleep(30 * time.Millisecond)
	fresh, err := l.Append([]byte{5})
	require.NoError(t, err)

	n, err := l.trimOnce()
	require.NoError(t, err)
	require.Equal(t, 5, n)

	oldest, err := l.Oldest()
	require.NoError(t, err)
	require.Greater(t, oldest, Seq(0))
	require.Equal(t, fresh, oldest)

	ok, err = l.Available(0)
	require.NoError(t, err)
	require.False(t, ok, "cursor 0 now precedes trimmed entries")

	ok, err = l.Available(oldest - 1)
	require.NoError(t, err)
	require.True(t, ok, "the cursor just before the oldest entry replays without a gap")
}

func TestTrimRemovesEntriesOlderThanTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firehose.db")
	l, err := Open(Options{Path: path, DiskSize: 1 << 20, TrimHighWaterMark: 0.9, TTL: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	_, err = l.Append([]byte("stale"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	fresh, err := l.Append([]byte("fresh"))
	require.NoError(t, err)

	n, err := l.trimOnce()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	oldest, err := l.Oldest()
	require.NoError(t, err)
	require.Equal(t, fresh, oldest)
}

func TestTrimKeepsAgingOldestEntryAfterMultipleCycles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firehose.db")
	l, err := Open(Options{Path: path, DiskSize: 1 << 20, TrimHighWaterMark: 0.9, TTL: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	_, err = l.Append([]byte("a"))
	require.NoError(t, err)
	_, err = l.Append([]byte("b"))
	require.NoError(t, err)

	// First trim cycle evicts nothing yet (both entries still fresh) and
	// leaves the oldest-entry markers untouched.
	n, err := l.trimOnce()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	time.Sleep(30 * time.Millisecond)

	// Second cycle: once "a" is deleted, "b" becomes the oldest entry and
	// must carry its own append time forward, not the time of this trim.
	n, err = l.trimOnce()
	require.NoError(t, err)
	require.Equal(t, 2, n, "both entries should have aged out once past TTL, proving the new oldest entry kept its real append time instead of being stamped with the trim time")
}

func TestCloseIsIdempotent(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
