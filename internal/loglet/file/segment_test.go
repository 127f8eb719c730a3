package file

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAppendBatchAndRead(t *testing.T) {
	dir := t.TempDir()

	cfg := Config{
		MaxStoreBytes: 1024,
		MaxIndexBytes: indexEntryWidth * 3,
	}

	s, err := newSegment(dir, 16, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(16), s.nextOffset())
	require.False(t, s.full())

	// Four records offered, three entry slots: the segment takes what
	// fits and reports the rest back.
	first, accepted, err := s.appendBatch([][]byte{
		[]byte("one"), []byte("two"), []byte("three"), []byte("four"),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(16), first)
	require.Equal(t, 3, accepted)
	require.True(t, s.full())

	for n, want := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		got, err := s.read(16 + uint64(n))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err = s.read(19)
	require.Error(t, err)

	// A full segment accepts nothing.
	_, accepted, err = s.appendBatch([][]byte{[]byte("four")})
	require.NoError(t, err)
	require.Equal(t, 0, accepted)

	require.NoError(t, s.close())

	// Reopen recovers the entry count from the files.
	s, err = newSegment(dir, 16, cfg)
	require.NoError(t, err)
	require.Equal(t, uint64(19), s.nextOffset())
	require.True(t, s.full())
	got, err := s.read(18)
	require.NoError(t, err)
	require.Equal(t, []byte("three"), got)

	require.NoError(t, s.remove())
	s, err = newSegment(dir, 16, cfg)
	require.NoError(t, err)
	require.False(t, s.full())
	require.NoError(t, s.close())
}

func TestSegmentByteBudget(t *testing.T) {
	cfg := Config{
		MaxStoreBytes: 2 * (recordHeaderLen + 4),
		MaxIndexBytes: indexEntryWidth * 1024,
	}

	s, err := newSegment(t.TempDir(), 1, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.close()) }()

	_, accepted, err := s.appendBatch([][]byte{
		[]byte("aaaa"), []byte("bbbb"), []byte("cccc"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, accepted)
	require.True(t, s.full())

	// An oversized record still lands in an otherwise empty segment.
	big, err := newSegment(t.TempDir(), 1, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, big.close()) }()

	_, accepted, err = big.appendBatch([][]byte{make([]byte, 64)})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)
	require.True(t, big.full())
}

func TestSegmentRecoveryDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{MaxStoreBytes: 1024, MaxIndexBytes: indexEntryWidth * 8}

	s, err := newSegment(dir, 1, cfg)
	require.NoError(t, err)
	_, accepted, err := s.appendBatch([][]byte{
		[]byte("first"), []byte("second"), []byte("third"),
	})
	require.NoError(t, err)
	require.Equal(t, 3, accepted)
	dataName := s.dataFile.Name()
	require.NoError(t, s.close())

	// Chop the last record in half, as a crashed write would.
	fi, err := os.Stat(dataName)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(dataName, fi.Size()-3))

	s, err = newSegment(dir, 1, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.close()) }()

	require.Equal(t, uint64(3), s.nextOffset())
	got, err := s.read(2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
	_, err = s.read(3)
	require.Error(t, err)

	// The segment stays appendable right after the recovered tail.
	first, accepted, err := s.appendBatch([][]byte{[]byte("fourth")})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)
	require.Equal(t, uint64(3), first)
	got, err = s.read(3)
	require.NoError(t, err)
	require.Equal(t, []byte("fourth"), got)
}
