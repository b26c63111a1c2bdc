package log

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	api "github.com/ttaaoo/commitlog/api/v1"
)

func TestSegment(t *testing.T) {
	dir, _ := os.MkdirTemp("", "segment-test")
	defer os.RemoveAll(dir)

	want := &api.Record{Value: []byte("hello world")}

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	c.Segment.MaxIndexBytes = entWidth * 3

	s, err := newSegment(dir, 16, c)
	require.NoError(t, err)
	require.Equal(t, uint64(16), s.nextOffset, s.nextOffset)
	require.False(t, s.IsMaxed())

	for i := uint64(0); i < 3; i++ {
		off, err := s.Append(want)
		require.NoError(t, err)
		require.Equal(t, 16+i, off)

		got, err := s.Read(off)
		require.NoError(t, err)
		require.Equal(t, want.Value, got.Value)
		// the record carries the global offset, not the relative one
		require.Equal(t, off, got.Offset)
	}

	_, err = s.Append(want)
	require.ErrorIs(t, err, io.EOF)

	// maxed index
	require.True(t, s.IsMaxed())
	require.NoError(t, s.Close())

	p, _ := want.Marshal()
	c.Segment.MaxStoreBytes = uint64(len(p)+lenWidth) * 4
	c.Segment.MaxIndexBytes = 1024

	s, err = newSegment(dir, 16, c)
	require.NoError(t, err)
	// recovered from the last index entry
	require.Equal(t, uint64(19), s.nextOffset)
	// maxed store
	require.True(t, s.IsMaxed())

	require.NoError(t, s.Remove())
	_, err = os.Stat(s.store.Name())
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.index.Name())
	require.True(t, os.IsNotExist(err))

	s, err = newSegment(dir, 16, c)
	require.NoError(t, err)
	require.False(t, s.IsMaxed())
	require.Equal(t, uint64(16), s.nextOffset)
	require.NoError(t, s.Close())
}

func TestSegmentReadOutOfRange(t *testing.T) {
	dir, _ := os.MkdirTemp("", "segment-range-test")
	defer os.RemoveAll(dir)

	c := Config{}
	c.Segment.MaxStoreBytes = 1024
	c.Segment.MaxIndexBytes = 1024

	s, err := newSegment(dir, 10, c)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(10)
	require.ErrorIs(t, err, io.EOF)

	_, err = s.Append(&api.Record{Value: []byte("hello world")})
	require.NoError(t, err)

	_, err = s.Read(9)
	require.ErrorAs(t, err, &api.ErrOffsetOutOfRange{})
	_, err = s.Read(11)
	require.ErrorIs(t, err, io.EOF)
}

func TestNearestMultiple(t *testing.T) {
	require.Equal(t, uint64(8), nearestMultiple(9, 4))
	require.Equal(t, uint64(24), nearestMultiple(30, entWidth))
	require.Equal(t, uint64(0), nearestMultiple(11, entWidth))
}
