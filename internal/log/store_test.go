package log

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	write = []byte("hello world")
	width = uint64(len(write)) + lenWidth
)

func TestStoreAppendRead(t *testing.T) {
	f, err := os.CreateTemp("", "store_append_read_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)

	testAppend(t, s)
	testRead(t, s)
	testReadAt(t, s)

	// the store recovers its size from the file
	require.NoError(t, s.Close())
	f, err = os.OpenFile(f.Name(), os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	s, err = newStore(f)
	require.NoError(t, err)
	require.Equal(t, width*3, s.size)
	testRead(t, s)
	require.NoError(t, s.Close())
}

func testAppend(t *testing.T, s *store) {
	t.Helper()
	for i := uint64(1); i < 4; i++ {
		n, pos, err := s.Append(write)
		require.NoError(t, err)
		require.Equal(t, width, n)
		require.Equal(t, width*i, pos+n)
	}
}

func testRead(t *testing.T, s *store) {
	t.Helper()
	var pos uint64
	for i := uint64(1); i < 4; i++ {
		read, err := s.Read(pos)
		require.NoError(t, err)
		require.Equal(t, write, read)
		pos += width
	}
}

func testReadAt(t *testing.T, s *store) {
	t.Helper()
	for i, off := uint64(1), int64(0); i < 4; i++ {
		b := make([]byte, lenWidth)
		n, err := s.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, lenWidth, n)
		off += int64(n)

		size := enc.Uint64(b)
		b = make([]byte, size)
		n, err = s.ReadAt(b, off)
		require.NoError(t, err)
		require.Equal(t, write, b)
		require.Equal(t, int(size), n)
		off += int64(n)
	}
}

func TestStoreReadPastEnd(t *testing.T) {
	f, err := os.CreateTemp("", "store_read_past_end_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(0)
	require.ErrorIs(t, err, io.EOF)

	_, pos, err := s.Append(write)
	require.NoError(t, err)
	_, err = s.Read(pos + width)
	require.ErrorIs(t, err, io.EOF)
}

func TestStoreCorruptLength(t *testing.T) {
	f, err := os.CreateTemp("", "store_corrupt_length_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, _, err = s.Append(write)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err = os.OpenFile(f.Name(), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0)
	require.NoError(t, err)

	s, err = newStore(f)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// one byte more than the frame holds
	_, err = f.WriteAt([]byte{0, 0, 0, 0, 0, 0, 0, byte(len(write) + 1)}, 0)
	require.NoError(t, err)
	_, err = s.Read(0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStoreClose(t *testing.T) {
	f, err := os.CreateTemp("", "store_close_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, _, err = s.Append(write)
	require.NoError(t, err)

	// buffered until the store is closed
	_, beforeSize, err := openFile(f.Name())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, afterSize, err := openFile(f.Name())
	require.NoError(t, err)
	require.True(t, afterSize > beforeSize)

	_, _, err = s.Append(write)
	require.ErrorIs(t, err, os.ErrClosed)
}

func openFile(name string) (file *os.File, size int64, err error) {
	f, err := os.OpenFile(
		name,
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	return f, fi.Size(), nil
}
