package log

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	enc = binary.BigEndian
)

const (
	lenWidth = 8 // define the number of bytes used to store the record's length
)

// store is the file records are kept in. Every record is framed as an 8 byte
// big-endian length followed by the record bytes.
type store struct {
	*os.File
	mu     sync.Mutex
	buf    *bufio.Writer
	size   uint64
	closed bool
}

func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, fmt.Errorf("stat store %s: %w", f.Name(), err)
	}

	// in case we're recreating the store from a file that has existing data
	// which would happen if our service had restarted
	size := uint64(fi.Size())
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// Append persists the given bytes to the store.
// It returns the number of bytes written and the position of the record in the store.
// The segment will use this position when it creates an associated index entry for this record.
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0, os.ErrClosed
	}

	pos = s.size
	// write the length of the record first
	// so that when we read the record, we know how many bytes to read
	if err := binary.Write(s.buf, enc, uint64(len(p))); err != nil {
		return 0, 0, err
	}

	// write to the buffered writer instead of directly to the file
	// to reduce the number of system calls and improve performance
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}

	w += lenWidth
	s.size += uint64(w)

	return uint64(w), pos, nil
}

// Read returns the record framed at pos. Reading a frame that runs past the
// end of the file returns io.EOF or io.ErrUnexpectedEOF.
func (s *store) Read(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// records may still be sitting in the buffer
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	length := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(length, int64(pos)); err != nil {
		return nil, err
	}

	// a torn or corrupt prefix can claim more bytes than the file holds
	n := enc.Uint64(length)
	if s.size < pos+lenWidth || n > s.size-pos-lenWidth {
		return nil, fmt.Errorf("store %s: frame at %d claims %d bytes: %w", s.Name(), pos, n, io.ErrUnexpectedEOF)
	}

	b := make([]byte, n)
	if _, err := s.File.ReadAt(b, int64(pos+lenWidth)); err != nil {
		return nil, err
	}

	return b, nil
}

// ReadAt reads len(p) bytes into p starting at the off offset in the store's file.
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return 0, err
	}

	return s.File.ReadAt(p, off)
}

// Close flushes buffered records and syncs the file to stable storage before closing it.
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	s.closed = true
	if err := s.File.Sync(); err != nil {
		return fmt.Errorf("sync store %s: %w", s.Name(), err)
	}
	return s.File.Close()
}
