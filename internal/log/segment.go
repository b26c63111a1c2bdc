package log

import (
	"fmt"
	"os"
	"path/filepath"

	api "github.com/ttaaoo/commitlog/api/v1"
	"github.com/ttaaoo/commitlog/internal/metrics"
)

// segment pairs a store with the index of the frames in it. Offsets held by
// the segment are global; the index only keeps them relative to baseOffset.
type segment struct {
	store      *store
	index      *index
	baseOffset uint64
	// offset the next appended record gets
	nextOffset uint64
	config     Config
}

// newSegment opens or creates <baseOffset>.store and <baseOffset>.index in dir.
func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		config:     c,
	}

	storeFile, err := os.OpenFile(
		s.path(dir, storeExt),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, err
	}
	if s.store, err = newStore(storeFile); err != nil {
		storeFile.Close()
		return nil, err
	}

	indexFile, err := os.OpenFile(s.path(dir, indexExt), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		s.store.Close()
		return nil, err
	}
	if s.index, err = newIndex(indexFile, c); err != nil {
		indexFile.Close()
		s.store.Close()
		return nil, err
	}

	s.nextOffset = baseOffset
	if rel, _, err := s.index.Read(-1); err == nil {
		s.nextOffset += uint64(rel) + 1
	}
	return s, nil
}

func (s *segment) path(dir, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", s.baseOffset, ext))
}

// Append stamps record with the segment's next offset and persists it.
func (s *segment) Append(record *api.Record) (uint64, error) {
	off := s.nextOffset
	record.Offset = off
	p, err := record.Marshal()
	if err != nil {
		return 0, err
	}

	n, pos, err := s.store.Append(p)
	if err != nil {
		return 0, err
	}
	metrics.AppendedBytes.Add(float64(n))

	if err := s.index.Write(uint32(off-s.baseOffset), pos); err != nil {
		return 0, err
	}
	s.nextOffset++
	return off, nil
}

// Read returns the record at the global offset off. Offsets below the
// segment return api.ErrOffsetOutOfRange, offsets past it io.EOF.
func (s *segment) Read(off uint64) (*api.Record, error) {
	if off < s.baseOffset {
		return nil, api.ErrOffsetOutOfRange{Offset: off}
	}
	_, pos, err := s.index.Read(int64(off - s.baseOffset))
	if err != nil {
		return nil, err
	}
	p, err := s.store.Read(pos)
	if err != nil {
		return nil, err
	}

	record := &api.Record{}
	if err := record.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", off, err)
	}
	return record, nil
}

// IsMaxed reports whether the store reached its size limit or the index has
// no room left for another entry.
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.config.Segment.MaxStoreBytes ||
		s.index.Size()+entWidth > s.config.Segment.MaxIndexBytes
}

// Remove closes the segment and deletes both of its files.
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	return os.Remove(s.store.Name())
}

// Close closes the index before the store.
func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// nearestMultiple rounds j down to a multiple of k.
func nearestMultiple(j, k uint64) uint64 {
	return (j / k) * k
}
