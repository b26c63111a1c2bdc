package log

import (
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	api "github.com/ttaaoo/commitlog/api/v1"
	"github.com/ttaaoo/commitlog/internal/metrics"
)

const (
	storeExt = ".store"
	indexExt = ".index"
)

// Log is an ordered list of segments. The last segment is the active one
// and is the only one appended to.
type Log struct {
	mu sync.RWMutex

	// The directory the log will store its segments in.
	Dir    string
	Config Config

	// sorted by base offset, never empty while the log is open and nil once it is closed
	segments []*segment
	logger   *zerolog.Logger
}

/*
When a log starts, it's responsible for setting itself up
for the segments that already exist on disk or, if the log is new and has no segments,
for bootstrapping the initial segment.

We fetch the list of the segments on disk, parse and sort the base offsets (because we want
our slice of segments to be in order from oldest to newest), and then create the segments with the newSegment() helper
method, which creates a segment for the base offset you pass in.
*/
func NewLog(dir string, c Config) (*Log, error) {
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = defaultMaxBytes
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = defaultMaxBytes
	}
	if c.Segment.MaxIndexBytes < entWidth {
		return nil, fmt.Errorf("max index bytes %d cannot hold a single entry", c.Segment.MaxIndexBytes)
	}

	l := &Log{
		Dir:    dir,
		Config: c,
		logger: c.Logger,
	}
	if l.logger == nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "log").Logger()
		l.logger = &logger
	}

	if err := l.setup(); err != nil {
		return nil, err
	}
	return l, nil
}

// setup opens a segment for every base offset found in the log's directory,
// or the initial segment when there are none.
func (l *Log) setup() error {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return err
	}
	files, err := os.ReadDir(l.Dir)
	if err != nil {
		return err
	}

	// every base offset shows up twice, once for the store and once for the index
	seen := make(map[uint64]struct{})
	var baseOffsets []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := path.Ext(file.Name())
		if ext != storeExt && ext != indexExt {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), ext), 10, 64)
		if err != nil {
			l.logger.Warn().Str("file", file.Name()).Msg("skipping file without a numeric base offset")
			continue
		}
		if _, ok := seen[off]; ok {
			continue
		}
		seen[off] = struct{}{}
		baseOffsets = append(baseOffsets, off)
	}
	slices.Sort(baseOffsets)

	for _, off := range baseOffsets {
		if err := l.newSegment(off); err != nil {
			if cerr := l.close(); cerr != nil {
				l.logger.Error().Err(cerr).Msg("failed to close segments")
			}
			return err
		}
	}

	if len(l.segments) == 0 {
		if err = l.newSegment(l.Config.Segment.InitialOffset); err != nil {
			return err
		}
	}

	l.logger.Debug().
		Str("dir", l.Dir).
		Int("segments", len(l.segments)).
		Uint64("next_offset", l.activeSegment().nextOffset).
		Msg("log opened")
	return nil
}

func (l *Log) activeSegment() *segment {
	return l.segments[len(l.segments)-1]
}

// Append stamps the record with the next offset and writes it to the active segment.
// When that fills the segment a new one starting at the following offset becomes active.
// If creating it fails, the record is kept and the next Append retries the rotation.
func (l *Log) Append(record *api.Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segments == nil {
		return 0, os.ErrClosed
	}
	// left full by a failed rotation or an unclean shutdown
	if l.activeSegment().IsMaxed() {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	off, err := l.activeSegment().Append(record)
	if err != nil {
		return 0, err
	}
	metrics.Appends.Inc()

	if l.activeSegment().IsMaxed() {
		if err := l.rotate(); err != nil {
			return off, err
		}
	}
	return off, nil
}

// rotate opens a new active segment at the current one's next offset.
func (l *Log) rotate() error {
	next := l.activeSegment().nextOffset
	if err := l.newSegment(next); err != nil {
		l.logger.Error().Err(err).Uint64("base_offset", next).Msg("failed to rotate segment")
		return fmt.Errorf("rotate segment at %d: %w", next, err)
	}
	metrics.Rotations.Inc()
	l.logger.Debug().Uint64("base_offset", next).Msg("rotated segment")
	return nil
}

// Read returns the record at offset. Offsets outside every segment's range
// return api.ErrOffsetOutOfRange.
func (l *Log) Read(offset uint64) (*api.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.segments == nil {
		return nil, os.ErrClosed
	}
	var s *segment
	for _, segment := range l.segments {
		if segment.baseOffset <= offset && offset < segment.nextOffset {
			s = segment
			break
		}
	}
	if s == nil {
		metrics.Reads.WithLabelValues(metrics.ReadNotFound).Inc()
		return nil, api.ErrOffsetOutOfRange{Offset: offset}
	}

	record, err := s.Read(offset)
	if err != nil {
		metrics.Reads.WithLabelValues(metrics.ReadError).Inc()
		return nil, err
	}
	metrics.Reads.WithLabelValues(metrics.ReadOK).Inc()
	return record, nil
}

// Close flushes and closes every segment. Files are kept.
// Every operation but Remove and Reset fails with os.ErrClosed afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.close()
}

func (l *Log) close() error {
	for i, segment := range l.segments {
		if err := segment.Close(); err != nil {
			l.segments = l.segments[i:]
			return err
		}
		metrics.Segments.Dec()
	}
	l.segments = nil
	return nil
}

// Remove closes the log and deletes its directory.
func (l *Log) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remove()
}

func (l *Log) remove() error {
	if err := l.close(); err != nil {
		return err
	}
	return os.RemoveAll(l.Dir)
}

// Reset removes the log and starts over with a single empty segment at the initial offset.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.remove(); err != nil {
		return err
	}
	if err := l.setup(); err != nil {
		return err
	}
	l.logger.Info().Str("dir", l.Dir).Msg("log reset")
	return nil
}

func (l *Log) newSegment(offset uint64) error {
	s, err := newSegment(l.Dir, offset, l.Config)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	metrics.Segments.Inc()
	return nil
}

// Segments returns the number of open segments, 0 once the log is closed.
func (l *Log) Segments() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

func (l *Log) LowestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.segments == nil {
		return 0, os.ErrClosed
	}
	return l.segments[0].baseOffset, nil
}

// HighestOffset returns the offset of the last record appended. It returns
// ErrEmptyLog if the log has only its initial segment and nothing in it.
func (l *Log) HighestOffset() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.segments == nil {
		return 0, os.ErrClosed
	}
	s := l.activeSegment()
	empty := s.nextOffset == s.baseOffset
	first := len(l.segments) == 1 && s.baseOffset == l.Config.Segment.InitialOffset
	if empty && (first || s.nextOffset == 0) {
		return 0, ErrEmptyLog
	}
	return s.nextOffset - 1, nil
}

// Truncate removes all segments whose highest offset is lower than or equal to lowest.
// Because we don't have disks with infinite space, we'll periodically call Truncate()
// to remove old segments and free up space.
// If the active segment goes too, an empty segment takes over at its next offset.
func (l *Log) Truncate(lowest uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segments == nil {
		return os.ErrClosed
	}
	next := l.activeSegment().nextOffset
	var segments []*segment
	for i, s := range l.segments {
		if lowest == math.MaxUint64 || s.nextOffset <= lowest+1 {
			if err := s.Remove(); err != nil {
				l.segments = append(segments, l.segments[i:]...)
				return err
			}
			metrics.Segments.Dec()
			metrics.TruncatedSegments.Inc()
			l.logger.Debug().
				Uint64("base_offset", s.baseOffset).
				Uint64("next_offset", s.nextOffset).
				Msg("removed segment")
			continue
		}
		segments = append(segments, s)
	}

	l.segments = segments
	if len(l.segments) == 0 {
		if err := l.newSegment(next); err != nil {
			return err
		}
	}
	l.logger.Info().Uint64("lowest", lowest).Int("segments", len(l.segments)).Msg("log truncated")
	return nil
}

// Reader returns an io.Reader to read the whole log.
// It yields the raw store files, frames and all, from the oldest segment to the newest.
// A closed log yields nothing.
func (l *Log) Reader() io.Reader {
	l.mu.RLock()
	defer l.mu.RUnlock()
	readers := make([]io.Reader, len(l.segments))
	for i, segment := range l.segments {
		readers[i] = &originReader{segment.store, 0}
	}

	return io.MultiReader(readers...)
}

// originReader is a wrapper around a store that implements the io.Reader interface.
// It reads from the store at the current offset and increments the offset after each read.
type originReader struct {
	*store
	offset int64
}

func (o *originReader) Read(p []byte) (int, error) {
	n, err := o.ReadAt(p, o.offset)
	o.offset += int64(n)
	return n, err
}
