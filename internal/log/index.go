package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tysonmote/gommap"
)

/*
*Width define the number of bytes that make up the value in the index

Our index entries contain two fields: the record's offset and its position in the store file.
We store offsets as uint32 and positions as uint64, so they take up 4 and 8 bytes respectively.

We use the entWidth to jump straight to the position of an entry given its offset since the position in the file is
offset * entWidth.
*/

var (
	offWidth uint64 = 4
	posWidth uint64 = 8
	entWidth        = offWidth + posWidth
)

// index defines our index file, which comprises a persisted file and a memory-mapped file.
type index struct {
	mu   sync.RWMutex
	file *os.File
	// nil once the index is closed
	mmap gommap.MMap
	// The size of the index and where to write the next entry appended to the index
	size uint64
}

// newIndex creates an index for the given file.
// The file length on open is the number of bytes in use, because Close truncates the file back to it.
// We then grow the file to the max index size before memory-mapping it.
func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{
		file: f,
	}

	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, fmt.Errorf("stat index %s: %w", f.Name(), err)
	}
	// a torn trailing entry is dropped
	idx.size = nearestMultiple(uint64(fi.Size()), entWidth)
	if idx.size > c.Segment.MaxIndexBytes {
		return nil, fmt.Errorf("index %s holds %d bytes, more than max index bytes %d",
			f.Name(), idx.size, c.Segment.MaxIndexBytes)
	}
	// once they're memory-mapped, we can't resize them.
	if err := os.Truncate(f.Name(), int64(c.Segment.MaxIndexBytes)); err != nil {
		return nil, fmt.Errorf("grow index %s: %w", f.Name(), err)
	}

	if idx.mmap, err = gommap.Map(idx.file.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED,
	); err != nil {
		return nil, fmt.Errorf("map index %s: %w", f.Name(), err)
	}

	// An index that was never closed still has its full mapped length on disk.
	// Entry n always holds relative offset n, so blank trailing entries are dropped.
	for idx.size > entWidth {
		last := idx.size - entWidth
		if enc.Uint32(idx.mmap[last:last+offWidth]) == uint32(last/entWidth) {
			break
		}
		idx.size = last
	}

	return idx, nil
}

// Close makes sure the memory-mapped file has synced its data to the persisted file and that the persisted file
// has flushed its contents to stable storage.
// Then it truncates the persisted file to the amount of data that's actually in it and unmaps it.
// Closing a closed index is a no-op.
func (i *index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.mmap == nil {
		return nil
	}

	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}

	if err := i.file.Sync(); err != nil {
		return err
	}

	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}

	if err := i.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	i.mmap = nil

	return i.file.Close()
}

// Read takes in an offset and returns the associated record's position in the store.
// The given offset is relative to the segment's base offset; 0 is always the offset of the index's first entry.
// -1 reads the last entry.
func (i *index) Read(offset int64) (out uint32, pos uint64, err error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.mmap == nil {
		return 0, 0, os.ErrClosed
	}

	if i.size == 0 {
		return 0, 0, io.EOF
	}

	if offset == -1 {
		out = uint32((i.size / entWidth) - 1)
	} else if offset < 0 {
		return 0, 0, io.EOF
	} else {
		out = uint32(offset)
	}

	pos = uint64(out) * entWidth
	if i.size < pos+entWidth {
		return 0, 0, io.EOF
	}

	out = enc.Uint32(i.mmap[pos : pos+offWidth])
	pos = enc.Uint64(i.mmap[pos+offWidth : pos+entWidth])
	return out, pos, nil
}

// Write appends the given offset and position to the index.
func (i *index) Write(offset uint32, pos uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.mmap == nil {
		return os.ErrClosed
	}

	if uint64(len(i.mmap)) < i.size+entWidth {
		return ErrIndexFull
	}

	enc.PutUint32(i.mmap[i.size:i.size+offWidth], offset)
	enc.PutUint64(i.mmap[i.size+offWidth:i.size+entWidth], pos)
	i.size += entWidth
	return nil
}

// Size returns the number of bytes of the index in use.
func (i *index) Size() uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size
}

func (i *index) Name() string {
	return i.file.Name()
}
