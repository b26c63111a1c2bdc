package log

import "github.com/rs/zerolog"

// defaultMaxBytes is used for MaxStoreBytes and MaxIndexBytes when they are left at zero.
const defaultMaxBytes = 1024

type Config struct {
	Segment struct {
		// The maximum number of bytes to store in the segment's store file.
		MaxStoreBytes uint64
		// The maximum number of bytes to store in the segment's index file.
		// This is also the size every index file is mapped at.
		MaxIndexBytes uint64
		// The base offset of the first segment of a fresh log.
		InitialOffset uint64
	}

	// Logger receives rotation, truncation and reset events.
	// A stderr logger tagged with service=log is used when nil.
	Logger *zerolog.Logger
}
