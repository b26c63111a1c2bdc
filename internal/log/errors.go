package log

import (
	"errors"
	"fmt"
	"io"
)

// ErrIndexFull is returned when an index write would run past the mapped capacity.
// It wraps io.EOF.
var ErrIndexFull = fmt.Errorf("index full: %w", io.EOF)

// ErrEmptyLog is returned by HighestOffset when nothing was ever appended to the log.
var ErrEmptyLog = errors.New("log is empty")
