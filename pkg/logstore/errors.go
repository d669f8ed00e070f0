package logstore

import "errors"

var (
	// ErrGap is returned when an append would leave a hole in the index
	// sequence.
	ErrGap = errors.New("log append would create a gap")
	// ErrTruncateCommitted is returned when a suffix truncation would drop
	// an already-committed entry, a protocol violation.
	ErrTruncateCommitted = errors.New("refusing to truncate a committed entry")
)
