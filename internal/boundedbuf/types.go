package boundedbuf

import "errors"

var (
	ErrClosed          = errors.New("boundedbuf: buffer is closed")
	ErrInvalidCapacity = errors.New("boundedbuf: capacity must be >= 1")
)

// Stats is a snapshot of buffer activity.
type Stats struct {
	Capacity int
	Len      int
	Pushed   uint64
	Received uint64
	Closed   bool
}
