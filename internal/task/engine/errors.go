package engine

import "errors"

var (
	ErrStopped     = errors.New("worker pool stopped")
	ErrStopping    = errors.New("worker pool stopping")
	ErrQueueFull   = errors.New("worker pool queue full")
	ErrOverlapSkip = errors.New("task coalesced: previous execution pending")
	ErrStale       = errors.New("task dropped: queued past max delay")
)

// IsDrop reports whether err is an operational drop rather than a task failure.
func IsDrop(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrOverlapSkip) || errors.Is(err, ErrStale)
}
