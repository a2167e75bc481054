package connpool

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFoundOrDenied is returned when a handle does not exist or belongs
	// to another owner. The two cases are deliberately indistinguishable.
	ErrNotFoundOrDenied = errors.New("connection not found or access denied")

	// ErrUnavailable is returned when a cached connection cannot be restored
	// for reasons the caller cannot act on (a corrupted or foreign-key entry).
	ErrUnavailable = errors.New("connection unavailable, create a new one")

	// ErrHandleClosed is returned by operations on a handle that was closed,
	// expired, or failed.
	ErrHandleClosed = errors.New("connection handle is closed")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("connection pool is shut down")
)

// CapacityError is returned when the per-process connection cap is reached.
// The pool does not queue; callers retry later.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("connection limit reached (%d), try again later", e.Limit)
}

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// IsRateLimited reports whether err is a RateLimitedError.
func IsRateLimited(err error) bool {
	var re *RateLimitedError
	return errors.As(err, &re)
}
