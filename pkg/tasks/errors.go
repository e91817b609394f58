package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameters rejects a start request; nothing is started.
	ErrInvalidParameters = errors.New("invalid task parameters")

	// ErrNotFound is returned for ids that were never issued or were reclaimed.
	ErrNotFound = errors.New("task not found")
)

// DispatchError is an ordinary rejection from the remote service, such as a
// rate limit, a permission error or a revoked credential. Workers tally it as
// a failed send and carry on with normal pacing.
type DispatchError struct {
	StatusCode int
	Reason     string
}

func (e *DispatchError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("dispatch rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("dispatch rejected with status %d: %s", e.StatusCode, e.Reason)
}

// IsDispatchError reports whether err is, or wraps, a remote rejection.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
