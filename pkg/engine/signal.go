package engine

import (
	"sync"
	"time"
)

// Signal is a flip-once cancellation flag. Setting it closes a channel, so
// any number of observers see it without locking.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set raises the signal. It reports whether this call was the one that did it;
// later calls are no-ops.
func (s *Signal) Set() bool {
	flipped := false
	s.once.Do(func() {
		close(s.ch)
		flipped = true
	})
	return flipped
}

// IsSet reports whether Set has been called.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed once the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Sleep waits for d or until the signal is set, whichever comes first.
// It returns false when it was interrupted by the signal.
func (s *Signal) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !s.IsSet()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !s.IsSet()
	case <-s.ch:
		return false
	}
}
