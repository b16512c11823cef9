// Package ratelimit provides the global admission gate in front of every
// outbound model call. One Limiter is shared by all executions in the
// process; it can only delay callers, never fail them.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultWindow is the rolling interval over which grants are counted.
const DefaultWindow = 60 * time.Second

// DefaultCapacity is the number of grants issued per rolling window.
const DefaultCapacity = 60

// Limiter is a sliding-window counting rate limiter. It keeps the timestamps
// of recent grants and admits a caller as soon as fewer than capacity grants
// fall inside the rolling window. Admission is capacity-bounded but not
// strictly FIFO: concurrent callers may race for a freed slot.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	grants   []time.Time // ordered, bounded to capacity

	now func() time.Time // injectable clock for tests
}

// NewLimiter creates a Limiter. Zero or negative capacity/window is a
// configuration error reported at startup, not handled per-call.
func NewLimiter(capacity int, window time.Duration) (*Limiter, error) {
	if capacity <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRateLimitConfig,
			"rate limiter capacity must be positive, got %d", capacity)
	}
	if window <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRateLimitConfig,
			"rate limiter window must be positive, got %s", window)
	}
	return &Limiter{
		window:   window,
		capacity: capacity,
		grants:   make([]time.Time, 0, capacity),
		now:      time.Now,
	}, nil
}

// Acquire blocks until a grant is available, then returns nil. It returns an
// error only when ctx is cancelled while waiting. Across concurrent callers,
// at most capacity grants are issued in any rolling window-length interval.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}

		// Suspend for the remaining window of the oldest grant, then loop:
		// concurrent callers may have taken the freed slot in the meantime.
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// tryAcquire takes a grant if one is available. When the window is full it
// returns the duration until the oldest grant expires.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Drop grants older than the window. The slice is ordered, so find the
	// first still-valid timestamp and re-slice.
	keep := 0
	for keep < len(l.grants) && !l.grants[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		l.grants = append(l.grants[:0], l.grants[keep:]...)
	}

	if len(l.grants) < l.capacity {
		l.grants = append(l.grants, now)
		return 0, true
	}

	wait := l.window - now.Sub(l.grants[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// InFlight returns the number of grants currently inside the window.
// Intended for metrics and tests.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	n := 0
	for _, g := range l.grants {
		if g.After(cutoff) {
			n++
		}
	}
	return n
}
