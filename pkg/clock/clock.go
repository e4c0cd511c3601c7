// Package clock abstracts time for the queue processor and its tests.
//
// Production code uses System (thin wrappers around the time package);
// tests inject a Manual clock to drive ticks, expiry, and retry backoff
// deterministically.
package clock

import (
	"context"
	"time"
)

// Clock provides the time operations the queue loops depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a ticker that fires every d.
	NewTicker(d time.Duration) Ticker

	// Sleep blocks for d or until ctx is done, returning ctx.Err()
	// if the context ended the wait early.
	Sleep(ctx context.Context, d time.Duration) error
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the real clock.
type System struct{}

// NewSystem returns a Clock backed by the time package.
func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (System) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type systemTicker struct {
	t *time.Ticker
}

func (st *systemTicker) C() <-chan time.Time { return st.t.C }
func (st *systemTicker) Stop()               { st.t.Stop() }
