package clock

import (
	"context"
	"sync"
	"time"
)

// Manual is a test clock. Time only moves when Advance is called.
//
// Sleep does not block: it advances the clock by the requested duration
// and records it, so retry-backoff paths run instantly in tests while
// the elapsed time stays observable through Now and SleptTotal.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	tickers []*manualTicker
}

// NewManual returns a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and fires any tickers whose period
// boundaries were crossed. Ticks are delivered best-effort, matching
// time.Ticker's drop-on-slow-receiver behavior.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := make([]*manualTicker, len(m.tickers))
	copy(tickers, m.tickers)
	m.mu.Unlock()

	for _, t := range tickers {
		t.advanceTo(now)
	}
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   m.now.Add(d),
	}
	m.tickers = append(m.tickers, t)
	return t
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.slept += d
	m.mu.Unlock()
	return nil
}

// SleptTotal reports the cumulative duration passed to Sleep.
func (m *Manual) SleptTotal() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slept
}

type manualTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) advanceTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}
