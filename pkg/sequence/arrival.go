// Package sequence issues arrival ordinals for queue admission.
//
// Ordinals are microsecond timestamps forced to be strictly increasing
// within the process: if two admissions land on the same microsecond,
// or the wall clock steps backwards, the second ordinal is previous+1.
// Cross-process ties are broken downstream by (arrival, id) ordering.
package sequence

import (
	"sync/atomic"

	"github.com/priya/turnstile/pkg/clock"
)

// ArrivalClock hands out strictly increasing int64 arrival ordinals.
// Safe for concurrent use.
type ArrivalClock struct {
	clk  clock.Clock
	last atomic.Int64
}

// NewArrivalClock returns an ArrivalClock reading time from clk.
func NewArrivalClock(clk clock.Clock) *ArrivalClock {
	return &ArrivalClock{clk: clk}
}

// Next returns the next arrival ordinal.
func (a *ArrivalClock) Next() int64 {
	for {
		now := a.clk.Now().UnixMicro()
		last := a.last.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if a.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
