package sequence

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/priya/turnstile/pkg/clock"
)

func TestNext_StrictlyIncreasing(t *testing.T) {
	a := NewArrivalClock(clock.NewSystem())

	prev := a.Next()
	for i := 0; i < 10000; i++ {
		next := a.Next()
		if next <= prev {
			t.Fatalf("ordinal %d (%d) not greater than previous (%d)", i, next, prev)
		}
		prev = next
	}
}

func TestNext_FrozenClockStillAdvances(t *testing.T) {
	// With a frozen clock every call hits the same microsecond, so each
	// ordinal must come from the +1 path.
	m := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	a := NewArrivalClock(m)

	first := a.Next()
	second := a.Next()
	third := a.Next()

	if second != first+1 || third != second+1 {
		t.Errorf("frozen clock ordinals = %d, %d, %d; want consecutive", first, second, third)
	}
}

func TestNext_ClockStepBackwards(t *testing.T) {
	m := clock.NewManual(time.Date(2025, 6, 1, 0, 0, 5, 0, time.UTC))
	a := NewArrivalClock(m)

	before := a.Next()
	m.Advance(-2 * time.Second)
	after := a.Next()

	if after <= before {
		t.Errorf("ordinal after clock regression = %d, want > %d", after, before)
	}
}

func TestNext_UniqueUnderConcurrency(t *testing.T) {
	const goroutines = 32
	const perGoroutine = 500

	a := NewArrivalClock(clock.NewSystem())
	results := make([][]int64, goroutines)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]int64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				out = append(out, a.Next())
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	all := make([]int64, 0, goroutines*perGoroutine)
	for g, out := range results {
		for i := 1; i < len(out); i++ {
			if out[i] <= out[i-1] {
				t.Fatalf("goroutine %d: ordinal %d not increasing", g, i)
			}
		}
		all = append(all, out...)
	}

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("duplicate ordinal %d issued to two callers", all[i])
		}
	}
}
