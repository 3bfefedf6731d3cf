package core

import (
	"math"
	"sync/atomic"
	"time"
)

const roundFactorBase = float64(2)

// roundTimer arms one timer per round, tagged with a monotonic epoch so
// a fire racing a round transition can be detected and discarded even if
// its goroutine's cancellation is delayed (spec §5, §9 "Timers").
type roundTimer struct {
	base, additional time.Duration
	epoch            atomic.Uint64
}

func newRoundTimer(base, additional time.Duration) *roundTimer {
	return &roundTimer{base: base, additional: additional}
}

// arm starts a timer for round, returning a channel that receives the
// epoch this call was armed with when (and only when) the timer fires
// without being superseded by a later arm/cancel. stop cancels this
// specific arming; calling arm again implicitly invalidates any earlier
// still-pending arming's fire.
func (t *roundTimer) arm(round uint64) (fired <-chan uint64, stop func()) {
	epoch := t.epoch.Add(1)
	ch := make(chan uint64, 1)

	timer := time.NewTimer(duration(t.base, t.additional, round))
	done := make(chan struct{})

	go func() {
		select {
		case <-timer.C:
			if t.epoch.Load() == epoch {
				ch <- epoch
			}
		case <-done:
			timer.Stop()
		}
	}()

	return ch, func() {
		t.epoch.Add(1)
		close(done)
	}
}

// duration computes the exponential-backoff round timeout:
// base * 2^round + additional.
func duration(base, additional time.Duration, round uint64) time.Duration {
	factor := math.Pow(roundFactorBase, float64(round))

	return time.Duration(float64(base)*factor) + additional
}
