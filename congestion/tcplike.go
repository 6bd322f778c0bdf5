package congestion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// additiveIncrement is the per-feedback growth step once a TCPLike
// controller leaves slow start and enters congestion avoidance.
const additiveIncrement = 50 * bytesPerMB

// TCPLike is a slow-start/congestion-avoidance controller with state R
// (current rate) and S (slow-start threshold).
// Loss is inferred, not observed directly: a FlowControl report measuring
// well under the current rate stands in for a dropped-segment signal.
type TCPLike struct {
	mu          sync.Mutex
	r           float64
	s           float64
	inSlowStart bool
	limiter     *rate.Limiter
}

func newTCPLike(initialRate float64) *TCPLike {
	r := clamp(initialRate)
	t := &TCPLike{
		r:           r,
		s:           MaxRate,
		inSlowStart: true,
		limiter:     rate.NewLimiter(rate.Limit(r), int(r)),
	}
	return t
}

// OnFeedback applies the slow-start / congestion-avoidance update for one
// FlowControl sample: below 0.7×R counts as a loss signal and
// halves the rate into congestion avoidance; otherwise slow start doubles R
// up to S, and congestion avoidance adds a fixed increment.
func (t *TCPLike) OnFeedback(measured float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case measured < 0.7*t.r:
		t.s = t.r / 2
		t.r = t.s
		t.inSlowStart = false
	case t.inSlowStart:
		t.r *= 2
		if t.r >= t.s {
			t.r = t.s
			t.inSlowStart = false
		}
	default:
		t.r += additiveIncrement
	}
	t.r = clamp(t.r)
	t.limiter.SetLimit(rate.Limit(t.r))
	t.limiter.SetBurst(int(t.r))
}

// OnSent is a no-op: Strategy A reacts only to FlowControl feedback, not to
// individual sends.
func (t *TCPLike) OnSent(int) {}

// OnRTT is a no-op: Strategy A does not factor RTT into its rate decision.
func (t *TCPLike) OnRTT(time.Duration) {}

// PacingRate returns the current rate R in bytes/sec.
func (t *TCPLike) PacingRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r
}

// Limiter returns the token bucket the sender's writer task paces against.
func (t *TCPLike) Limiter() *rate.Limiter {
	return t.limiter
}

// SeedRate overrides R directly, for the first-FlowControl bandwidth hint.
// It also resets S and re-enters slow start from the new rate.
func (t *TCPLike) SeedRate(bytesPerSec float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r = clamp(bytesPerSec)
	t.s = MaxRate
	t.inSlowStart = true
	t.limiter.SetLimit(rate.Limit(t.r))
	t.limiter.SetBurst(int(t.r))
}
