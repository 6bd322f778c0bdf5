package congestion

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// probeInterval is how often BBRLite recomputes its pacing rate from
// accumulated delivery samples.
const probeInterval = 200 * time.Millisecond

// BBRLite tracks pacing rate, minimum and latest RTT, and cumulative
// delivered bytes, and recomputes the rate every probe interval from the
// observed delivery rate and queueing ratio (last RTT over minimum RTT).
type BBRLite struct {
	mu sync.Mutex

	pacingRate float64
	minRTT     time.Duration
	lastRTT    time.Duration
	delivered  int64
	lastProbe  time.Time

	limiter *rate.Limiter
	now     func() time.Time
}

func newBBRLite(initialRate float64, now func() time.Time) *BBRLite {
	r := clamp(initialRate)
	return &BBRLite{
		pacingRate: r,
		lastProbe:  now(),
		limiter:    rate.NewLimiter(rate.Limit(r), int(r)),
		now:        now,
	}
}

// OnRTT records an RTT sample and tracks the minimum seen so far.
func (b *BBRLite) OnRTT(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRTT = d
	if b.minRTT == 0 || d < b.minRTT {
		b.minRTT = d
	}
}

// OnSent accumulates delivered bytes and probes the rate once
// probeInterval has elapsed since the last probe.
func (b *BBRLite) OnSent(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered += int64(n)
	b.maybeProbeLocked()
}

// OnFeedback is a no-op for Strategy B: it derives its rate from delivered
// bytes and RTT samples rather than from the receiver's measured rate.
func (b *BBRLite) OnFeedback(float64) {}

func (b *BBRLite) maybeProbeLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastProbe)
	if elapsed < probeInterval || b.lastRTT == 0 {
		return
	}
	deliveryRate := float64(b.delivered) / elapsed.Seconds()
	btlbw := float64(b.delivered) / b.lastRTT.Seconds()

	queueRatio := 1.0
	if b.minRTT > 0 {
		queueRatio = float64(b.lastRTT) / float64(b.minRTT)
	}
	gain := math.Exp(-(queueRatio - 1))

	candidate := b.pacingRate * btlbw * gain
	floor := 0.8 * deliveryRate
	if candidate < floor {
		candidate = floor
	}
	b.pacingRate = clamp(candidate)
	b.limiter.SetLimit(rate.Limit(b.pacingRate))
	b.limiter.SetBurst(int(b.pacingRate))

	b.delivered = 0
	b.lastProbe = now
}

// PacingRate returns the current pacing rate in bytes/sec.
func (b *BBRLite) PacingRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pacingRate
}

// Limiter returns the token bucket the sender's writer task paces against.
func (b *BBRLite) Limiter() *rate.Limiter {
	return b.limiter
}

// SeedRate overrides pacingRate directly, for the first-FlowControl
// bandwidth hint.
func (b *BBRLite) SeedRate(bytesPerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pacingRate = clamp(bytesPerSec)
	b.limiter.SetLimit(rate.Limit(b.pacingRate))
	b.limiter.SetBurst(int(b.pacingRate))
}
