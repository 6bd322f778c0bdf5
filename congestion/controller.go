// Package congestion implements the sender's pacing/congestion loop: two
// interoperable strategies sharing one Controller contract, chosen by
// configuration at session start, never per frame.
//
// Pacing itself is delegated to golang.org/x/time/rate.Limiter: each
// strategy keeps a Limiter whose Limit tracks its computed pacing rate, and
// the sender calls Limiter().WaitN(ctx, n) between data batches instead of
// hand-rolling bytes/pacing_rate sleep arithmetic: WaitN blocks for exactly
// that delay and additionally respects context cancellation, which a bare
// time.Sleep cannot.
package congestion

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	bytesPerMB = 1 << 20
	bytesPerGB = 1 << 30
)

// Clamp bounds shared by both strategies: 50 MB/s to 1 GB/s.
const (
	MinRate = 50 * bytesPerMB
	MaxRate = 1 * bytesPerGB
)

// Controller is the shared contract both strategies implement.
type Controller interface {
	// OnFeedback consumes a measured delivery rate derived from a
	// FlowControl report (bytes/sec).
	OnFeedback(measuredBytesPerSec float64)
	// OnSent records bytes released onto the wire, for strategies that
	// track delivered bytes between probes (Strategy B).
	OnSent(n int)
	// OnRTT records an RTT sample, for strategies that track it (Strategy B).
	OnRTT(d time.Duration)
	// PacingRate returns the current target rate in bytes/sec.
	PacingRate() float64
	// Limiter returns the token-bucket limiter the sender's writer task
	// paces data batches against.
	Limiter() *rate.Limiter
	// SeedRate overrides the current rate directly. Used once, on the very
	// first FlowControl frame of a session, to apply the receiver's coarse
	// bandwidth hint before any real measurement exists.
	SeedRate(bytesPerSec float64)
}

func clamp(r float64) float64 {
	if r < MinRate {
		return MinRate
	}
	if r > MaxRate {
		return MaxRate
	}
	return r
}

// Strategy selects which Controller implementation a session uses.
type Strategy uint8

const (
	StrategyTCPLike Strategy = iota
	StrategyBBRLite
)

// New constructs a Controller for the given strategy, seeded with
// initialRateBytesPerSec (typically the receiver's coarse bandwidth hint
// shipped as the first FlowControl's processing_rate field).
func New(s Strategy, initialRateBytesPerSec float64) Controller {
	switch s {
	case StrategyBBRLite:
		return newBBRLite(initialRateBytesPerSec, time.Now)
	default:
		return newTCPLike(initialRateBytesPerSec)
	}
}
