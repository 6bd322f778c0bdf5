package sender

import (
	"fmt"
	"time"
)

// String renders a Report as a one-line, human-readable summary.
func (r Report) String() string {
	pct := 0.0
	if r.TotalSegments > 0 {
		pct = 100 * float64(r.ConfirmedSegments) / float64(r.TotalSegments)
	}
	return fmt.Sprintf("sent %d/%d segments (%.1f%%), %d chunk retransmits, in %s",
		r.ConfirmedSegments, r.TotalSegments, pct, r.RetransmittedChunks, r.Elapsed.Round(time.Millisecond))
}
