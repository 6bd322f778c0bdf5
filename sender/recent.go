package sender

import (
	"sync"
	"time"
)

// retransmitKey identifies one (segment, chunk) pair for the recent-service
// dedup cache.
type retransmitKey struct {
	segmentID uint64
	chunkID   uint32
}

type serviceRecord struct {
	key retransmitKey
	at  time.Time
}

// recentCache rate-limits how often the NACK service re-sends the same
// chunk: a fixed-capacity ring of the most recently serviced (segment,
// chunk) pairs, so a chunk NACKed again within the window is skipped rather
// than requeued, since the receiver will simply NACK it again next round if
// it's still missing. Retransmits share the pacing budget with fresh
// chunks; this keeps that budget from being wasted on a chunk already in
// flight. Once the ring is full the oldest record is overwritten, which is
// fine: an evicted pair is simply serviced again.
type recentCache struct {
	mu      sync.Mutex
	records []serviceRecord
	head    int // index of the most recently written record
	window  time.Duration
}

func newRecentCache(size int) *recentCache {
	if size <= 0 {
		panic("sender: recent cache size must be > 0")
	}
	return &recentCache{
		records: make([]serviceRecord, 0, size),
		window:  150 * time.Millisecond,
	}
}

// allow reports whether (segmentID, chunkID) may be serviced now, and
// records the attempt if so. Lookup walks backwards from the newest record:
// under a NACK burst the pairs being suppressed are the ones serviced
// moments ago, so hits cluster at the head.
func (r *recentCache) allow(segmentID uint64, chunkID uint32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := retransmitKey{segmentID, chunkID}
	i := r.head
	for range r.records {
		rec := &r.records[i]
		if rec.key == k {
			if now.Sub(rec.at) < r.window {
				return false
			}
			rec.at = now // window elapsed: service again, refresh in place.
			return true
		}
		if i == 0 {
			i = len(r.records)
		}
		i--
	}
	if len(r.records) < cap(r.records) {
		r.records = append(r.records, serviceRecord{key: k, at: now})
		r.head = len(r.records) - 1
		return true
	}
	r.head++
	if r.head == len(r.records) {
		r.head = 0
	}
	r.records[r.head] = serviceRecord{key: k, at: now}
	return true
}
