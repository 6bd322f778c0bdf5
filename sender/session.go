// Package sender implements the sending half of the protocol: handshake,
// segment production, forward redundancy, NACK service and paced output.
// It is the "server" side of the handshake: it binds a socket and waits
// for a receiver's Init, splitting responsibilities between a bound
// endpoint (Engine) and a live per-peer session record (Session).
package sender

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/soypat/brudp/chunk"
	"github.com/soypat/brudp/congestion"
	"github.com/soypat/brudp/crypto"
	"github.com/soypat/brudp/internal/ids"
	"github.com/soypat/brudp/pathstats"
)

// cachedSegment is the sender's retransmit-service cache entry for one
// live segment: its full chunk list (originals and redundants already
// generated), published once by the producer and read many times by the
// NACK service.
type cachedSegment struct {
	chunks []chunk.Chunk
}

// Session holds the per-peer sender state: peer address, the optional
// AEAD session, the next segment id, the live segment cache, the
// congestion controller and link statistics.
type Session struct {
	mu sync.RWMutex

	peerAddr net.Addr
	aead     *crypto.Session
	// serverPublic is this session's ephemeral X25519 public key, set once
	// key exchange completes and echoed back in InitAck.
	serverPublic [32]byte

	nextSegmentID uint64

	cache     *ids.OrderedMap[cachedSegment]
	confirmed atomic.Uint64

	cong    congestion.Controller
	links   *pathstats.Manager
	linkID  uint16
	baseRed float64

	// servicedAt rate-limits repeat retransmit service for the same
	// (segment, chunk) within a short window: under heavy loss a segment
	// can be NACKed again before its previous retransmit had a chance to
	// arrive, and resending every time would waste the pacing budget.
	servicedAt *recentCache
}

// NewSession constructs a sender Session for one transfer.
func NewSession(cong congestion.Controller, baseRedundancy float64) *Session {
	links := pathstats.NewManager()
	links.AddLink(0)
	return &Session{
		cache:      ids.NewOrderedMap[cachedSegment](),
		cong:       cong,
		links:      links,
		baseRed:    baseRedundancy,
		servicedAt: newRecentCache(1024),
	}
}

func (s *Session) setPeer(addr net.Addr) {
	s.mu.Lock()
	s.peerAddr = addr
	s.mu.Unlock()
}

func (s *Session) peer() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddr
}

func (s *Session) setAEAD(sess *crypto.Session) {
	s.mu.Lock()
	s.aead = sess
	s.mu.Unlock()
}

func (s *Session) aeadSession() *crypto.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aead
}

// nextSegment allocates and returns the next monotonically increasing
// segment id, starting at 1.
func (s *Session) nextSegment() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSegmentID++
	return s.nextSegmentID
}

// publish stores a segment's full chunk list for retransmit service.
// Called exactly once per segment, by the producer.
func (s *Session) publish(segmentID uint64, chunks []chunk.Chunk) {
	s.cache.Set(segmentID, cachedSegment{chunks: chunks})
}

// lookup returns the cached chunk list for segmentID, for the NACK
// service's read-many access.
func (s *Session) lookup(segmentID uint64) ([]chunk.Chunk, bool) {
	cs, ok := s.cache.Get(segmentID)
	return cs.chunks, ok
}

// evict drops a segment's cache entry once its SegmentComplete arrives,
// and counts the segment as confirmed. Cached chunks are never discarded
// earlier than that.
func (s *Session) evict(segmentID uint64) {
	s.cache.Delete(segmentID)
	s.confirmed.Add(1)
}

// ConfirmedCount reports how many segments have been confirmed by
// SegmentComplete so far, for external progress reporting (cmd/brudp-send).
func (s *Session) ConfirmedCount() uint64 { return s.confirmed.Load() }

// liveCount reports how many segments are still cached awaiting
// SegmentComplete.
func (s *Session) liveCount() int { return s.cache.Len() }

// recordNack feeds a received NACK's loss signal into the reporting link's
// stats, so redundancyRatio and link weights (pathstats.Manager.Tick)
// react to observed loss.
func (s *Session) recordNack(linkID uint16, missing int) {
	l := s.links.Get(linkID)
	if l == nil {
		l = s.links.Get(0)
	}
	if l == nil || missing == 0 {
		return
	}
	for i := 0; i < missing; i++ {
		l.RecordLoss()
	}
}

// redundancyRatio computes r := clamp(base + 2*loss_rate, min, max),
// using the worst loss rate across registered links.
func (s *Session) redundancyRatio(min, max float64) float64 {
	var worst float64
	for _, l := range s.links.Links() {
		if lr := l.LossRate(); lr > worst {
			worst = lr
		}
	}
	r := s.baseRed + 2*worst
	if r < min {
		r = min
	}
	if r > max {
		r = max
	}
	return r
}
