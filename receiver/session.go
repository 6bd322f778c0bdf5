// Package receiver implements the receiving half of the protocol:
// handshake, worker-pool chunk ingestion, segment assembly, NACK
// scheduling and flow-control reporting. It mirrors sender's
// Session/Engine split.
package receiver

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/soypat/brudp/chunk"
	"github.com/soypat/brudp/crypto"
	"github.com/soypat/brudp/internal/ids"
	"github.com/soypat/brudp/pathstats"
)

// segmentProgress tracks one in-flight segment's assembler and the time its
// first chunk arrived. The NACK scheduler tells partial segments from
// never-seen ones by their presence in Session.inProgress.
type segmentProgress struct {
	asm       *chunk.Assembler
	firstSeen time.Time
}

// Session holds the per-connection receiver state: the negotiated
// transfer parameters, the optional AEAD session, the in-progress and
// assembled segment stores, and link statistics.
type Session struct {
	mu sync.RWMutex

	serverAddr net.Addr
	aead       *crypto.Session
	clientKeys crypto.KeyPair

	chunkSize        int
	segmentSize      uint64
	chunksPerSegment uint32
	totalSegments    uint64
	totalFileSize    uint64
	rtt              time.Duration

	inProgress map[uint64]*segmentProgress
	// completed marks segment ids whose final chunk has been admitted. It is
	// recorded synchronously under mu, while assembled is only written later
	// by the assembler task; without it, a late redundant copy arriving in
	// that window would find the segment neither in progress nor assembled
	// and reopen it as a phantom partial that NACKs forever.
	completed map[uint64]struct{}
	assembled *ids.OrderedMap[[]byte]

	links *pathstats.Manager
}

// NewSession constructs a receiver Session for one transfer.
func NewSession() *Session {
	links := pathstats.NewManager()
	links.AddLink(0)
	return &Session{
		inProgress: make(map[uint64]*segmentProgress),
		completed:  make(map[uint64]struct{}),
		assembled:  ids.NewOrderedMap[[]byte](),
		links:      links,
	}
}

func (s *Session) setServer(addr net.Addr) {
	s.mu.Lock()
	s.serverAddr = addr
	s.mu.Unlock()
}

func (s *Session) server() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverAddr
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

// setNegotiated records the parameters InitAck carried.
func (s *Session) setNegotiated(chunkSize int, segmentSize, totalFileSize, totalSegments uint64, chunksPerSegment uint32, rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = chunkSize
	s.segmentSize = segmentSize
	s.totalFileSize = totalFileSize
	s.totalSegments = totalSegments
	s.chunksPerSegment = chunksPerSegment
	s.rtt = rtt
}

// expectedPlainSegmentSize returns the plaintext length segmentID should
// decrypt to: segmentSize for every segment but the last, which carries
// whatever remainder totalFileSize leaves, since segments need not divide
// the file evenly.
func (s *Session) expectedPlainSegmentSize(segmentID uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if segmentID == s.totalSegments {
		rem := s.totalFileSize - (s.totalSegments-1)*s.segmentSize
		return int(rem)
	}
	return int(s.segmentSize)
}

// recordArrival feeds one chunk's arrival into its reporting link's stats,
// and a duplicate signal if asm had already seen that chunk id.
func (s *Session) recordArrival(c *chunk.Chunk, dup bool) {
	l := s.links.Get(c.LinkID)
	if l == nil {
		l = s.links.Get(0)
	}
	if l == nil {
		return
	}
	l.RecordArrival(time.Now().UnixMicro(), len(c.Data))
	if dup {
		l.RecordDuplicate()
	}
}

// observedLossRate reports the worst per-link loss rate, for FlowControl's
// observed_loss_rate field.
func (s *Session) observedLossRate() float64 {
	var worst float64
	for _, l := range s.links.Links() {
		if lr := l.LossRate(); lr > worst {
			worst = lr
		}
	}
	return worst
}

// tickLinks recomputes link weights; called on a periodic timer.
func (s *Session) tickLinks() { s.links.Tick() }

// insertChunk admits one decoded chunk into its segment's assembler,
// creating the assembler on first arrival. It returns the assembler and
// whether this insert completed the segment, so the caller can hand
// completed bytes to the assembler task without a second lookup.
func (s *Session) insertChunk(c *chunk.Chunk) (asm *chunk.Assembler, duplicate, justCompleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.completed[c.SegmentID]; done {
		return nil, true, false // already complete: a late duplicate/redundant arrival.
	}
	if _, done := s.assembled.Get(c.SegmentID); done {
		return nil, true, false
	}
	p, ok := s.inProgress[c.SegmentID]
	if !ok {
		p = &segmentProgress{
			asm:       chunk.NewAssembler(c.SegmentSize, c.TotalChunks, s.chunkSize),
			firstSeen: time.Now(),
		}
		s.inProgress[c.SegmentID] = p
	}
	wasComplete := p.asm.Complete()
	_, dup := p.asm.Insert(c)
	if !wasComplete && p.asm.Complete() {
		s.completed[c.SegmentID] = struct{}{}
		delete(s.inProgress, c.SegmentID)
		return p.asm, dup, true
	}
	return p.asm, dup, false
}

// completeSegment records a segment's final bytes in the assembled store.
func (s *Session) completeSegment(segmentID uint64, data []byte) {
	s.assembled.Set(segmentID, data)
}

// reopenSegment clears a segment's completion marker after its assembled
// bytes were rejected (decrypt failure), so the NACK scheduler requests the
// whole segment again and a clean retransmit can rebuild it.
func (s *Session) reopenSegment(segmentID uint64) {
	s.mu.Lock()
	delete(s.completed, segmentID)
	s.mu.Unlock()
}

// assembledCount reports how many segments have been fully assembled.
func (s *Session) assembledCount() int {
	return s.assembled.Len()
}

// inProgressCount reports how many segments have at least one chunk but
// are not yet complete.
func (s *Session) inProgressCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inProgress)
}

// lastCompletedSegmentID returns the highest assembled segment id, for
// FlowControl's last_completed_segment_id field.
func (s *Session) lastCompletedSegmentID() uint64 {
	var max uint64
	s.assembled.Ascend(func(id uint64, _ []byte) bool {
		max = id
		return true
	})
	return max
}

// pendingNacks builds up to maxSegments Nack descriptors:
// partially-received segments first (their actual missing ids), then
// never-seen segments (every chunk id 0..chunksPerSegment-1), scanning in
// ascending segment id order for determinism.
func (s *Session) pendingNacks(maxSegments int) []nackTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var partial, unseen []nackTarget
	for id, p := range s.inProgress {
		partial = append(partial, nackTarget{segmentID: id, missing: p.asm.Missing()})
	}
	sort.Slice(partial, func(i, j int) bool { return partial[i].segmentID < partial[j].segmentID })
	if len(partial) < maxSegments {
		need := maxSegments - len(partial)
		for id := uint64(1); id <= s.totalSegments && need > 0; id++ {
			if _, ok := s.inProgress[id]; ok {
				continue
			}
			if _, done := s.completed[id]; done {
				continue
			}
			if _, done := s.assembled.Get(id); done {
				continue
			}
			all := make([]uint32, s.chunksPerSegment)
			for i := range all {
				all[i] = uint32(i)
			}
			unseen = append(unseen, nackTarget{segmentID: id, missing: all})
			need--
		}
	}
	out := append(partial, unseen...)
	if len(out) > maxSegments {
		out = out[:maxSegments]
	}
	return out
}

type nackTarget struct {
	segmentID uint64
	missing   []uint32
}

// concatenate assembles the final output stream: every assembled segment,
// in ascending id order, concatenated.
func (s *Session) concatenate() []byte {
	var total int
	s.assembled.Ascend(func(_ uint64, data []byte) bool {
		total += len(data)
		return true
	})
	out := make([]byte, 0, total)
	s.assembled.Ascend(func(_ uint64, data []byte) bool {
		out = append(out, data...)
		return true
	})
	return out
}
