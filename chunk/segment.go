package chunk

import (
	"errors"
	"math"
	"math/rand/v2"
)

// Segment is the semantic unit of the transfer: a monotonically increasing
// id starting at 1 and a payload no larger than the negotiated segment size
// (the final segment may be shorter).
type Segment struct {
	ID   uint64
	Data []byte
}

// Split cuts Data into ceil(len(Data)/chunkSize) chunks for the given link.
// The last chunk's data length may be smaller than chunkSize; every other
// invariant (offset = chunkID*chunkSize, shared TotalChunks and
// SegmentSize) is established here once so downstream code never
// recomputes it.
func (s Segment) Split(chunkSize int, linkID uint16, nowUs uint64) []Chunk {
	if chunkSize <= 0 {
		panic("chunk: chunkSize must be positive")
	}
	total := uint32((len(s.Data) + chunkSize - 1) / chunkSize)
	if total == 0 {
		total = 1 // zero-length final segment still needs one (empty) chunk to signal completion.
	}
	chunks := make([]Chunk, total)
	for i := uint32(0); i < total; i++ {
		start := int(i) * chunkSize
		end := start + chunkSize
		if end > len(s.Data) {
			end = len(s.Data)
		}
		c := Chunk{
			SegmentID:       s.ID,
			ChunkID:         i,
			TotalChunks:     total,
			Offset:          uint32(start),
			SegmentSize:     uint64(len(s.Data)),
			LinkID:          linkID,
			SendTimestampUs: nowUs,
			Data:            s.Data[start:end],
		}
		c.ComputeCRC32()
		chunks[i] = c
	}
	return chunks
}

// Redundant samples ceil(len(original)*ratio) chunks without replacement,
// uniformly at random, and returns copies of them flagged IsRedundant. The
// sampling must be random per segment, not deterministic, so callers pass
// a *rand.Rand seeded from a non-deterministic source (or share
// one per session, since math/rand/v2's Rand is not safe for concurrent use).
func Redundant(original []Chunk, ratio float64, rng *rand.Rand) []Chunk {
	if ratio <= 0 || len(original) == 0 {
		return nil
	}
	if ratio > 1 {
		ratio = 1
	}
	n := int(math.Ceil(float64(len(original)) * ratio))
	if n > len(original) {
		n = len(original)
	}
	idx := rng.Perm(len(original))[:n]
	out := make([]Chunk, n)
	for i, j := range idx {
		src := original[j]
		data := make([]byte, len(src.Data))
		copy(data, src.Data)
		src.Data = data
		src.IsRedundant = true
		out[i] = src
	}
	return out
}

var (
	// ErrChunkOutOfRange is returned (and the chunk silently dropped by the
	// caller) when ChunkID >= TotalChunks.
	ErrChunkOutOfRange = errors.New("chunk: chunk id out of range")
)

// Assembler accumulates chunks for a single segment into a pre-allocated
// buffer and a received-bitmap.
type Assembler struct {
	buf         []byte
	received    []bool
	totalChunks uint32
	recvCount   uint32
	dupCount    uint32
	segmentSize uint64
	chunkSize   int
}

// NewAssembler prepares an Assembler for a segment of the given total size,
// declared chunk count and chunk size (the chunk size of all but the final
// chunk; it is stored, and each chunk is placed by the Offset it carries).
func NewAssembler(segmentSize uint64, totalChunks uint32, chunkSize int) *Assembler {
	return &Assembler{
		buf:         make([]byte, segmentSize),
		received:    make([]bool, totalChunks),
		totalChunks: totalChunks,
		segmentSize: segmentSize,
		chunkSize:   chunkSize,
	}
}

// Insert admits one chunk. It returns (accepted, duplicate): accepted is
// false for an out-of-range chunk id or a failed CRC, neither of which
// counts toward completion or dedup; duplicate is true when the bitmap bit
// was already set, counted separately and never decreasing received count.
func (a *Assembler) Insert(c *Chunk) (accepted, duplicate bool) {
	if c.ChunkID >= a.totalChunks {
		return false, false
	}
	if a.received[c.ChunkID] {
		a.dupCount++
		return false, true
	}
	if !c.Verify() {
		return false, false
	}
	end := int(c.Offset) + len(c.Data)
	if end > len(a.buf) {
		return false, false // malformed: offset/len disagree with segment size.
	}
	copy(a.buf[c.Offset:end], c.Data)
	a.received[c.ChunkID] = true
	a.recvCount++
	return true, false
}

// Complete reports whether every distinct chunk id has arrived.
func (a *Assembler) Complete() bool { return a.recvCount == a.totalChunks }

// Missing returns the chunk ids whose bitmap bit is unset, in ascending
// order. Used by the NACK scheduler.
func (a *Assembler) Missing() []uint32 {
	out := make([]uint32, 0, a.totalChunks-a.recvCount)
	for i, got := range a.received {
		if !got {
			out = append(out, uint32(i))
		}
	}
	return out
}

// ReceivedCount, DuplicateCount and TotalChunks expose the Assembler's
// progress counters for FlowControl/SegmentComplete reporting.
func (a *Assembler) ReceivedCount() uint32  { return a.recvCount }
func (a *Assembler) DuplicateCount() uint32 { return a.dupCount }
func (a *Assembler) TotalChunks() uint32    { return a.totalChunks }

// Bytes returns the assembled segment payload. Only meaningful once Complete
// reports true.
func (a *Assembler) Bytes() []byte { return a.buf }
