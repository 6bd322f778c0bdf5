package receiver

import (
	"testing"

	"github.com/soypat/brudp/chunk"
)

func makeChunk(segmentID uint64, chunkID, totalChunks uint32, offset uint32, data []byte) *chunk.Chunk {
	c := &chunk.Chunk{
		SegmentID:   segmentID,
		ChunkID:     chunkID,
		TotalChunks: totalChunks,
		Offset:      offset,
		SegmentSize: uint64(totalChunks) * uint64(len(data)),
		Data:        data,
	}
	c.ComputeCRC32()
	return c
}

func newNegotiatedSession(totalFileSize, segmentSize, totalSegments uint64, chunksPerSegment uint32) *Session {
	s := NewSession()
	s.setNegotiated(5, segmentSize, totalFileSize, totalSegments, chunksPerSegment, 0)
	return s
}

func TestInsertChunkCompletesOnLastChunk(t *testing.T) {
	s := newNegotiatedSession(10, 10, 1, 2)
	c0 := makeChunk(1, 0, 2, 0, []byte("hello"))
	asm, dup, done := s.insertChunk(c0)
	if asm == nil || dup || done {
		t.Fatalf("first chunk: dup=%v done=%v, want accepted and incomplete", dup, done)
	}

	c1 := makeChunk(1, 1, 2, 5, []byte("world"))
	asm, dup, done = s.insertChunk(c1)
	if asm == nil || dup || !done {
		t.Fatalf("second chunk: dup=%v done=%v, want accepted and complete", dup, done)
	}
	if string(asm.Bytes()) != "helloworld" {
		t.Fatalf("assembled bytes = %q, want %q", asm.Bytes(), "helloworld")
	}
}

func TestInsertChunkDetectsDuplicate(t *testing.T) {
	s := newNegotiatedSession(10, 10, 1, 2)
	c0 := makeChunk(1, 0, 2, 0, []byte("hello"))
	s.insertChunk(c0)
	_, dup, done := s.insertChunk(c0)
	if !dup || done {
		t.Fatalf("re-inserting the same chunk id: dup=%v done=%v, want dup=true done=false", dup, done)
	}
}

func TestInsertChunkIgnoresArrivalsAfterAssembly(t *testing.T) {
	s := newNegotiatedSession(10, 10, 1, 2)
	s.insertChunk(makeChunk(1, 0, 2, 0, []byte("hello")))
	s.insertChunk(makeChunk(1, 1, 2, 5, []byte("world")))
	s.completeSegment(1, []byte("helloworld"))

	asm, dup, done := s.insertChunk(makeChunk(1, 0, 2, 0, []byte("hello")))
	if asm != nil || !dup || done {
		t.Fatalf("late arrival for an already-assembled segment: asm=%v dup=%v done=%v, want nil/true/false", asm, dup, done)
	}
}

func TestInsertChunkIgnoresLateChunksBeforeFinalStore(t *testing.T) {
	s := newNegotiatedSession(10, 10, 1, 2)
	s.insertChunk(makeChunk(1, 0, 2, 0, []byte("hello")))
	if _, _, done := s.insertChunk(makeChunk(1, 1, 2, 5, []byte("world"))); !done {
		t.Fatal("second chunk should complete the segment")
	}

	// A redundant copy arrives after completion but before the assembler
	// task has stored the segment's bytes: it must be classified as a
	// duplicate, not reopen the segment as a fresh partial.
	asm, dup, done := s.insertChunk(makeChunk(1, 0, 2, 0, []byte("hello")))
	if asm != nil || !dup || done {
		t.Fatalf("late chunk in the store window: asm=%v dup=%v done=%v, want nil/true/false", asm, dup, done)
	}
	if targets := s.pendingNacks(10); len(targets) != 0 {
		t.Fatalf("completed-but-unstored segment must not be a NACK target, got %+v", targets)
	}
}

func TestReopenSegmentRestoresNackTarget(t *testing.T) {
	s := newNegotiatedSession(10, 10, 1, 2)
	s.insertChunk(makeChunk(1, 0, 2, 0, []byte("hello")))
	s.insertChunk(makeChunk(1, 1, 2, 5, []byte("world")))
	if targets := s.pendingNacks(10); len(targets) != 0 {
		t.Fatalf("complete segment must not be a NACK target, got %+v", targets)
	}

	// The assembled bytes were rejected (decrypt failure): the whole
	// segment must become requestable again.
	s.reopenSegment(1)
	targets := s.pendingNacks(10)
	if len(targets) != 1 || targets[0].segmentID != 1 || len(targets[0].missing) != 2 {
		t.Fatalf("reopened segment should be a whole-segment NACK target, got %+v", targets)
	}
}

func TestPendingNacksListsPartialBeforeUnseen(t *testing.T) {
	s := newNegotiatedSession(30, 10, 3, 2)
	// Segment 2 is partially received (missing its second chunk); segments
	// 1 and 3 have never been seen at all.
	s.insertChunk(makeChunk(2, 0, 2, 0, []byte("hello")))

	targets := s.pendingNacks(10)
	if len(targets) != 3 {
		t.Fatalf("pendingNacks returned %d targets, want 3 (1 partial + 2 unseen)", len(targets))
	}
	if targets[0].segmentID != 2 || len(targets[0].missing) != 1 || targets[0].missing[0] != 1 {
		t.Fatalf("partial segment must be listed first with only its missing chunk id, got %+v", targets[0])
	}
	if targets[1].segmentID != 1 || len(targets[1].missing) != 2 {
		t.Fatalf("unseen segment 1 must list every chunk id, got %+v", targets[1])
	}
	if targets[2].segmentID != 3 || len(targets[2].missing) != 2 {
		t.Fatalf("unseen segment 3 must list every chunk id, got %+v", targets[2])
	}
}

func TestPendingNacksSortsPartialsByAscendingID(t *testing.T) {
	s := newNegotiatedSession(50, 10, 5, 2)
	s.insertChunk(makeChunk(4, 0, 2, 0, []byte("hello")))
	s.insertChunk(makeChunk(2, 0, 2, 0, []byte("hello")))
	s.insertChunk(makeChunk(3, 0, 2, 0, []byte("hello")))

	targets := s.pendingNacks(3)
	if len(targets) != 3 {
		t.Fatalf("pendingNacks returned %d targets, want 3 partials", len(targets))
	}
	for i, want := range []uint64{2, 3, 4} {
		if targets[i].segmentID != want {
			t.Fatalf("target %d has segment id %d, want %d (ascending order)", i, targets[i].segmentID, want)
		}
	}
}

func TestPendingNacksRespectsMaxSegments(t *testing.T) {
	s := newNegotiatedSession(30, 10, 3, 2)
	targets := s.pendingNacks(1)
	if len(targets) != 1 {
		t.Fatalf("pendingNacks(1) returned %d targets, want 1", len(targets))
	}
}

func TestConcatenateOrdersByAscendingSegmentID(t *testing.T) {
	s := newNegotiatedSession(30, 10, 3, 2)
	// Complete out of order to verify concatenate sorts by id, not arrival.
	s.completeSegment(3, []byte("ghi"))
	s.completeSegment(1, []byte("abc"))
	s.completeSegment(2, []byte("def"))

	got := s.concatenate()
	if string(got) != "abcdefghi" {
		t.Fatalf("concatenate() = %q, want %q", got, "abcdefghi")
	}
}

func TestExpectedPlainSegmentSizeShortensFinalSegment(t *testing.T) {
	// 25 bytes over a nominal 10-byte segment size: 3 segments, last one 5.
	s := newNegotiatedSession(25, 10, 3, 2)
	if got := s.expectedPlainSegmentSize(1); got != 10 {
		t.Fatalf("expectedPlainSegmentSize(1) = %d, want 10", got)
	}
	if got := s.expectedPlainSegmentSize(2); got != 10 {
		t.Fatalf("expectedPlainSegmentSize(2) = %d, want 10", got)
	}
	if got := s.expectedPlainSegmentSize(3); got != 5 {
		t.Fatalf("expectedPlainSegmentSize(3) = %d, want 5 (the remainder)", got)
	}
}
