package chunk

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := Chunk{
		SegmentID:       7,
		ChunkID:         3,
		TotalChunks:     10,
		Offset:          3 * 1200,
		SegmentSize:     65536,
		LinkID:          1,
		IsRedundant:     true,
		SendTimestampUs: 123456789,
		Data:            bytes.Repeat([]byte{0xAB}, 1200),
	}
	c.ComputeCRC32()

	buf := make([]byte, c.WireSize())
	n, err := c.Encode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("wrote %d, want %d", n, len(buf))
	}

	got, consumed, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d, want %d", consumed, len(buf))
	}
	if got.SegmentID != c.SegmentID || got.ChunkID != c.ChunkID || got.TotalChunks != c.TotalChunks ||
		got.Offset != c.Offset || got.SegmentSize != c.SegmentSize || got.LinkID != c.LinkID ||
		got.IsRedundant != c.IsRedundant || got.SendTimestampUs != c.SendTimestampUs {
		t.Fatalf("round trip field mismatch: got %+v want %+v", got, c)
	}
	if !bytes.Equal(got.Data, c.Data) {
		t.Fatalf("round trip data mismatch")
	}
	if !got.Verify() {
		t.Fatal("decoded chunk failed CRC verification")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, _, err := Decode(nil); err != ErrShortBuffer {
		t.Fatalf("got %v, want ErrShortBuffer", err)
	}
	if _, _, err := Decode([]byte{1, 0}); err != ErrHeaderLength {
		t.Fatalf("got %v, want ErrHeaderLength", err)
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	c := Chunk{Data: []byte("hello world")}
	c.ComputeCRC32()
	c.Data[0] ^= 0xFF
	if c.Verify() {
		t.Fatal("tampered chunk should fail CRC verification")
	}
}

func TestSplitInvariants(t *testing.T) {
	seg := Segment{ID: 5, Data: bytes.Repeat([]byte{1, 2, 3, 4}, 301)} // 1204 bytes
	chunks := seg.Split(500, 0, 1000)
	wantTotal := uint32(3)
	if len(chunks) != int(wantTotal) {
		t.Fatalf("got %d chunks, want %d", len(chunks), wantTotal)
	}
	for i, c := range chunks {
		if c.TotalChunks != wantTotal {
			t.Fatalf("chunk %d total chunks %d, want %d", i, c.TotalChunks, wantTotal)
		}
		if c.Offset != uint32(i*500) {
			t.Fatalf("chunk %d offset %d, want %d", i, c.Offset, i*500)
		}
		if !c.Verify() {
			t.Fatalf("chunk %d failed self CRC check", i)
		}
	}
	last := chunks[len(chunks)-1]
	if len(last.Data) != 1204-2*500 {
		t.Fatalf("last chunk len %d, want %d", len(last.Data), 1204-2*500)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if len(c.Data) != 500 {
			t.Fatalf("non-final chunk len %d, want 500", len(c.Data))
		}
	}
}

func TestRedundantSamplesWithoutReplacement(t *testing.T) {
	seg := Segment{ID: 1, Data: bytes.Repeat([]byte{9}, 10000)}
	chunks := seg.Split(1000, 0, 0)
	rng := rand.New(rand.NewPCG(1, 2))
	red := Redundant(chunks, 0.2, rng)
	if len(red) != 2 {
		t.Fatalf("got %d redundant chunks, want 2", len(red))
	}
	seen := map[uint32]bool{}
	for _, c := range red {
		if !c.IsRedundant {
			t.Fatal("redundant chunk not flagged")
		}
		if seen[c.ChunkID] {
			t.Fatalf("chunk id %d sampled twice", c.ChunkID)
		}
		seen[c.ChunkID] = true
		if !c.Verify() {
			t.Fatal("redundant chunk failed CRC check")
		}
	}
}

func TestAssemblerRoundTrip(t *testing.T) {
	seg := Segment{ID: 42, Data: bytes.Repeat([]byte{7}, 5000)}
	chunks := seg.Split(1200, 0, 0)
	asm := NewAssembler(uint64(len(seg.Data)), uint32(len(chunks)), 1200)

	for i, c := range chunks {
		if i == 2 {
			continue // drop one chunk to exercise partial state
		}
		accepted, dup := asm.Insert(&c)
		if !accepted || dup {
			t.Fatalf("chunk %d: accepted=%v dup=%v", i, accepted, dup)
		}
	}
	if asm.Complete() {
		t.Fatal("assembler should not be complete with a missing chunk")
	}
	missing := asm.Missing()
	if len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("missing = %v, want [2]", missing)
	}

	// duplicate delivery must not corrupt state or double-count.
	c0 := chunks[0]
	accepted, dup := asm.Insert(&c0)
	if accepted || !dup {
		t.Fatalf("re-delivery: accepted=%v dup=%v, want false/true", accepted, dup)
	}
	before := asm.ReceivedCount()

	c2 := chunks[2]
	asm.Insert(&c2)
	if !asm.Complete() {
		t.Fatal("assembler should be complete")
	}
	if asm.ReceivedCount() != before+1 {
		t.Fatalf("received count %d, want %d", asm.ReceivedCount(), before+1)
	}
	if !bytes.Equal(asm.Bytes(), seg.Data) {
		t.Fatal("assembled bytes do not match original segment")
	}
}

func TestAssemblerRejectsOutOfRangeAndBadCRC(t *testing.T) {
	asm := NewAssembler(100, 1, 100)
	oor := Chunk{ChunkID: 5, Data: []byte("x")}
	if accepted, _ := asm.Insert(&oor); accepted {
		t.Fatal("out of range chunk id should be rejected")
	}

	bad := Chunk{ChunkID: 0, Data: bytes.Repeat([]byte{1}, 100), CRC32: 0}
	if accepted, _ := asm.Insert(&bad); accepted {
		t.Fatal("chunk with bad CRC should be rejected")
	}
	if asm.ReceivedCount() != 0 {
		t.Fatal("rejected chunks must not increment received count")
	}
}
