package control

import (
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	buf := make([]byte, HeaderSize+msg.bodyLen())
	n, err := Encode(buf, msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Encode wrote %d, want %d", n, len(buf))
	}
	got, consumed, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("Decode consumed %d, want %d", consumed, len(buf))
	}
	return got
}

func TestRoundTripAllTypes(t *testing.T) {
	cases := []Message{
		Init{ClientPublicKey: [32]byte{1, 2, 3}, EncryptionEnabled: true, LinkCount: 2, ChunkSize: 1200, SegmentSize: 65536, BufferHint: 4, ClientVersion: 1, ClientTimestampUs: 1000},
		InitAck{ServerPublicKey: [32]byte{9}, EncryptionEnabled: true, ChunkSize: 1200, SegmentSize: 65536, BaseRedundancy: 0.2, TotalFileSize: 1 << 20, TotalSegments: 16, ChunksPerSegment: 55, ServerVersion: 1, EchoClientTimeUs: 1000, ServerTimestampUs: 1100},
		KeyExchange{PublicKey: [32]byte{5, 5, 5}},
		Nack{SegmentID: 3, MissingChunkIDs: []uint32{1, 4, 9}, ReceiveRatio: 0.75, LinkID: 0},
		Nack{SegmentID: 8, MissingChunkIDs: nil, ReceiveRatio: 0, LinkID: 1},
		SegmentComplete{SegmentID: 3, ReceivedChunks: 55, DuplicateCount: 4, ElapsedMs: 120},
		FlowControl{BufferHeadroomSegments: 10, LastCompletedSegmentID: 3, SegmentsInProgress: 2, ObservedLossRate: 0.05, ProcessingRate: 120, SuggestedRate: 130},
		Heartbeat{Sequence: 1, TimestampUs: 42},
		HeartbeatAck{Sequence: 1, TimestampUs: 43},
		Close{},
	}
	for _, want := range cases {
		got := roundTrip(t, want)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%T: round trip mismatch\n got: %+v\nwant: %+v", want, got, want)
		}
	}
}

func TestDecodeRejectsBadMagicVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	if _, _, err := Decode(buf); err != ErrMagic {
		t.Fatalf("got %v, want ErrMagic", err)
	}
	encodeHeader(buf, TypeClose, 0)
	buf[4] = 99
	if _, _, err := Decode(buf); err != ErrVersion {
		t.Fatalf("got %v, want ErrVersion", err)
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	var msg Close
	full := make([]byte, HeaderSize)
	Encode(full, msg)
	// Claim a body longer than what follows.
	full[6] = 5
	if _, _, err := Decode(full); err != ErrShort {
		t.Fatalf("got %v, want ErrShort", err)
	}
}

func TestPeekType(t *testing.T) {
	buf := make([]byte, HeaderSize+Heartbeat{}.bodyLen())
	Encode(buf, Heartbeat{Sequence: 9, TimestampUs: 1})
	typ, ok := PeekType(buf)
	if !ok || typ != TypeHeartbeat {
		t.Fatalf("PeekType = %v, %v; want TypeHeartbeat, true", typ, ok)
	}
	if _, ok := PeekType([]byte{1, 2}); ok {
		t.Fatal("PeekType should fail on short buffer")
	}
}
