package chunk

import "testing"

// FuzzDecode exercises Decode against arbitrary byte strings: a malformed
// header must return an error, never panic, and a successful decode must
// never report consuming more bytes than it was given.
func FuzzDecode(f *testing.F) {
	seed := Chunk{SegmentID: 1, ChunkID: 0, TotalChunks: 1, SegmentSize: 4, Data: []byte("abcd")}
	seed.ComputeCRC32()
	buf := make([]byte, seed.WireSize())
	seed.Encode(buf)
	f.Add(buf)
	f.Add([]byte{})
	f.Add([]byte{0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		c, consumed, err := Decode(data)
		if err != nil {
			return
		}
		if consumed > len(data) {
			t.Fatalf("decode reported consuming %d of %d bytes", consumed, len(data))
		}
		_ = c.Verify() // must not panic regardless of CRC outcome.
	})
}
