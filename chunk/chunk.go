// Package chunk implements the wire unit of transmission: splitting a
// segment's bytes into MTU-safe chunks, generating redundant duplicates,
// and reassembling a segment from arriving chunks.
//
// Chunks carry a variable-length payload after a fixed header, so encoding
// is a plain struct with an explicit Encode/Decode pair rather than a
// buffer-view accessor: the data payload is sliced directly out of the
// decode buffer, so Decode performs no allocation beyond the Chunk value
// itself.
package chunk

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Header field sizes, in wire order. A 2-byte little-endian header length
// precedes these fields so a decoder recovers the header size exactly
// without assuming it, tolerating serializers that emit a longer header.
const (
	fSegmentID    = 8
	fChunkID      = 4
	fTotalChunks  = 4
	fOffset       = 4
	fDataLen      = 4
	fSegmentSize  = 8
	fLinkID       = 2
	fFlags        = 1
	fCRC32        = 4
	fSendTimeUs   = 8
	HeaderSize    = fSegmentID + fChunkID + fTotalChunks + fOffset + fDataLen +
		fSegmentSize + fLinkID + fFlags + fCRC32 + fSendTimeUs
	LengthPrefixSize = 2
)

const flagRedundant = 1 << 0

var (
	// ErrShortBuffer is returned by Decode when the buffer cannot hold a
	// complete length-prefixed header.
	ErrShortBuffer = errors.New("chunk: buffer too short for header")
	// ErrHeaderLength is returned by Decode when the declared header length
	// does not fit the remaining buffer, or is implausibly small.
	ErrHeaderLength = errors.New("chunk: invalid header length")
	// ErrCRC is returned by Decode when the payload fails its CRC32 check.
	// A silent-drop condition at the caller.
	ErrCRC = errors.New("chunk: CRC32 mismatch")
)

// A Chunk is one MTU-safe wire unit belonging to a Segment.
type Chunk struct {
	SegmentID       uint64
	ChunkID         uint32
	TotalChunks     uint32
	Offset          uint32
	SegmentSize     uint64
	LinkID          uint16
	IsRedundant     bool
	CRC32           uint32
	SendTimestampUs uint64
	// Data is the opaque payload. After Decode it aliases the input buffer.
	Data []byte
}

// DataLen returns len(Data) as it would appear on the wire.
func (c *Chunk) DataLen() int { return len(c.Data) }

// WireSize returns the number of bytes Encode will produce for c.
func (c *Chunk) WireSize() int { return LengthPrefixSize + HeaderSize + len(c.Data) }

// ComputeCRC32 sets c.CRC32 from the current contents of c.Data.
func (c *Chunk) ComputeCRC32() {
	c.CRC32 = crc32.ChecksumIEEE(c.Data)
}

// Encode serializes c into buf, which must be at least c.WireSize() bytes,
// and returns the number of bytes written.
func (c *Chunk) Encode(buf []byte) (int, error) {
	need := c.WireSize()
	if len(buf) < need {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(HeaderSize))
	b := buf[LengthPrefixSize:]
	off := 0
	binary.LittleEndian.PutUint64(b[off:], c.SegmentID)
	off += fSegmentID
	binary.LittleEndian.PutUint32(b[off:], c.ChunkID)
	off += fChunkID
	binary.LittleEndian.PutUint32(b[off:], c.TotalChunks)
	off += fTotalChunks
	binary.LittleEndian.PutUint32(b[off:], c.Offset)
	off += fOffset
	binary.LittleEndian.PutUint32(b[off:], uint32(len(c.Data)))
	off += fDataLen
	binary.LittleEndian.PutUint64(b[off:], c.SegmentSize)
	off += fSegmentSize
	binary.LittleEndian.PutUint16(b[off:], c.LinkID)
	off += fLinkID
	var flags uint8
	if c.IsRedundant {
		flags |= flagRedundant
	}
	b[off] = flags
	off += fFlags
	binary.LittleEndian.PutUint32(b[off:], c.CRC32)
	off += fCRC32
	binary.LittleEndian.PutUint64(b[off:], c.SendTimestampUs)
	off += fSendTimeUs
	n := copy(b[off:], c.Data)
	return LengthPrefixSize + off + n, nil
}

// Decode parses a chunk frame from buf. The returned Chunk's Data field
// aliases buf; callers that need to retain it past buf's lifetime must copy.
// Decode does not verify the CRC32; call Verify for that. A malformed
// header is rejected here, while a bad CRC is rejected by the caller so it
// can count the event separately from framing errors.
func Decode(buf []byte) (Chunk, int, error) {
	var c Chunk
	if len(buf) < LengthPrefixSize {
		return c, 0, ErrShortBuffer
	}
	h := int(binary.LittleEndian.Uint16(buf[0:2]))
	if h < HeaderSize || LengthPrefixSize+h > len(buf) {
		return c, 0, ErrHeaderLength
	}
	b := buf[LengthPrefixSize : LengthPrefixSize+h]
	off := 0
	c.SegmentID = binary.LittleEndian.Uint64(b[off:])
	off += fSegmentID
	c.ChunkID = binary.LittleEndian.Uint32(b[off:])
	off += fChunkID
	c.TotalChunks = binary.LittleEndian.Uint32(b[off:])
	off += fTotalChunks
	c.Offset = binary.LittleEndian.Uint32(b[off:])
	off += fOffset
	dataLen := binary.LittleEndian.Uint32(b[off:])
	off += fDataLen
	c.SegmentSize = binary.LittleEndian.Uint64(b[off:])
	off += fSegmentSize
	c.LinkID = binary.LittleEndian.Uint16(b[off:])
	off += fLinkID
	flags := b[off]
	c.IsRedundant = flags&flagRedundant != 0
	off += fFlags
	c.CRC32 = binary.LittleEndian.Uint32(b[off:])
	off += fCRC32
	c.SendTimestampUs = binary.LittleEndian.Uint64(b[off:])
	off += fSendTimeUs
	_ = off // off == HeaderSize at this point, h may exceed it for forward compat.

	dataStart := LengthPrefixSize + h
	dataEnd := dataStart + int(dataLen)
	if dataEnd > len(buf) {
		return c, 0, ErrShortBuffer
	}
	c.Data = buf[dataStart:dataEnd]
	return c, dataEnd, nil
}

// Verify reports whether c.CRC32 matches the checksum of c.Data. A chunk
// that fails this gate never contributes to assembly or deduplication.
func (c *Chunk) Verify() bool {
	return c.CRC32 == crc32.ChecksumIEEE(c.Data)
}
