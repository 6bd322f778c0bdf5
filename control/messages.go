package control

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrBadLength = errors.New("control: body length does not match declared length")

func putFloat64(buf []byte, f float64) { binary.LittleEndian.PutUint64(buf, math.Float64bits(f)) }
func getFloat64(buf []byte) float64    { return math.Float64frombits(binary.LittleEndian.Uint64(buf)) }

// --- Init ---------------------------------------------------------------

type Init struct {
	ClientPublicKey   [32]byte
	EncryptionEnabled bool
	LinkCount         uint16
	ChunkSize         uint32 // 0 = accept server default
	SegmentSize       uint32 // 0 = accept server default
	BufferHint        uint32
	ClientVersion     uint8
	ClientTimestampUs uint64
}

func (Init) Type() Type   { return TypeInit }
func (Init) bodyLen() int { return 32 + 1 + 2 + 4 + 4 + 4 + 1 + 8 }

func (m Init) encodeBody(buf []byte) (int, error) {
	off := copy(buf, m.ClientPublicKey[:])
	buf[off] = boolByte(m.EncryptionEnabled)
	off++
	binary.LittleEndian.PutUint16(buf[off:], m.LinkCount)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], m.ChunkSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.SegmentSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.BufferHint)
	off += 4
	buf[off] = m.ClientVersion
	off++
	binary.LittleEndian.PutUint64(buf[off:], m.ClientTimestampUs)
	off += 8
	return off, nil
}

func decodeInit(buf []byte) (Init, error) {
	var m Init
	if len(buf) != m.bodyLen() {
		return m, ErrBadLength
	}
	off := copy(m.ClientPublicKey[:], buf[:32])
	m.EncryptionEnabled = buf[off] != 0
	off++
	m.LinkCount = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	m.ChunkSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.SegmentSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.BufferHint = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.ClientVersion = buf[off]
	off++
	m.ClientTimestampUs = binary.LittleEndian.Uint64(buf[off:])
	return m, nil
}

// --- InitAck --------------------------------------------------------------

type InitAck struct {
	ServerPublicKey    [32]byte
	EncryptionEnabled  bool
	ChunkSize          uint32
	SegmentSize        uint32
	BaseRedundancy     float64
	TotalFileSize      uint64
	TotalSegments      uint64
	ChunksPerSegment   uint32
	ServerVersion      uint8
	EchoClientTimeUs   uint64
	ServerTimestampUs  uint64
}

func (InitAck) Type() Type   { return TypeInitAck }
func (InitAck) bodyLen() int { return 32 + 1 + 4 + 4 + 8 + 8 + 8 + 4 + 1 + 8 + 8 }

func (m InitAck) encodeBody(buf []byte) (int, error) {
	off := copy(buf, m.ServerPublicKey[:])
	buf[off] = boolByte(m.EncryptionEnabled)
	off++
	binary.LittleEndian.PutUint32(buf[off:], m.ChunkSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], m.SegmentSize)
	off += 4
	putFloat64(buf[off:], m.BaseRedundancy)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.TotalFileSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.TotalSegments)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.ChunksPerSegment)
	off += 4
	buf[off] = m.ServerVersion
	off++
	binary.LittleEndian.PutUint64(buf[off:], m.EchoClientTimeUs)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.ServerTimestampUs)
	off += 8
	return off, nil
}

func decodeInitAck(buf []byte) (InitAck, error) {
	var m InitAck
	if len(buf) != m.bodyLen() {
		return m, ErrBadLength
	}
	off := copy(m.ServerPublicKey[:], buf[:32])
	m.EncryptionEnabled = buf[off] != 0
	off++
	m.ChunkSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.SegmentSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.BaseRedundancy = getFloat64(buf[off:])
	off += 8
	m.TotalFileSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.TotalSegments = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.ChunksPerSegment = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.ServerVersion = buf[off]
	off++
	m.EchoClientTimeUs = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.ServerTimestampUs = binary.LittleEndian.Uint64(buf[off:])
	return m, nil
}

// --- KeyExchange ------------------------------------------------------

type KeyExchange struct {
	PublicKey [32]byte
}

func (KeyExchange) Type() Type   { return TypeKeyExchange }
func (KeyExchange) bodyLen() int { return 32 }

func (m KeyExchange) encodeBody(buf []byte) (int, error) {
	return copy(buf, m.PublicKey[:]), nil
}

func decodeKeyExchange(buf []byte) (KeyExchange, error) {
	var m KeyExchange
	if len(buf) != 32 {
		return m, ErrBadLength
	}
	copy(m.PublicKey[:], buf)
	return m, nil
}

// --- Nack -----------------------------------------------------------------

// Nack reports, for SegmentID, which chunk ids are still missing. An empty
// MissingChunkIDs list is a whole-segment NACK by convention: the receiver
// hasn't seen any chunk of the segment yet.
type Nack struct {
	SegmentID        uint64
	MissingChunkIDs  []uint32
	ReceiveRatio     float64
	LinkID           uint16
}

func (Nack) Type() Type { return TypeNack }
func (m Nack) bodyLen() int {
	return 8 + 4 + len(m.MissingChunkIDs)*4 + 8 + 2
}

func (m Nack) encodeBody(buf []byte) (int, error) {
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], m.SegmentID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.MissingChunkIDs)))
	off += 4
	for _, id := range m.MissingChunkIDs {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
	}
	putFloat64(buf[off:], m.ReceiveRatio)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], m.LinkID)
	off += 2
	return off, nil
}

func decodeNack(buf []byte) (Nack, error) {
	var m Nack
	if len(buf) < 8+4 {
		return m, ErrBadLength
	}
	off := 0
	m.SegmentID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	count := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	want := off + int(count)*4 + 8 + 2
	if len(buf) != want {
		return m, ErrBadLength
	}
	if count > 0 {
		m.MissingChunkIDs = make([]uint32, count)
		for i := range m.MissingChunkIDs {
			m.MissingChunkIDs[i] = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
	}
	m.ReceiveRatio = getFloat64(buf[off:])
	off += 8
	m.LinkID = binary.LittleEndian.Uint16(buf[off:])
	return m, nil
}

// --- SegmentComplete --------------------------------------------------

type SegmentComplete struct {
	SegmentID      uint64
	ReceivedChunks uint32
	DuplicateCount uint32
	ElapsedMs      uint32
}

func (SegmentComplete) Type() Type   { return TypeSegmentComplete }
func (SegmentComplete) bodyLen() int { return 8 + 4 + 4 + 4 }

func (m SegmentComplete) encodeBody(buf []byte) (int, error) {
	binary.LittleEndian.PutUint64(buf[0:], m.SegmentID)
	binary.LittleEndian.PutUint32(buf[8:], m.ReceivedChunks)
	binary.LittleEndian.PutUint32(buf[12:], m.DuplicateCount)
	binary.LittleEndian.PutUint32(buf[16:], m.ElapsedMs)
	return 20, nil
}

func decodeSegmentComplete(buf []byte) (SegmentComplete, error) {
	var m SegmentComplete
	if len(buf) != 20 {
		return m, ErrBadLength
	}
	m.SegmentID = binary.LittleEndian.Uint64(buf[0:])
	m.ReceivedChunks = binary.LittleEndian.Uint32(buf[8:])
	m.DuplicateCount = binary.LittleEndian.Uint32(buf[12:])
	m.ElapsedMs = binary.LittleEndian.Uint32(buf[16:])
	return m, nil
}

// --- FlowControl ------------------------------------------------------

// FlowControl reports receiver-side progress and conditions; it is the
// primary input to the congestion loop. ProcessingRate is reused as an
// initial-bandwidth hint on the very first frame of a session, which the
// sender seeds its rate from; on later frames the sender derives its rate
// sample from the change in LastCompletedSegmentID. SuggestedRate is
// advisory.
type FlowControl struct {
	BufferHeadroomSegments uint32
	LastCompletedSegmentID uint64
	SegmentsInProgress     uint32
	ObservedLossRate       float64
	ProcessingRate         float64
	SuggestedRate          float64
}

func (FlowControl) Type() Type   { return TypeFlowControl }
func (FlowControl) bodyLen() int { return 4 + 8 + 4 + 8 + 8 + 8 }

func (m FlowControl) encodeBody(buf []byte) (int, error) {
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], m.BufferHeadroomSegments)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.LastCompletedSegmentID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.SegmentsInProgress)
	off += 4
	putFloat64(buf[off:], m.ObservedLossRate)
	off += 8
	putFloat64(buf[off:], m.ProcessingRate)
	off += 8
	putFloat64(buf[off:], m.SuggestedRate)
	off += 8
	return off, nil
}

func decodeFlowControl(buf []byte) (FlowControl, error) {
	var m FlowControl
	if len(buf) != m.bodyLen() {
		return m, ErrBadLength
	}
	off := 0
	m.BufferHeadroomSegments = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.LastCompletedSegmentID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	m.SegmentsInProgress = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.ObservedLossRate = getFloat64(buf[off:])
	off += 8
	m.ProcessingRate = getFloat64(buf[off:])
	off += 8
	m.SuggestedRate = getFloat64(buf[off:])
	return m, nil
}

// --- Heartbeat / HeartbeatAck ------------------------------------------

type Heartbeat struct {
	Sequence    uint32
	TimestampUs uint64
}

func (Heartbeat) Type() Type   { return TypeHeartbeat }
func (Heartbeat) bodyLen() int { return 4 + 8 }

func (m Heartbeat) encodeBody(buf []byte) (int, error) {
	binary.LittleEndian.PutUint32(buf[0:], m.Sequence)
	binary.LittleEndian.PutUint64(buf[4:], m.TimestampUs)
	return 12, nil
}

func decodeHeartbeat(buf []byte) (Heartbeat, error) {
	var m Heartbeat
	if len(buf) != 12 {
		return m, ErrBadLength
	}
	m.Sequence = binary.LittleEndian.Uint32(buf[0:])
	m.TimestampUs = binary.LittleEndian.Uint64(buf[4:])
	return m, nil
}

type HeartbeatAck struct {
	Sequence    uint32
	TimestampUs uint64
}

func (HeartbeatAck) Type() Type   { return TypeHeartbeatAck }
func (HeartbeatAck) bodyLen() int { return 4 + 8 }

func (m HeartbeatAck) encodeBody(buf []byte) (int, error) {
	binary.LittleEndian.PutUint32(buf[0:], m.Sequence)
	binary.LittleEndian.PutUint64(buf[4:], m.TimestampUs)
	return 12, nil
}

func decodeHeartbeatAck(buf []byte) (HeartbeatAck, error) {
	var m HeartbeatAck
	if len(buf) != 12 {
		return m, ErrBadLength
	}
	m.Sequence = binary.LittleEndian.Uint32(buf[0:])
	m.TimestampUs = binary.LittleEndian.Uint64(buf[4:])
	return m, nil
}

// --- Close ------------------------------------------------------------

type Close struct{}

func (Close) Type() Type                          { return TypeClose }
func (Close) bodyLen() int                        { return 0 }
func (Close) encodeBody(buf []byte) (int, error)  { return 0, nil }
func decodeClose(buf []byte) (Close, error) {
	if len(buf) != 0 {
		return Close{}, ErrBadLength
	}
	return Close{}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
