// Package control implements the control-plane message codec: the common
// frame header and the versioned, type-tagged bodies for Init, InitAck,
// KeyExchange, Nack, SegmentComplete, FlowControl, Heartbeat/HeartbeatAck
// and Close.
//
// Decoding is type-tagged and size-checked: Decode first parses the common
// header, validates the magic and version, then dispatches to the body
// decoder for the declared type. Every failure returns a typed error; none
// panics. encode(decode(x)) == x for every well-formed frame, which the
// package's round-trip tests assert per message type.
package control

import (
	"encoding/binary"
	"errors"
)

// Magic prefixes every control frame. Chunk frames never carry it; both
// engines check it first (via PeekType) to tell control frames from chunks.
const Magic uint32 = 0x53465050

// Version is the only wire protocol version this package speaks.
const Version uint8 = 1

// Type identifies a control message body.
type Type uint8

const (
	TypeInit Type = iota + 1
	TypeInitAck
	TypeKeyExchange
	TypeNack
	TypeSegmentComplete
	TypeFlowControl
	TypeHeartbeat
	TypeHeartbeatAck
	TypeClose
)

func (t Type) String() string {
	switch t {
	case TypeInit:
		return "Init"
	case TypeInitAck:
		return "InitAck"
	case TypeKeyExchange:
		return "KeyExchange"
	case TypeNack:
		return "Nack"
	case TypeSegmentComplete:
		return "SegmentComplete"
	case TypeFlowControl:
		return "FlowControl"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeHeartbeatAck:
		return "HeartbeatAck"
	case TypeClose:
		return "Close"
	}
	return "Type(unknown)"
}

// HeaderSize is the size in bytes of the common frame header.
const HeaderSize = 4 + 1 + 1 + 2 // magic, version, type, payload length

var (
	// ErrShort is returned when the buffer is too small to hold a header or
	// the declared body.
	ErrShort = errors.New("control: frame too short")
	// ErrMagic is returned when the magic number does not match.
	ErrMagic = errors.New("control: bad magic")
	// ErrVersion is returned on an unsupported protocol version.
	ErrVersion = errors.New("control: unsupported version")
	// ErrType is returned on an unrecognized message type.
	ErrType = errors.New("control: unknown message type")
	// ErrUnexpectedType is returned when a frame's type doesn't fit the
	// handshake state that received it.
	ErrUnexpectedType = errors.New("control: unexpected message type for current state")
)

// header is the parsed common frame header.
type header struct {
	typ Type
	len uint16
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < HeaderSize {
		return h, ErrShort
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return h, ErrMagic
	}
	if buf[4] != Version {
		return h, ErrVersion
	}
	h.typ = Type(buf[5])
	h.len = binary.LittleEndian.Uint16(buf[6:8])
	if int(h.len) > len(buf)-HeaderSize {
		return h, ErrShort
	}
	return h, nil
}

func encodeHeader(buf []byte, typ Type, bodyLen int) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(typ)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(bodyLen))
}

// PeekType reports the message type of a frame without fully decoding its
// body, and whether the frame even looks like a control frame (magic and
// version check). Used by the sender and receiver engines' chunk-vs-control
// dispatch.
func PeekType(buf []byte) (Type, bool) {
	h, err := decodeHeader(buf)
	if err != nil {
		return 0, false
	}
	return h.typ, true
}

// Message is implemented by every decoded control body.
type Message interface {
	Type() Type
	encodeBody(buf []byte) (int, error)
	bodyLen() int
}

// Encode serializes msg (header + body) into buf and returns the number of
// bytes written.
func Encode(buf []byte, msg Message) (int, error) {
	need := HeaderSize + msg.bodyLen()
	if len(buf) < need {
		return 0, ErrShort
	}
	n, err := msg.encodeBody(buf[HeaderSize:])
	if err != nil {
		return 0, err
	}
	encodeHeader(buf, msg.Type(), n)
	return HeaderSize + n, nil
}

// Decode parses the common header and dispatches to the body decoder for
// its type, returning the decoded Message, which the caller type switches
// on, and the number of bytes consumed.
func Decode(buf []byte) (Message, int, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	body := buf[HeaderSize : HeaderSize+int(h.len)]
	var msg Message
	switch h.typ {
	case TypeInit:
		msg, err = decodeInit(body)
	case TypeInitAck:
		msg, err = decodeInitAck(body)
	case TypeKeyExchange:
		msg, err = decodeKeyExchange(body)
	case TypeNack:
		msg, err = decodeNack(body)
	case TypeSegmentComplete:
		msg, err = decodeSegmentComplete(body)
	case TypeFlowControl:
		msg, err = decodeFlowControl(body)
	case TypeHeartbeat:
		msg, err = decodeHeartbeat(body)
	case TypeHeartbeatAck:
		msg, err = decodeHeartbeatAck(body)
	case TypeClose:
		msg, err = decodeClose(body)
	default:
		return nil, 0, ErrType
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, HeaderSize + int(h.len), nil
}
