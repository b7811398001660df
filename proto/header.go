package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the wire protocol version carried in every header.
const Version byte = 1

// HeaderSize is the fixed size of the frame header in bytes.
const HeaderSize = 10

type MsgType byte

const (
	TypeHandshake MsgType = 0x01
	TypeAck       MsgType = 0x02 // handshake acknowledgment carrying the assigned connection id
	TypeCommand   MsgType = 0x03
	TypeResponse  MsgType = 0x04
)

func (t MsgType) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeAck:
		return "ack"
	case TypeCommand:
		return "command"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Valid reports whether t is a known message type.
func (t MsgType) Valid() bool {
	return t >= TypeHandshake && t <= TypeResponse
}

var (
	ErrShortHeader     = errors.New("frame header truncated")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrBadType         = errors.New("unknown message type")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum message size")
)

// Header is the fixed 10-byte frame header, network byte order:
// version:u8 | type:u8 | sequence:u32 | payloadLength:u32.
type Header struct {
	Version    byte
	Type       MsgType
	Sequence   uint32
	PayloadLen uint32
}

// Encode appends the wire representation of h to dst and returns the result.
func (h Header) Encode(dst []byte) []byte {
	var buf [HeaderSize]byte
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Sequence)
	binary.BigEndian.PutUint32(buf[6:10], h.PayloadLen)
	return append(dst, buf[:]...)
}

// DecodeHeader parses a header from b. It does not validate version or type;
// that is the protocol engine's job so it can answer with a proper error
// response instead of a parse failure.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Version:    b[0],
		Type:       MsgType(b[1]),
		Sequence:   binary.BigEndian.Uint32(b[2:6]),
		PayloadLen: binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// ReadFrame reads one complete frame from r. The payload length is checked
// against maxPayload before any payload bytes are read so an oversized
// length field cannot force a large allocation.
func ReadFrame(r io.Reader, maxPayload uint32) (Header, []byte, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := DecodeHeader(hbuf[:])
	if err != nil {
		return Header{}, nil, err
	}
	if h.PayloadLen > maxPayload {
		return h, nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, maxPayload)
	}
	if h.PayloadLen == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// WriteFrame writes a header for payload and the payload itself as a single
// buffer so the frame hits the socket in one write.
func WriteFrame(w io.Writer, typ MsgType, seq uint32, payload []byte) error {
	h := Header{
		Version:    Version,
		Type:       typ,
		Sequence:   seq,
		PayloadLen: uint32(len(payload)),
	}
	buf := h.Encode(make([]byte, 0, HeaderSize+len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
