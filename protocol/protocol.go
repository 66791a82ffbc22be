// Package protocol implements the binary frame protocol used by the TCP transport.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │mt│fl│   seq   │ bodyLen │    body ...    │
//	│ qrp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// A Query body is a uint16 key length, the key, then the payload. Reply and ReplyError
// bodies are the payload. Done ends the replies for a seq; Heartbeat has no body.
// Bodies of CompressThreshold bytes or more travel zstd-compressed under FlagZstd.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "qrp" (query rpc protocol).
// Used to reject non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte   = 0x71 // 'q'
	MagicByte2  byte   = 0x72 // 'r'
	MagicByte3  byte   = 0x70 // 'p'
	Version     byte   = 0x01
	HeaderSize  int    = 14 // 3 (magic) + 1 (version) + 1 (msgType) + 1 (flags) + 4 (seq) + 4 (bodyLen)
	MaxBodyLen  uint32 = 16 << 20
)

type MsgType byte

const (
	MsgTypeQuery      MsgType = 0 // querier → responder host
	MsgTypeReply      MsgType = 1 // one reply for seq
	MsgTypeReplyError MsgType = 2 // one transport-level error reply for seq
	MsgTypeDone       MsgType = 3 // no more replies for seq
	MsgTypeHeartbeat  MsgType = 4 // keepalive probe (no body)
)

// FlagPayload marks a query that carries a payload, even an empty one.
const FlagPayload byte = 0x01

var ErrBodyTooLarge = errors.New("protocol: body too large")

// Header represents the fixed 14-byte frame header.
type Header struct {
	MsgType MsgType
	Flags   byte
	Seq     uint32 // matches replies to their query
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different queries will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	flags := h.Flags &^ FlagZstd
	if packed, ok := compress(body); ok {
		body = packed
		flags |= FlagZstd
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	buf[5] = flags
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, ErrBodyTooLarge
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	flags := headerBuf[5]
	if flags&FlagZstd != 0 {
		var err error
		if body, err = decompress(body); err != nil {
			return nil, nil, err
		}
		flags &^= FlagZstd
	}

	return &Header{
		MsgType: msgType,
		Flags:   flags,
		Seq:     seq,
		BodyLen: uint32(len(body)),
	}, body, nil
}

// EncodeQuery builds a Query body.
func EncodeQuery(key string, payload []byte) ([]byte, error) {
	if len(key) > 0xffff {
		return nil, fmt.Errorf("protocol: key too long: %d bytes", len(key))
	}
	body := make([]byte, 2+len(key)+len(payload))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(key)))
	copy(body[2:], key)
	copy(body[2+len(key):], payload)
	return body, nil
}

// DecodeQuery splits a Query body into key and payload.
func DecodeQuery(body []byte) (key string, payload []byte, err error) {
	if len(body) < 2 {
		return "", nil, errors.New("protocol: short query body")
	}
	n := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+n {
		return "", nil, fmt.Errorf("protocol: key length %d exceeds body", n)
	}
	return string(body[2 : 2+n]), body[2+n:], nil
}
