// Package codec serializes protocol envelopes to bytes and back.
//
// All codecs exchange the same canonical value tree (see Normalize), which is what makes
// them interchangeable: a tree that survives one codec survives every other.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
	CodecTypeCBOR    CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	// Decode returns a canonical value tree. Malformed input yields an *rpcerr.Error
	// of the Parse kind carrying the underlying diagnostic.
	Decode(data []byte) (any, error)
	Type() CodecType
	Name() string
}

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeCBOR:
		return &CBORCodec{}
	}

	return &MsgpackCodec{}
}

// ParseFormat maps a configured format name to a codec type.
// "text" and "binary" are the canonical names; "json", "msgpack" and "cbor" are also accepted.
func ParseFormat(format string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text", "json":
		return CodecTypeJSON, nil
	case "binary", "msgpack":
		return CodecTypeMsgpack, nil
	case "cbor":
		return CodecTypeCBOR, nil
	}
	return 0, fmt.Errorf("codec: unknown format %q", format)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("CodecType(%d)", byte(t))
}
