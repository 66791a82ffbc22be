package codec

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"query-rpc/rpcerr"
)

// MsgpackCodec is the binary format. It encodes the same value tree as JSONCodec
// without field quoting or textual numbers, so typical envelopes are noticeably smaller.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := msgp.AppendIntf(nil, tree)
	if err != nil {
		return nil, fmt.Errorf("codec msgpack: %w", err)
	}
	return data, nil
}

func (c *MsgpackCodec) Decode(data []byte) (any, error) {
	v, rest, err := msgp.ReadIntfBytes(data)
	if err != nil {
		return nil, rpcerr.Parse("Failed to parse MessagePack: " + err.Error())
	}
	if len(rest) != 0 {
		return nil, rpcerr.Parse(fmt.Sprintf("Failed to parse MessagePack: %d trailing bytes", len(rest)))
	}
	return Normalize(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}

func (c *MsgpackCodec) Name() string {
	return "msgpack"
}
