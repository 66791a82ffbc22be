package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"query-rpc/rpcerr"
)

// cborDecMode decodes untyped maps as map[string]any instead of map[any]any.
var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// CBORCodec is an alternative binary format for peers that already speak CBOR.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("codec cbor: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte) (any, error) {
	var v any
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return nil, rpcerr.Parse("Failed to parse CBOR: " + err.Error())
	}
	return Normalize(v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

func (c *CBORCodec) Name() string {
	return "cbor"
}
