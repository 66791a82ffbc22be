package codec

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/goccy/go-json"

	"query-rpc/rpcerr"
)

// JSONCodec is the text format.
// Pros: human-readable, cross-language, easy to debug.
// Cons: larger payload (field names and numbers spelled out).
//
// Integral floats are written with a fraction ("3.0", "-0.0") or an exponent ("1e+21"),
// so they decode as float64 and the text format keeps the int/float distinction the
// binary formats carry natively.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(keepFloats(tree))
	if err != nil {
		return nil, fmt.Errorf("codec json: %w", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, rpcerr.Parse("Failed to parse JSON: " + err.Error())
	}
	// A payload is exactly one value.
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, rpcerr.Parse("Failed to parse JSON: unexpected data after top-level value")
	}
	return Normalize(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) Name() string {
	return "json"
}

// keepFloats replaces integral float64 leaves of a normalized tree with number literals
// that still read as floats. Normalize returns fresh containers, so they are rewritten in
// place.
func keepFloats(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return json.Number(floatLiteral(x))
		}
	case []any:
		for i, e := range x {
			x[i] = keepFloats(e)
		}
	case map[string]any:
		for k, e := range x {
			x[k] = keepFloats(e)
		}
	}
	return v
}

func floatLiteral(f float64) string {
	if math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64) + ".0"
	}
	return strconv.FormatFloat(f, 'e', -1, 64)
}
