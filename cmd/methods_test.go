package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"query-rpc/codec"
	"query-rpc/rpcerr"
)

func TestSum(t *testing.T) {
	ctx := context.Background()

	got, err := sum(ctx, map[string]any{"a": int64(10), "b": int64(20)})
	require.NoError(t, err)
	assert.Equal(t, int64(30), got)

	got, err = sum(ctx, map[string]any{"a": 1.5, "b": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)

	_, err = sum(ctx, map[string]any{"a": int64(1)})
	e, ok := rpcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, rpcerr.CodeInvalidParams, e.Code)
	assert.Equal(t, "Missing 'a' or 'b' parameter", e.Message)

	_, err = sum(ctx, map[string]any{"a": "x", "b": int64(1)})
	e, ok = rpcerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "Parameters 'a' and 'b' must be numbers", e.Message)

	_, err = sum(ctx, []any{int64(1), int64(2)})
	assert.ErrorIs(t, err, rpcerr.ErrInvalidParams)
}

func TestAdd(t *testing.T) {
	got, err := add(context.Background(), []any{int64(1), int64(2), int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)

	_, err = add(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, rpcerr.ErrInvalidParams)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sleep(ctx, map[string]any{"ms": int64(5000)})
	assert.ErrorIs(t, err, rpcerr.ErrTimeout)
}

func TestRunDemo(t *testing.T) {
	cfg.Key = "demo/test"
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeMsgpack, codec.CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, runDemo(context.Background(), &out, codec.GetCodec(ct)))

			s := out.String()
			assert.Contains(t, s, `"message":"Hello, World!"`)
			assert.Contains(t, s, "-> 30")
			assert.Contains(t, s, "-> 6.5")
			assert.Contains(t, s, "MethodNotFound (-32601): Method 'nope' not found")
			assert.Contains(t, s, "InvalidParams (-32602)")
			assert.Contains(t, s, "Timeout (-32002)")
		})
	}
}
