package protocol

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FlagZstd marks a body compressed with zstd. Encode sets it and Decode clears it, so
// callers only ever see plain bodies.
const FlagZstd byte = 0x02

// CompressThreshold is the smallest body Encode tries to compress.
const CompressThreshold = 4 << 10

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(uint64(MaxBodyLen)))
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress returns the zstd form of body when it is worth sending.
func compress(body []byte) ([]byte, bool) {
	if len(body) < CompressThreshold {
		return body, false
	}
	enc, _, err := zstdCodecs()
	if err != nil {
		return body, false
	}
	out := enc.EncodeAll(body, make([]byte, 0, len(body)/2))
	if len(out) >= len(body) {
		return body, false
	}
	return out, true
}

func decompress(body []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: zstd body: %w", err)
	}
	if uint32(len(out)) > MaxBodyLen {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}
