package respcache

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// encMode uses Core Deterministic Encoding so equal values produce equal bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("respcache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("respcache: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("respcache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("respcache: zstd decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error)      { return encMode.Marshal(v) }
func unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Payload framing for shared backends: one tag byte, then the body.
const (
	tagRaw  byte = 0
	tagZstd byte = 1

	compressThreshold = 1 << 10
)

var errBadFrame = errors.New("respcache: malformed payload frame")

// pack compresses payloads above compressThreshold when that makes them smaller.
func pack(data []byte) []byte {
	if len(data) > compressThreshold {
		if c := zstdEncoder.EncodeAll(data, nil); len(c) < len(data) {
			return append([]byte{tagZstd}, c...)
		}
	}
	return append([]byte{tagRaw}, data...)
}

func unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errBadFrame
	}
	switch frame[0] {
	case tagRaw:
		return frame[1:], nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("respcache: zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, errBadFrame
	}
}
