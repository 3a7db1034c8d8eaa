package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"

	// Queued bodies at or above this size are stored compressed. Evidence
	// payloads with inline photos are the usual case.
	compressThreshold = 4 << 10
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("storage: creating zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("storage: creating zstd decoder: %v", err))
	}
}

// encodeBody returns the stored form of a queued body and its encoding tag.
func encodeBody(body []byte) ([]byte, string) {
	if len(body) < compressThreshold {
		return body, encodingIdentity
	}
	return zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2)), encodingZstd
}

func decodeBody(stored []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", encodingIdentity:
		return stored, nil
	case encodingZstd:
		out, err := zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing body: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}
