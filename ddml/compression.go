package ddml

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec, if any, applied to a record's bytes
// before it is written to disk. DRP carries this tag so get_direct knows
// how to invert it.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	decOnce sync.Once
	decoder *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encOnce.Do(func() {
		e, err := zstd.NewWriter(nil)
		if err != nil {
			panic(fmt.Sprintf("ddml: construct zstd encoder: %v", err))
		}
		encoder = e
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decOnce.Do(func() {
		d, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("ddml: construct zstd decoder: %v", err))
		}
		decoder = d
	})
	return decoder
}

// compress applies mode to value, returning the on-disk bytes.
func compress(mode Compression, value []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return value, nil
	case CompressionZstd:
		return zstdEncoder().EncodeAll(value, nil), nil
	default:
		return nil, fmt.Errorf("ddml: unknown compression mode %d", mode)
	}
}

// decompress inverts compress, given the logical (uncompressed) size so
// the destination buffer can be preallocated.
func decompress(mode Compression, csize []byte, lsize int) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return bytes.Clone(csize), nil
	case CompressionZstd:
		out, err := zstdDecoder().DecodeAll(csize, make([]byte, 0, lsize))
		if err != nil {
			return nil, fmt.Errorf("ddml: zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("ddml: unknown compression mode %d", mode)
	}
}
