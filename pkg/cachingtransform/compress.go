package cachingtransform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how cached artifacts are stored on disk. The value is
// part of the cache key, so artifacts written with different settings never
// collide.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

var errCorruptArtifact = errors.New("corrupt cached artifact")

// maxArtifactSize bounds the decoded size of a cached artifact. Larger
// length headers are treated as corruption.
const maxArtifactSize = 1 << 30

// lz4MaxRatio is the largest expansion an lz4 block can encode.
const lz4MaxRatio = 255

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses "none" (or empty), "zstd" or "lz4".
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown cache compression %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	parsed, err := ParseCompression(string(text))
	if err != nil {
		return err
	}

	*c = parsed

	return nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var zstdCodec = sync.OnceValues(func() (*zstdPair, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArtifactSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &zstdPair{enc: enc, dec: dec}, nil
})

type zstdPair struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// lz4 artifacts are framed as: mode byte, uvarint raw length, payload.
const (
	lz4Stored     byte = 0
	lz4Compressed byte = 1
)

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		codec, err := zstdCodec()
		if err != nil {
			return nil, err
		}

		return codec.enc.EncodeAll(data, nil), nil
	case CompressionLZ4:
		return compressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		codec, err := zstdCodec()
		if err != nil {
			return nil, err
		}

		out, err := codec.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", errCorruptArtifact, err)
		}

		return out, nil
	case CompressionLZ4:
		return decompressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	header := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(header[1:], uint64(len(data)))
	header = header[:1+n]

	block := make([]byte, lz4.CompressBlockBound(len(data)))

	written, err := lz4.CompressBlock(data, block, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		header[0] = lz4Stored

		return append(header, data...), nil
	}

	header[0] = lz4Compressed

	return append(header, block[:written]...), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: lz4 header truncated", errCorruptArtifact)
	}

	mode := data[0]

	size, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: lz4 length", errCorruptArtifact)
	}

	payload := data[1+n:]

	if size > maxArtifactSize || size > uint64(len(payload))*lz4MaxRatio+lz4MaxRatio {
		return nil, fmt.Errorf("%w: lz4 length %d for %d byte payload", errCorruptArtifact, size, len(payload))
	}

	switch mode {
	case lz4Stored:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("%w: lz4 stored size %d, want %d", errCorruptArtifact, len(payload), size)
		}

		return payload, nil
	case lz4Compressed:
		out := make([]byte, size)

		read, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", errCorruptArtifact, err)
		}

		if uint64(read) != size {
			return nil, fmt.Errorf("%w: lz4 got %d bytes, want %d", errCorruptArtifact, read, size)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: lz4 mode %d", errCorruptArtifact, mode)
	}
}
