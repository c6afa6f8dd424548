package redisbackend

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/entitycache/graphjson/internal/sync"
)

// Compression selects how payload bytes are stored in Redis.
type Compression uint8

const (
	// CompressionNone stores payloads as produced by the codec.
	CompressionNone Compression = iota
	// CompressionZstd stores payloads as a zstd frame (better ratio).
	CompressionZstd
	// CompressionLZ4 stores payloads as an lz4 frame (faster).
	CompressionLZ4
)

func (c Compression) suffix() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return ""
	}
}

func (c Compression) String() string {
	if s := c.suffix(); s != "" {
		return s
	}
	return "none"
}

// EncodeAll and DecodeAll are safe for concurrent use, so one of each is shared.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress returns the stored bytes and the stored format, e.g. "json+zstd".
func compress(c Compression, format string, data []byte) ([]byte, string, error) {
	switch c {
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, "", err
		}
		return enc.EncodeAll(data, nil), format + "+" + c.suffix(), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), format + "+" + c.suffix(), nil
	default:
		return data, format, nil
	}
}

// decompress reverses compress based on the stored format suffix and returns
// the codec format the payload was produced with.
func decompress(stored string, data []byte) ([]byte, string, error) {
	base, suffix, ok := strings.Cut(stored, "+")
	if !ok {
		return data, stored, nil
	}
	switch suffix {
	case CompressionZstd.suffix():
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, "", err
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, "", fmt.Errorf("redisbackend: zstd payload: %w", err)
		}
		return out, base, nil
	case CompressionLZ4.suffix():
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, "", fmt.Errorf("redisbackend: lz4 payload: %w", err)
		}
		return out, base, nil
	default:
		return nil, "", fmt.Errorf("redisbackend: unknown payload compression %q", suffix)
	}
}
