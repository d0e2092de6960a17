package store

import (
	"fmt"

	"codeberg.org/mutker/tripunit/internal/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the codec of a stored page. The values are
// persisted in capture_pages.compression.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string
// representation.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4", "":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, errors.New().WithData(ErrCodec, name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPage compresses data with tag, falling back to
// CompressionNone when the codec does not shrink it.
func compressPage(data []byte, tag CompressionTag) ([]byte, CompressionTag, error) {
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, 0, errors.New().Wrap(ErrCodec, err)
		}
		if written == 0 || written >= len(data) {
			return data, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil
	}

	return nil, 0, errors.New().WithData(ErrCodec, tag.String())
}

// decompressPage reverses compressPage. rawSize must match exactly.
func decompressPage(data []byte, tag CompressionTag, rawSize int) ([]byte, error) {
	errFactory := errors.New()

	var out []byte
	switch tag {
	case CompressionNone:
		out = data

	case CompressionLZ4:
		out = make([]byte, rawSize)
		read, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, errFactory.Wrap(ErrCodec, err)
		}
		out = out[:read]

	case CompressionZstd:
		var err error
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, errFactory.Wrap(ErrCodec, err)
		}

	default:
		return nil, errFactory.WithData(ErrCodec, tag.String())
	}

	if len(out) != rawSize {
		return nil, errFactory.WithData(ErrInvalidPage, struct {
			Got  int
			Want int
		}{
			Got:  len(out),
			Want: rawSize,
		})
	}

	return out, nil
}
