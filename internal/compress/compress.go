package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression algorithm inside a setting.
type Algorithm uint8

const (
	// AlgorithmNone stores data uncompressed.
	AlgorithmNone Algorithm = 0
	// AlgorithmLZ4 uses LZ4 block compression (fast, good for hot data).
	AlgorithmLZ4 Algorithm = 4
	// AlgorithmZSTD uses ZSTD block compression (better ratio).
	AlgorithmZSTD Algorithm = 5
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

const (
	// DefaultSetting is ZSTD level 5.
	DefaultSetting = 505

	headerSize = 5
)

var (
	// ErrInvalidSetting is returned for settings with an unknown algorithm or level.
	ErrInvalidSetting = errors.New("compress: invalid compression setting")
	// ErrCorrupt is returned when a frame cannot be decoded.
	ErrCorrupt = errors.New("compress: corrupt frame")
)

// SplitSetting decomposes a setting into algorithm and level.
func SplitSetting(setting int) (Algorithm, int) {
	return Algorithm(setting / 100), setting % 100
}

// ValidateSetting checks that setting names a supported algorithm and level.
func ValidateSetting(setting int) error {
	if setting == 0 {
		return nil
	}
	if setting < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSetting, setting)
	}
	algo, level := SplitSetting(setting)
	switch algo {
	case AlgorithmLZ4, AlgorithmZSTD:
	default:
		return fmt.Errorf("%w: %d (unknown algorithm %d)", ErrInvalidSetting, setting, algo)
	}
	if level < 1 || level > 22 {
		return fmt.Errorf("%w: %d (level %d)", ErrInvalidSetting, setting, level)
	}
	return nil
}

var (
	zstdEncoderPools [5]sync.Pool // indexed by zstd.EncoderLevel
	zstdDecoderPool  sync.Pool
)

func getZstdEncoder(level zstd.EncoderLevel) *zstd.Encoder {
	if v := zstdEncoderPools[level].Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	return enc
}

func putZstdEncoder(level zstd.EncoderLevel, enc *zstd.Encoder) {
	zstdEncoderPools[level].Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Bound returns the largest size Zip can produce for n input bytes.
func Bound(n int) int {
	return n
}

// Zip compresses src according to setting and appends the result to dst.
//
// With setting 0, or when compression does not shrink the data, src is appended
// verbatim. The result length therefore never exceeds len(src).
func Zip(dst, src []byte, setting int) ([]byte, error) {
	if err := ValidateSetting(setting); err != nil {
		return nil, err
	}
	if setting == 0 || len(src) <= headerSize {
		return append(dst, src...), nil
	}

	algo, level := SplitSetting(setting)
	start := len(dst)
	dst = append(dst, byte(algo), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(dst[start+1:], uint32(len(src)))

	switch algo {
	case AlgorithmLZ4:
		bound := lz4.CompressBlockBound(len(src))
		dst = grow(dst, bound)
		n, err := lz4.CompressBlock(src, dst[start+headerSize:start+headerSize+bound], nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// incompressible
			return append(dst[:start], src...), nil
		}
		dst = dst[:start+headerSize+n]
	case AlgorithmZSTD:
		zl := zstd.EncoderLevelFromZstd(level)
		enc := getZstdEncoder(zl)
		dst = enc.EncodeAll(src, dst)
		putZstdEncoder(zl, enc)
	}

	if len(dst)-start >= len(src) {
		return append(dst[:start], src...), nil
	}
	return dst, nil
}

// Unzip decodes src, whose uncompressed size is rawSize, and appends the
// result to dst.
func Unzip(dst, src []byte, rawSize int) ([]byte, error) {
	if len(src) == rawSize {
		return append(dst, src...), nil
	}
	if len(src) < headerSize {
		return nil, fmt.Errorf("%w: frame too small (%d bytes)", ErrCorrupt, len(src))
	}
	algo := Algorithm(src[0])
	size := int(binary.LittleEndian.Uint32(src[1:]))
	if size != rawSize {
		return nil, fmt.Errorf("%w: frame declares %d bytes, expected %d", ErrCorrupt, size, rawSize)
	}
	payload := src[headerSize:]

	start := len(dst)
	switch algo {
	case AlgorithmLZ4:
		dst = grow(dst, rawSize)
		n, err := lz4.UncompressBlock(payload, dst[start:start+rawSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return dst[:start+rawSize], nil
	case AlgorithmZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		out, err := dec.DecodeAll(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if len(out)-start != rawSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrCorrupt, algo)
	}
}

// grow extends b by n bytes of length, reallocating if needed.
func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	nb := make([]byte, len(b)+n, 2*len(b)+n)
	copy(nb, b)
	return nb
}
