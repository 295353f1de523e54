package file

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/ntuple/internal/hash"
	"github.com/hupe1980/ntuple/storage"
)

const (
	MagicNumber = 0x4C50544E // "NTPL"
	Version     = 1

	// PreambleSize is the size of the fixed block at the start of the file.
	PreambleSize = 16
	// TrailerSize is the size of the fixed block at the end of a committed file.
	TrailerSize = 4 + 8 + 4 + 8 + 4 + 4 + 4

	// Extension is the conventional file name extension.
	Extension = ".ntpl"
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
)

// Layout of an ntuple file:
//
//	preamble | header envelope | cluster pages... | page lists... | footer envelope | trailer
//
// Sealed pages of a cluster are contiguous. Page lists follow the clusters
// they describe. The trailer locates the header and footer envelopes.

func encodePreamble() []byte {
	buf := make([]byte, PreambleSize)
	binary.LittleEndian.PutUint32(buf[0:], MagicNumber)
	binary.LittleEndian.PutUint32(buf[4:], Version)
	// [8:16] reserved
	return buf
}

func checkPreamble(buf []byte) error {
	if len(buf) < PreambleSize {
		return fmt.Errorf("%w: file too short", storage.ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != MagicNumber {
		return fmt.Errorf("%w: %w", storage.ErrCorrupt, ErrInvalidMagic)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != Version {
		return fmt.Errorf("%w: %w %d", storage.ErrCorrupt, ErrInvalidVersion, v)
	}
	return nil
}

// Trailer locates the envelopes of a committed file.
type Trailer struct {
	HeaderOffset uint64
	HeaderSize   uint32
	FooterOffset uint64
	FooterSize   uint32
}

// Encode returns the trailer bytes:
//
//	magic u32 | header off u64 | header size u32 | footer off u64 |
//	footer size u32 | crc32c u32 (of the preceding bytes) | magic u32
func (t *Trailer) Encode() []byte {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint32(buf[0:], MagicNumber)
	binary.LittleEndian.PutUint64(buf[4:], t.HeaderOffset)
	binary.LittleEndian.PutUint32(buf[12:], t.HeaderSize)
	binary.LittleEndian.PutUint64(buf[16:], t.FooterOffset)
	binary.LittleEndian.PutUint32(buf[24:], t.FooterSize)
	binary.LittleEndian.PutUint32(buf[28:], hash.CRC32C(buf[:28]))
	binary.LittleEndian.PutUint32(buf[32:], MagicNumber)
	return buf
}

// DecodeTrailer parses the trailer at the end of data and checks that the
// envelopes it points to lie within the file.
func DecodeTrailer(data []byte) (*Trailer, error) {
	if len(data) < PreambleSize+TrailerSize {
		return nil, fmt.Errorf("%w: file too short for a trailer", storage.ErrCorrupt)
	}
	buf := data[len(data)-TrailerSize:]
	if binary.LittleEndian.Uint32(buf[0:]) != MagicNumber || binary.LittleEndian.Uint32(buf[32:]) != MagicNumber {
		return nil, fmt.Errorf("%w: %w in trailer", storage.ErrCorrupt, ErrInvalidMagic)
	}
	if hash.CRC32C(buf[:28]) != binary.LittleEndian.Uint32(buf[28:]) {
		return nil, fmt.Errorf("%w: trailer checksum mismatch", storage.ErrCorrupt)
	}
	t := &Trailer{
		HeaderOffset: binary.LittleEndian.Uint64(buf[4:]),
		HeaderSize:   binary.LittleEndian.Uint32(buf[12:]),
		FooterOffset: binary.LittleEndian.Uint64(buf[16:]),
		FooterSize:   binary.LittleEndian.Uint32(buf[24:]),
	}
	limit := uint64(len(data) - TrailerSize)
	if t.HeaderOffset+uint64(t.HeaderSize) > limit || t.FooterOffset+uint64(t.FooterSize) > limit {
		return nil, fmt.Errorf("%w: trailer points beyond the file", storage.ErrCorrupt)
	}
	return t, nil
}
