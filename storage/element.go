package storage

import (
	"encoding/binary"
	"fmt"
)

// ElementType is the on-disk type of a column element.
type ElementType uint8

const (
	ElementUnknown ElementType = iota
	ElementBit
	ElementByte
	ElementInt32
	ElementInt64
	ElementUInt32
	ElementUInt64
	ElementReal32
	ElementReal64
	// ElementIndex32 and ElementIndex64 hold collection offsets.
	ElementIndex32
	ElementIndex64
)

var elementNames = [...]string{
	ElementUnknown: "unknown",
	ElementBit:     "bit",
	ElementByte:    "byte",
	ElementInt32:   "int32",
	ElementInt64:   "int64",
	ElementUInt32:  "uint32",
	ElementUInt64:  "uint64",
	ElementReal32:  "real32",
	ElementReal64:  "real64",
	ElementIndex32: "index32",
	ElementIndex64: "index64",
}

func (t ElementType) String() string {
	if int(t) < len(elementNames) {
		return elementNames[t]
	}
	return fmt.Sprintf("ElementType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t ElementType) MarshalText() ([]byte, error) {
	if t == ElementUnknown || int(t) >= len(elementNames) {
		return nil, fmt.Errorf("cannot marshal element type %d", uint8(t))
	}
	return []byte(elementNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ElementType) UnmarshalText(b []byte) error {
	for i, name := range elementNames {
		if i > 0 && name == string(b) {
			*t = ElementType(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown element type %q", ErrCorrupt, b)
}

// ElementCodec packs in-memory elements into their on-disk representation.
//
// In memory, every element occupies Size bytes in host byte order; bits use
// one byte per element. On disk, values are little endian and bits are packed
// LSB first.
type ElementCodec interface {
	Type() ElementType
	// Size is the in-memory size of one element in bytes.
	Size() int
	// PackedSize is the on-disk size of n elements in bytes.
	PackedSize(n int) int
	// Pack writes n elements from src to dst. dst must hold PackedSize(n) bytes.
	Pack(dst, src []byte, n int)
	// Unpack is the inverse of Pack. dst must hold n*Size() bytes.
	Unpack(dst, src []byte, n int)
	// Mappable reports whether the in-memory and on-disk layouts are identical.
	Mappable() bool
}

var littleEndianHost = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// CodecFor returns the codec of an element type.
func CodecFor(t ElementType) (ElementCodec, error) {
	switch t {
	case ElementBit:
		return bitCodec{}, nil
	case ElementByte:
		return fixedCodec{typ: t, size: 1}, nil
	case ElementInt32, ElementUInt32, ElementReal32, ElementIndex32:
		return fixedCodec{typ: t, size: 4}, nil
	case ElementInt64, ElementUInt64, ElementReal64, ElementIndex64:
		return fixedCodec{typ: t, size: 8}, nil
	default:
		return nil, fmt.Errorf("no codec for element type %s", t)
	}
}

type fixedCodec struct {
	typ  ElementType
	size int
}

func (c fixedCodec) Type() ElementType    { return c.typ }
func (c fixedCodec) Size() int            { return c.size }
func (c fixedCodec) PackedSize(n int) int { return n * c.size }
func (c fixedCodec) Mappable() bool       { return littleEndianHost || c.size == 1 }

func (c fixedCodec) Pack(dst, src []byte, n int) {
	c.convert(dst, src, n)
}

func (c fixedCodec) Unpack(dst, src []byte, n int) {
	c.convert(dst, src, n)
}

// convert copies n elements, swapping bytes on big-endian hosts.
func (c fixedCodec) convert(dst, src []byte, n int) {
	total := n * c.size
	copy(dst[:total], src[:total])
	if c.Mappable() {
		return
	}
	for off := 0; off < total; off += c.size {
		e := dst[off : off+c.size]
		for i, j := 0, len(e)-1; i < j; i, j = i+1, j-1 {
			e[i], e[j] = e[j], e[i]
		}
	}
}

type bitCodec struct{}

func (bitCodec) Type() ElementType    { return ElementBit }
func (bitCodec) Size() int            { return 1 }
func (bitCodec) PackedSize(n int) int { return (n + 7) / 8 }
func (bitCodec) Mappable() bool       { return false }

func (bitCodec) Pack(dst, src []byte, n int) {
	clear(dst[:(n+7)/8])
	for i := range n {
		if src[i] != 0 {
			dst[i/8] |= 1 << (i % 8)
		}
	}
}

func (bitCodec) Unpack(dst, src []byte, n int) {
	for i := range n {
		dst[i] = (src[i/8] >> (i % 8)) & 1
	}
}
