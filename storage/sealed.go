package storage

import (
	"fmt"
	"math"

	"github.com/hupe1980/ntuple/internal/compress"
	"github.com/hupe1980/ntuple/internal/mem"
)

// SealedPage is the packed and compressed image of a page.
//
// It does not own Buffer: the bytes belong to whoever produced the sealed page
// (a page, a sink scratch buffer, a loaded cluster or a memory mapping) and
// must stay alive and unmodified while the sealed page is in use.
type SealedPage struct {
	Buffer    []byte
	Size      uint32
	NElements uint32
}

// Bytes returns the sealed bytes.
func (s SealedPage) Bytes() []byte { return s.Buffer[:s.Size] }

// SealedPageGroup is a run of sealed pages of one column, in commit order.
type SealedPageGroup struct {
	PhysicalColumnID DescriptorID
	Pages            []SealedPage
}

var packScratch mem.BufferPool

// SealPage packs and compresses the elements of page.
//
// The result is appended to buf[:0] when buf is large enough, otherwise to a
// fresh allocation. With compression 0 and a mappable codec no copy is made
// and the sealed page aliases page.Buffer.
func SealPage(page Page, codec ElementCodec, compression int, buf []byte) (SealedPage, error) {
	if page.NElements < 0 || page.NElements > math.MaxUint32 {
		return SealedPage{}, fmt.Errorf("seal page: invalid element count %d", page.NElements)
	}
	if page.ElementSize != codec.Size() {
		return SealedPage{}, fmt.Errorf("seal page: element size %d does not match %s codec", page.ElementSize, codec.Type())
	}

	n := page.NElements
	packedSize := codec.PackedSize(n)

	if compression == 0 && codec.Mappable() {
		return SealedPage{Buffer: page.Bytes(), Size: uint32(packedSize), NElements: uint32(n)}, nil
	}

	if compression == 0 {
		if cap(buf) < packedSize {
			buf = make([]byte, packedSize)
		}
		buf = buf[:packedSize]
		codec.Pack(buf, page.Buffer, n)
		return SealedPage{Buffer: buf, Size: uint32(packedSize), NElements: uint32(n)}, nil
	}

	packed := page.Bytes()
	if !codec.Mappable() {
		scratch := packScratch.Get(packedSize)
		defer packScratch.Put(scratch)
		codec.Pack(scratch, page.Buffer, n)
		packed = scratch
	}

	if cap(buf) < compress.Bound(packedSize) {
		buf = make([]byte, 0, compress.Bound(packedSize))
	}
	zipped, err := compress.Zip(buf[:0], packed, compression)
	if err != nil {
		return SealedPage{}, fmt.Errorf("seal page: %w", err)
	}
	return SealedPage{Buffer: zipped, Size: uint32(len(zipped)), NElements: uint32(n)}, nil
}

// UnsealPage decompresses and unpacks a sealed page into a fresh buffer of
// NElements*codec.Size() bytes.
func UnsealPage(sealed SealedPage, codec ElementCodec) ([]byte, error) {
	n := int(sealed.NElements)
	if int(sealed.Size) > len(sealed.Buffer) {
		return nil, fmt.Errorf("%w: sealed page declares %d bytes, buffer has %d", ErrCorrupt, sealed.Size, len(sealed.Buffer))
	}
	packedSize := codec.PackedSize(n)

	if codec.Mappable() {
		out, err := compress.Unzip(mem.AllocAligned(packedSize)[:0], sealed.Bytes(), packedSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return out, nil
	}

	scratch := packScratch.Get(packedSize)
	defer packScratch.Put(scratch)

	packed, err := compress.Unzip(scratch[:0], sealed.Bytes(), packedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	out := mem.AllocAligned(n * codec.Size())
	codec.Unpack(out, packed, n)
	return out, nil
}
