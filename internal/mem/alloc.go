package mem

import (
	"math/bits"
	"sync"
	"unsafe"
)

// Alignment is the byte alignment of buffers returned by this package.
// It covers every element width of a page and a full cache line.
const Alignment = 64

// AllocAligned allocates a byte slice of the given size aligned to Alignment.
// It returns nil for size <= 0.
func AllocAligned(size int) []byte {
	if size <= 0 {
		return nil
	}

	buf := make([]byte, size+Alignment)
	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // alignment needs the address
	offset := (Alignment - (addr & (Alignment - 1))) & (Alignment - 1)
	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

const (
	minClassShift = 6  // 64 B
	maxClassShift = 26 // 64 MiB
)

// sizeClass returns the power-of-two class for n, or -1 if n is too large to pool.
func sizeClass(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// BufferPool recycles aligned buffers in power-of-two size classes.
// It is safe for concurrent use.
type BufferPool struct {
	classes [maxClassShift - minClassShift + 1]sync.Pool
}

// Get returns an aligned buffer of length n. Its contents are unspecified.
func (p *BufferPool) Get(n int) []byte {
	if n <= 0 {
		return nil
	}
	c := sizeClass(n)
	if c < 0 {
		return AllocAligned(n)
	}
	if v := p.classes[c].Get(); v != nil {
		buf := *(v.(*[]byte))
		return buf[:n]
	}
	return AllocAligned(1 << (c + minClassShift))[:n]
}

// Put returns buf to the pool. Buffers not obtained from Get are dropped.
func (p *BufferPool) Put(buf []byte) {
	c := sizeClass(cap(buf))
	if c < 0 || cap(buf) != 1<<(c+minClassShift) {
		return
	}
	buf = buf[:cap(buf)]
	p.classes[c].Put(&buf)
}
