package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapFile(t *testing.T, data []byte) *Mapping {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.ntpl")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	m, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSlice(t *testing.T) {
	m := mapFile(t, []byte("header|page0|page1|footer"))
	assert.Equal(t, 25, m.Size())

	page, err := m.Slice(7, 5)
	require.NoError(t, err)
	assert.Equal(t, "page0", string(page))
	assert.Equal(t, 5, cap(page))

	for _, r := range []struct {
		off int64
		n   int
	}{{-1, 1}, {20, 6}, {0, -1}} {
		_, err := m.Slice(r.off, r.n)
		assert.ErrorIs(t, err, ErrOutOfBounds, "%+v", r)
	}
}

func TestReadAt(t *testing.T) {
	m := mapFile(t, []byte("0123456789"))

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))

	n, err = m.ReadAt(make([]byte, 4), 8)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)

	_, err = m.ReadAt(buf, 10)
	assert.Equal(t, io.EOF, err)
	_, err = m.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestHints(t *testing.T) {
	size := 3*os.Getpagesize() + 100
	m := mapFile(t, make([]byte, size))

	require.NoError(t, m.Advise(HintRandom))
	// Unaligned cluster spans are widened to page boundaries.
	require.NoError(t, m.Prefetch(int64(os.Getpagesize())+17, 1000))
	require.NoError(t, m.Prefetch(0, 0))
	assert.ErrorIs(t, m.Prefetch(int64(size-10), 20), ErrOutOfBounds)
	require.NoError(t, m.Advise(HintNormal))
}

func TestEmptyFile(t *testing.T) {
	m := mapFile(t, nil)
	assert.Zero(t, m.Size())
	assert.Empty(t, m.Bytes())
	require.NoError(t, m.Advise(HintRandom))
	require.NoError(t, m.Close())
}

func TestClosed(t *testing.T) {
	m := mapFile(t, []byte("data"))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Nil(t, m.Bytes())
	assert.ErrorIs(t, m.Advise(HintRandom), ErrClosed)
	assert.ErrorIs(t, m.Prefetch(0, 1), ErrClosed)
	_, err := m.Slice(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
}
