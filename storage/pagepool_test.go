package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolPage(k pageKey, n int) Page {
	p := NewPage(k.physID, make([]byte, n), 1, n)
	p.NElements = n
	p.key = k
	return p
}

func TestPagePool(t *testing.T) {
	pool, err := NewPagePool(1 << 20)
	require.NoError(t, err)
	defer pool.Close()

	k := pageKey{physID: 1, clusterID: 2, pageNo: 3}
	_, ok := pool.get(k)
	assert.False(t, ok)

	p := pool.register(poolPage(k, 16))
	dup := pool.register(poolPage(k, 16))
	assert.Same(t, &p.Buffer[0], &dup.Buffer[0])
	got, ok := pool.get(k)
	require.True(t, ok)
	assert.Same(t, &p.Buffer[0], &got.Buffer[0])
	assert.Equal(t, 1, pool.InUse())

	for range 3 {
		require.NoError(t, pool.Return(p))
	}
	assert.ErrorIs(t, pool.Return(p), ErrUnknownPage)
	assert.Equal(t, 0, pool.InUse())

	pool.Wait()
	assert.True(t, pool.cached(k))
	got, ok = pool.get(k)
	require.True(t, ok)
	assert.Same(t, &p.Buffer[0], &got.Buffer[0])
	require.NoError(t, pool.Return(got))

	other := pageKey{physID: 4}
	pool.preload(poolPage(other, 8))
	pool.Wait()
	assert.True(t, pool.cached(other))

	pool.Clear()
	assert.False(t, pool.cached(other))
	assert.False(t, pool.cached(k))
}

func TestPagePoolWithoutCache(t *testing.T) {
	pool, err := NewPagePool(0)
	require.NoError(t, err)
	defer pool.Close()

	k := pageKey{physID: 1}
	p := pool.register(poolPage(k, 4))
	require.NoError(t, pool.Return(p))
	pool.preload(p)
	pool.Wait()
	_, ok := pool.get(k)
	assert.False(t, ok)
}
