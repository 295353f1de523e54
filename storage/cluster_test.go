package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClusterStaging(t *testing.T) {
	c := NewCluster(3)
	assert.Equal(t, DescriptorID(3), c.ID())
	assert.False(t, c.ContainsColumn(0))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := DescriptorID(i)
			c.Insert(OnDiskPageKey{PhysicalColumnID: id}, SealedPage{Buffer: []byte{byte(i)}, Size: 1, NElements: 1})
			c.SetColumnAvailable(id)
			assert.True(t, c.ContainsColumn(id))
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, c.NOnDiskPages())
	assert.Equal(t, 8, c.AvailableColumns().Len())
	sp, ok := c.OnDiskPage(OnDiskPageKey{PhysicalColumnID: 5})
	assert.True(t, ok)
	assert.Equal(t, []byte{5}, sp.Buffer)
	_, ok = c.OnDiskPage(OnDiskPageKey{PhysicalColumnID: 5, PageNo: 1})
	assert.False(t, ok)
}
