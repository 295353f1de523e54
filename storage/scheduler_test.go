package storage

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSchedulers(t *testing.T) {
	pool, err := NewPoolScheduler(4)
	require.NoError(t, err)
	defer pool.Release()

	for name, s := range map[string]TaskScheduler{
		"pool":      pool,
		"group":     NewGroupScheduler(3),
		"unlimited": NewGroupScheduler(0),
		"serial":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			for range 3 {
				var n atomic.Int64
				tasks := make([]func(), 100)
				for i := range tasks {
					tasks[i] = func() { n.Add(int64(i)) }
				}
				runTasks(s, tasks)
				assert.Equal(t, int64(4950), n.Load())
			}
		})
	}
}

func TestTaskSchedulerConcurrentBatches(t *testing.T) {
	pool, err := NewPoolScheduler(4)
	require.NoError(t, err)
	defer pool.Release()

	for name, s := range map[string]TaskScheduler{
		"pool":  pool,
		"group": NewGroupScheduler(2),
	} {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 100 {
						var n atomic.Int64
						tasks := make([]func(), 10)
						for i := range tasks {
							tasks[i] = func() { n.Add(1) }
						}
						runTasks(s, tasks)
						assert.Equal(t, int64(10), n.Load())
					}
				}()
			}
			wg.Wait()
		})
	}

	// Outside a batch tasks run inline.
	var n int
	pool.AddTask(func() { n++ })
	pool.Wait()
	assert.Equal(t, 1, n)
}
