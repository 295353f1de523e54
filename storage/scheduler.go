package storage

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// TaskScheduler is a fork-join executor used to seal and unseal pages in
// parallel. Reset starts a new batch, AddTask enqueues work and Wait blocks
// until every task of the batch finished.
//
// A scheduler may be shared by several sinks and sources, including clones
// of one source. Batches are serialized: Reset blocks until the batch of
// another caller has been waited for. AddTask and Wait belong to the caller
// that called Reset.
//
// A nil TaskScheduler makes the optional parallel paths run synchronously or
// not at all.
type TaskScheduler interface {
	Reset()
	AddTask(task func())
	Wait()
}

// PoolScheduler runs tasks on a bounded goroutine pool.
type PoolScheduler struct {
	pool  *ants.Pool
	batch sync.Mutex
	wg    *sync.WaitGroup
}

var _ TaskScheduler = (*PoolScheduler)(nil)

// NewPoolScheduler returns a scheduler with at most size concurrent workers.
func NewPoolScheduler(size int) (*PoolScheduler, error) {
	pool, err := ants.NewPool(size, ants.WithPreAlloc(false))
	if err != nil {
		return nil, err
	}
	return &PoolScheduler{pool: pool}, nil
}

// Reset starts a new batch, waiting for a running batch to finish first.
func (s *PoolScheduler) Reset() {
	s.batch.Lock()
	s.wg = new(sync.WaitGroup)
}

// AddTask submits task. If the pool rejects it, or no batch was started,
// the task runs inline.
func (s *PoolScheduler) AddTask(task func()) {
	wg := s.wg
	if wg == nil {
		task()
		return
	}
	wg.Add(1)
	run := func() {
		defer wg.Done()
		task()
	}
	if err := s.pool.Submit(run); err != nil {
		run()
	}
}

// Wait blocks until all tasks of the batch finished and ends the batch.
func (s *PoolScheduler) Wait() {
	wg := s.wg
	if wg == nil {
		return
	}
	wg.Wait()
	s.wg = nil
	s.batch.Unlock()
}

// Release stops the pool workers.
func (s *PoolScheduler) Release() {
	s.pool.Release()
}

// GroupScheduler runs each batch as an errgroup with a concurrency limit.
type GroupScheduler struct {
	limit int
	batch sync.Mutex
	g     *errgroup.Group
}

var _ TaskScheduler = (*GroupScheduler)(nil)

// NewGroupScheduler returns a scheduler running at most limit tasks at once.
// A limit <= 0 means no limit.
func NewGroupScheduler(limit int) *GroupScheduler {
	return &GroupScheduler{limit: limit}
}

func (s *GroupScheduler) Reset() {
	s.batch.Lock()
	s.g = new(errgroup.Group)
	if s.limit > 0 {
		s.g.SetLimit(s.limit)
	}
}

func (s *GroupScheduler) AddTask(task func()) {
	g := s.g
	if g == nil {
		task()
		return
	}
	g.Go(func() error {
		task()
		return nil
	})
}

func (s *GroupScheduler) Wait() {
	g := s.g
	if g == nil {
		return
	}
	_ = g.Wait()
	s.g = nil
	s.batch.Unlock()
}

// runTasks executes tasks on s, or serially when s is nil.
func runTasks(s TaskScheduler, tasks []func()) {
	if s == nil {
		for _, t := range tasks {
			t()
		}
		return
	}
	s.Reset()
	for _, t := range tasks {
		s.AddTask(t)
	}
	s.Wait()
}
