package storage

import "sync"

// descriptorLock owns the descriptor of a source.
type descriptorLock struct {
	mu   sync.RWMutex
	desc *Descriptor
}

func newDescriptorLock() *descriptorLock {
	return &descriptorLock{desc: &Descriptor{}}
}

// SharedDescriptorGuard grants read access to a source descriptor.
// Any number of shared guards may be held at once.
type SharedDescriptorGuard struct {
	lock     *descriptorLock
	released bool
}

func (l *descriptorLock) shared() *SharedDescriptorGuard {
	l.mu.RLock()
	return &SharedDescriptorGuard{lock: l}
}

// Descriptor returns the guarded descriptor. It must not be retained after
// Release.
func (g *SharedDescriptorGuard) Descriptor() *Descriptor {
	return g.lock.desc
}

// Release gives up the guard. Calling it again is a no-op.
func (g *SharedDescriptorGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.mu.RUnlock()
}

// ExclDescriptorGuard grants write access to a source descriptor. Its release
// increments the descriptor generation.
type ExclDescriptorGuard struct {
	lock     *descriptorLock
	released bool
}

func (l *descriptorLock) exclusive() *ExclDescriptorGuard {
	l.mu.Lock()
	return &ExclDescriptorGuard{lock: l}
}

// Descriptor returns the guarded descriptor.
func (g *ExclDescriptorGuard) Descriptor() *Descriptor {
	return g.lock.desc
}

// MoveIn replaces the guarded descriptor. The generation carries over.
func (g *ExclDescriptorGuard) MoveIn(d *Descriptor) {
	d.generation = g.lock.desc.generation
	g.lock.desc = d
}

// Release bumps the generation and gives up the guard. Calling it again is a no-op.
func (g *ExclDescriptorGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.lock.desc.IncGeneration()
	g.lock.mu.Unlock()
}
