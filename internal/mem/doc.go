// Package mem provides aligned page buffers.
//
// Page buffers are reinterpreted as typed element slices by callers, so they
// are aligned to 64 bytes. BufferPool recycles them by power-of-two size class.
package mem
