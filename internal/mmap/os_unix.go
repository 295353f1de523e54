//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// osMap maps the file shared and read-only. The mapping outlives f.
func osMap(f *os.File, size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}

func osAdvise(data []byte, h Hint) error {
	if len(data) == 0 {
		return nil
	}
	advice := unix.MADV_NORMAL
	switch h {
	case HintRandom:
		advice = unix.MADV_RANDOM
	case HintWillNeed:
		advice = unix.MADV_WILLNEED
	}
	return unix.Madvise(data, advice)
}
