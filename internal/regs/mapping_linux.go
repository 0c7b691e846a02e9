//go:build linux

package regs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewMapping backs a register buffer with an anonymous shared mapping. Pages
// are only committed when touched, which keeps sparse regions such as the
// 64 MiB PLIC window cheap.
func NewMapping(size uint64) (*Memory, error) {
	length := int(wordCount(size) * 4)
	if length == 0 {
		return nil, fmt.Errorf("regs: mapping has zero size")
	}
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("regs: mmap 0x%x bytes: %w", length, err)
	}
	return &Memory{
		words:   wordsOf(b),
		release: func() error { return unix.Munmap(b) },
	}, nil
}
