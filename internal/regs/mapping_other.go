//go:build !linux

package regs

import "fmt"

// NewMapping falls back to a heap buffer on platforms without the linux
// anonymous mapping path.
func NewMapping(size uint64) (*Memory, error) {
	if wordCount(size) == 0 {
		return nil, fmt.Errorf("regs: mapping has zero size")
	}
	return NewMemory(size), nil
}
