// Package regs provides word-granular register surfaces and the MMIO plumbing
// that places them on a physical address bus.
package regs

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Surface is a fixed-size register file addressed by byte offset. All
// accesses are 32 bits wide and 4-byte aligned. Each call is atomic with
// respect to other accesses of the same word; nothing spanning more than one
// word is.
type Surface interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, value uint32)
	// Modify32 performs a single read-modify-write of the word at offset.
	Modify32(offset uint64, fn func(uint32) uint32)
	// Size returns the byte length of the register file.
	Size() uint64
}

// Memory is a plain word buffer with no side effects on access. It backs
// register regions whose semantics live elsewhere (or nowhere, for layout
// tests).
type Memory struct {
	words   []uint32
	release func() error
}

// NewMemory allocates a zeroed register buffer of size bytes on the heap.
func NewMemory(size uint64) *Memory {
	return &Memory{words: make([]uint32, wordCount(size))}
}

func wordCount(size uint64) uint64 {
	return (size + 3) / 4
}

// wordsOf reinterprets a page aligned byte mapping as words.
func wordsOf(b []byte) []uint32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func (m *Memory) word(offset uint64) *uint32 {
	if offset%4 != 0 {
		panic(fmt.Sprintf("regs: unaligned register offset 0x%x", offset))
	}
	idx := offset / 4
	if idx >= uint64(len(m.words)) {
		panic(fmt.Sprintf("regs: register offset 0x%x outside 0x%x byte region", offset, m.Size()))
	}
	return &m.words[idx]
}

// Read32 implements Surface.
func (m *Memory) Read32(offset uint64) uint32 {
	return atomic.LoadUint32(m.word(offset))
}

// Write32 implements Surface.
func (m *Memory) Write32(offset uint64, value uint32) {
	atomic.StoreUint32(m.word(offset), value)
}

// Modify32 implements Surface.
func (m *Memory) Modify32(offset uint64, fn func(uint32) uint32) {
	w := m.word(offset)
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, fn(old)) {
			return
		}
	}
}

// Size implements Surface.
func (m *Memory) Size() uint64 {
	return uint64(len(m.words)) * 4
}

// Close releases the backing storage of a mapped buffer. It is a no-op for
// heap buffers.
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	m.words = nil
	return release()
}

var _ Surface = (*Memory)(nil)
