package regs

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

// Bus routes physical addresses to the windows mapped on it.
type Bus struct {
	mu      sync.RWMutex
	windows []*Window
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Map places s at base under name. Overlapping windows are rejected.
func (b *Bus) Map(name string, base uint64, s Surface) (*Window, error) {
	if name == "" {
		return nil, fmt.Errorf("regs: window name is empty")
	}
	if s == nil {
		return nil, fmt.Errorf("regs: window %q has nil surface", name)
	}
	size := s.Size()
	if size == 0 {
		return nil, fmt.Errorf("regs: window %q at 0x%x has zero size", name, base)
	}
	if base+size < base {
		return nil, fmt.Errorf("regs: window %q at 0x%x with size 0x%x overflows", name, base, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.windows {
		if existing.Name == name {
			return nil, fmt.Errorf("regs: window %q already mapped", name)
		}
		if regionsOverlap(base, size, existing.Base, existing.Surface.Size()) {
			return nil, fmt.Errorf(
				"regs: window %q 0x%x-0x%x overlaps %q 0x%x-0x%x",
				name, base, base+size-1,
				existing.Name, existing.Base, existing.Base+existing.Surface.Size()-1)
		}
	}

	w := NewWindow(name, base, s)
	b.windows = append(b.windows, w)
	sort.Slice(b.windows, func(i, j int) bool { return b.windows[i].Base < b.windows[j].Base })
	return w, nil
}

// Windows returns the mapped windows ordered by base address.
func (b *Bus) Windows() []*Window {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Window(nil), b.windows...)
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

func (b *Bus) find(addr uint64, size int) (*Window, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	end := addr + uint64(size)
	for _, w := range b.windows {
		if addr >= w.Base && end <= w.Base+w.Surface.Size() {
			return w, nil
		}
	}
	return nil, fmt.Errorf("regs: no device at address 0x%x", addr)
}

// ReadMMIO dispatches a read to the window containing addr.
func (b *Bus) ReadMMIO(addr uint64, data []byte) error {
	w, err := b.find(addr, len(data))
	if err != nil {
		return err
	}
	return w.ReadMMIO(addr, data)
}

// WriteMMIO dispatches a write to the window containing addr.
func (b *Bus) WriteMMIO(addr uint64, data []byte) error {
	w, err := b.find(addr, len(data))
	if err != nil {
		return err
	}
	return w.WriteMMIO(addr, data)
}

// Read32 reads a word from the bus.
func (b *Bus) Read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := b.ReadMMIO(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 writes a word to the bus.
func (b *Bus) Write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return b.WriteMMIO(addr, buf[:])
}

// WriteMSI delivers a message-signaled interrupt as the word store it is.
func (b *Bus) WriteMSI(msg irqchip.Message) error {
	if err := b.Write32(msg.Addr, msg.Data); err != nil {
		slog.Warn("regs: dropped MSI", "addr", fmt.Sprintf("0x%x", msg.Addr), "data", msg.Data, "err", err)
		return err
	}
	return nil
}

var _ irqchip.MSISink = (*Bus)(nil)

// View returns the size bytes at base as a Surface, for drivers that reach
// their device through the bus. The range must lie inside one window.
func (b *Bus) View(base, size uint64) (Surface, error) {
	w, err := b.find(base, 4)
	if err != nil {
		return nil, err
	}
	if base+size > w.Base+w.Surface.Size() {
		return nil, fmt.Errorf("regs: view 0x%x+0x%x runs past window %q", base, size, w.Name)
	}
	return &view{s: w.Surface, off: base - w.Base, size: size}, nil
}

type view struct {
	s    Surface
	off  uint64
	size uint64
}

func (v *view) check(offset uint64) uint64 {
	if offset+4 > v.size {
		panic(fmt.Sprintf("regs: view offset 0x%x outside 0x%x bytes", offset, v.size))
	}
	return v.off + offset
}

func (v *view) Read32(offset uint64) uint32 { return v.s.Read32(v.check(offset)) }

func (v *view) Write32(offset uint64, value uint32) { v.s.Write32(v.check(offset), value) }

func (v *view) Modify32(offset uint64, fn func(uint32) uint32) {
	v.s.Modify32(v.check(offset), fn)
}

func (v *view) Size() uint64 { return v.size }
