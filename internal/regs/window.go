package regs

import (
	"encoding/binary"
	"fmt"
)

// Region is a physical address range claimed by a device.
type Region struct {
	Address uint64
	Size    uint64
}

// Window exposes a Surface at a physical base address through byte oriented
// MMIO accessors. Registers are little endian. Accesses must be 4 or 8 bytes
// wide and naturally aligned; an 8 byte access is split into two word
// accesses, low word first, and is not atomic.
type Window struct {
	Name    string
	Base    uint64
	Surface Surface
}

// NewWindow places s at base.
func NewWindow(name string, base uint64, s Surface) *Window {
	return &Window{Name: name, Base: base, Surface: s}
}

// MMIORegions reports the single region covered by the window.
func (w *Window) MMIORegions() []Region {
	return []Region{{Address: w.Base, Size: w.Surface.Size()}}
}

func (w *Window) offset(addr uint64, size int) (uint64, error) {
	if size != 4 && size != 8 {
		return 0, fmt.Errorf("%s: invalid access size %d at 0x%x", w.Name, size, addr)
	}
	if addr < w.Base || addr+uint64(size) > w.Base+w.Surface.Size() {
		return 0, fmt.Errorf("%s: access at 0x%x outside window", w.Name, addr)
	}
	off := addr - w.Base
	if off%uint64(size) != 0 {
		return 0, fmt.Errorf("%s: unaligned %d byte access at 0x%x", w.Name, size, addr)
	}
	return off, nil
}

// ReadMMIO reads len(data) bytes at addr.
func (w *Window) ReadMMIO(addr uint64, data []byte) error {
	off, err := w.offset(addr, len(data))
	if err != nil {
		return err
	}
	for i := 0; i < len(data); i += 4 {
		binary.LittleEndian.PutUint32(data[i:], w.Surface.Read32(off+uint64(i)))
	}
	return nil
}

// WriteMMIO writes data at addr.
func (w *Window) WriteMMIO(addr uint64, data []byte) error {
	off, err := w.offset(addr, len(data))
	if err != nil {
		return err
	}
	for i := 0; i < len(data); i += 4 {
		w.Surface.Write32(off+uint64(i), binary.LittleEndian.Uint32(data[i:]))
	}
	return nil
}
