// Package priority implements interrupt priority values whose bit width is
// fixed at compile time by a type parameter.
//
// A Value[W] always fits in W bits, so a controller that accepts a Value[W]
// never has to truncate what it writes into a priority or threshold register.
// Zero means "never interrupt", one is the lowest real priority and the
// all-ones pattern of the width is the highest.
package priority

import (
	"fmt"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

// NativeBits is the width of the registers priorities are stored in.
const NativeBits = 32

// Width names a priority field width. Implementations are empty marker types
// whose Bits method returns a constant between 1 and NativeBits.
type Width interface {
	Bits() uint
}

type (
	W1  struct{}
	W2  struct{}
	W3  struct{}
	W4  struct{}
	W5  struct{}
	W6  struct{}
	W7  struct{}
	W8  struct{}
	W16 struct{}
	W32 struct{}
)

func (W1) Bits() uint  { return 1 }
func (W2) Bits() uint  { return 2 }
func (W3) Bits() uint  { return 3 }
func (W4) Bits() uint  { return 4 }
func (W5) Bits() uint  { return 5 }
func (W6) Bits() uint  { return 6 }
func (W7) Bits() uint  { return 7 }
func (W8) Bits() uint  { return 8 }
func (W16) Bits() uint { return 16 }
func (W32) Bits() uint { return 32 }

// BitsOf returns the width carried by W.
func BitsOf[W Width]() uint {
	var w W
	bits := w.Bits()
	if bits == 0 || bits > NativeBits {
		panic(fmt.Sprintf("priority: width %d outside 1..%d", bits, NativeBits))
	}
	return bits
}

// MaxBits returns the largest raw value representable in bits, treating a
// width of NativeBits or more as the full register.
func MaxBits(bits uint) uint32 {
	if bits >= NativeBits {
		return ^uint32(0)
	}
	return uint32(1)<<bits - 1
}

// Value is a priority or threshold in a W bit field.
type Value[W Width] struct {
	bits uint32
}

// Never returns the priority that is never delivered.
func Never[W Width]() Value[W] {
	return Value[W]{}
}

// Lowest returns the lowest deliverable priority.
func Lowest[W Width]() Value[W] {
	return Value[W]{bits: 1}
}

// Highest returns the all-ones priority of the width.
func Highest[W Width]() Value[W] {
	return Value[W]{bits: MaxBits(BitsOf[W]())}
}

// FromBits validates a raw register value. It fails with
// irqchip.ErrOutOfRange when v does not fit in W bits. At the native width
// every value is legal.
func FromBits[W Width](v uint32) (Value[W], error) {
	bits := BitsOf[W]()
	if limit := MaxBits(bits); v > limit {
		return Value[W]{}, fmt.Errorf("priority: %d does not fit in %d bits: %w", v, bits, irqchip.ErrOutOfRange)
	}
	return Value[W]{bits: v}, nil
}

// MustFromBits is FromBits for constants known to fit; it panics otherwise.
func MustFromBits[W Width](v uint32) Value[W] {
	p, err := FromBits[W](v)
	if err != nil {
		panic(err)
	}
	return p
}

// Bits returns the raw register encoding.
func (v Value[W]) Bits() uint32 {
	return v.bits
}

// IsNever reports whether v is the never-deliver priority.
func (v Value[W]) IsNever() bool {
	return v.bits == 0
}

// Compare returns -1, 0 or +1 as v is lower than, equal to or higher than o.
func (v Value[W]) Compare(o Value[W]) int {
	switch {
	case v.bits < o.bits:
		return -1
	case v.bits > o.bits:
		return 1
	}
	return 0
}

// Less reports whether v is a lower priority than o.
func (v Value[W]) Less(o Value[W]) bool {
	return v.bits < o.bits
}

func (v Value[W]) String() string {
	switch v.bits {
	case 0:
		return "never"
	case MaxBits(BitsOf[W]()):
		return fmt.Sprintf("highest(%d)", v.bits)
	}
	return fmt.Sprintf("%d", v.bits)
}
