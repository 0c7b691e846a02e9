package priority

import (
	"errors"
	"testing"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

func checkWidth[W Width](t *testing.T) {
	t.Helper()
	bits := BitsOf[W]()
	max := MaxBits(bits)

	never, lowest, highest := Never[W](), Lowest[W](), Highest[W]()
	if never.Bits() != 0 || lowest.Bits() != 1 || highest.Bits() != max {
		t.Fatalf("W%d sentinels = %d/%d/%d, want 0/1/%d", bits, never.Bits(), lowest.Bits(), highest.Bits(), max)
	}
	if !never.Less(lowest) {
		t.Fatalf("W%d: never is not below lowest", bits)
	}
	if bits > 1 && !lowest.Less(highest) {
		t.Fatalf("W%d: lowest is not below highest", bits)
	}
	if highest.Less(lowest) {
		t.Fatalf("W%d: highest below lowest", bits)
	}
	if !never.IsNever() || lowest.IsNever() {
		t.Fatalf("W%d: IsNever wrong", bits)
	}

	for _, v := range []uint32{0, 1, max / 2, max - 1, max} {
		p, err := FromBits[W](v)
		if err != nil {
			t.Fatalf("W%d FromBits(%d): %v", bits, v, err)
		}
		if p.Bits() != v {
			t.Fatalf("W%d FromBits(%d).Bits() = %d", bits, v, p.Bits())
		}
	}

	if bits < NativeBits {
		for _, v := range []uint32{max + 1, max + 2, ^uint32(0)} {
			if _, err := FromBits[W](v); !errors.Is(err, irqchip.ErrOutOfRange) {
				t.Fatalf("W%d FromBits(%d) error = %v, want ErrOutOfRange", bits, v, err)
			}
		}
	}
}

func TestPriorityWidths(t *testing.T) {
	t.Run("W1", checkWidth[W1])
	t.Run("W2", checkWidth[W2])
	t.Run("W3", checkWidth[W3])
	t.Run("W4", checkWidth[W4])
	t.Run("W5", checkWidth[W5])
	t.Run("W6", checkWidth[W6])
	t.Run("W7", checkWidth[W7])
	t.Run("W8", checkWidth[W8])
	t.Run("W16", checkWidth[W16])
	t.Run("W32", checkWidth[W32])
}

func TestPriorityFullRangeSmallWidths(t *testing.T) {
	for v := uint32(0); v < 1<<8; v++ {
		p, err := FromBits[W8](v)
		if err != nil || p.Bits() != v {
			t.Fatalf("W8 round trip of %d = %d, %v", v, p.Bits(), err)
		}
		_, err = FromBits[W3](v)
		if fits := v < 8; fits != (err == nil) {
			t.Fatalf("W3 FromBits(%d) error = %v", v, err)
		}
	}
}

func TestPriorityNativeWidthAcceptsAllOnes(t *testing.T) {
	p, err := FromBits[W32](0xffffffff)
	if err != nil {
		t.Fatalf("FromBits: %v", err)
	}
	if p != Highest[W32]() {
		t.Fatalf("all ones = %v, want highest", p)
	}
}

func TestPriorityCompare(t *testing.T) {
	a := MustFromBits[W3](5)
	b := MustFromBits[W3](6)
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Fatalf("Compare(5, 6) inconsistent")
	}
	if got := Highest[W3]().String(); got != "highest(7)" {
		t.Fatalf("String() = %q", got)
	}
	if got := Never[W3]().String(); got != "never" {
		t.Fatalf("String() = %q", got)
	}
}

type w0 struct{}

func (w0) Bits() uint { return 0 }

func TestPriorityRejectsZeroWidth(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for zero width")
		}
	}()
	Highest[w0]()
}
