package plic

import (
	"errors"
	"testing"

	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/priority"
	"github.com/tinyrange/irqchip/internal/regs"
)

func newTestPLIC(t *testing.T, sources, contexts uint32) (*PLIC[priority.W3], *Device) {
	t.Helper()
	dev, err := NewDevice(Config{Sources: sources, Contexts: contexts, PriorityBits: 3})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	p, err := New[priority.W3](dev, sources, contexts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, dev
}

func prio(t *testing.T, v uint32) priority.Value[priority.W3] {
	t.Helper()
	p, err := priority.FromBits[priority.W3](v)
	if err != nil {
		t.Fatalf("priority %d: %v", v, err)
	}
	return p
}

func mustClaim(t *testing.T, p *PLIC[priority.W3], context uint32) (uint32, bool) {
	t.Helper()
	id, ok, err := p.Claim(context)
	if err != nil {
		t.Fatalf("claim context %d: %v", context, err)
	}
	if ok && id == 0 {
		t.Fatalf("claim returned id 0 as claimable")
	}
	return id, ok
}

func TestLayoutOffsets(t *testing.T) {
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"priority[0]", PriorityOffset(0), 0x000000},
		{"priority[1023]", PriorityOffset(1023), 0x000ffc},
		{"pending[0]", PendingOffset(0), 0x001000},
		{"pending[1023]", PendingOffset(1023), 0x00107c},
		{"enable ctx0", EnableOffset(0, 0), 0x002000},
		{"enable ctx1 word1", EnableOffset(1, 32), 0x002084},
		{"threshold ctx0", ThresholdOffset(0), 0x200000},
		{"claim ctx0", ClaimOffset(0), 0x200004},
		{"threshold ctx2", ThresholdOffset(2), 0x202000},
		{"claim ctx2", ClaimOffset(2), 0x202004},
		{"size", Size, 0x4000000},
		{"last context", ThresholdOffset(MaxContexts - 1), Size - ContextStride},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = 0x%x, want 0x%x", c.name, c.got, c.want)
		}
	}
	if end := EnableOffset(MaxContexts-1, MaxSources-1) + 4; end > ContextBase {
		t.Errorf("enable bitmaps end at 0x%x, past context block 0x%x", end, ContextBase)
	}
}

func TestClaimPicksHighestPriority(t *testing.T) {
	p, dev := newTestPLIC(t, 32, 2)
	const ctx = 1
	const s1, s2 = 3, 7

	if err := p.SetPriority(s1, prio(t, 5)); err != nil {
		t.Fatal(err)
	}
	if err := p.SetPriority(s2, prio(t, 7)); err != nil {
		t.Fatal(err)
	}
	for _, s := range []uint32{s1, s2} {
		if err := p.Unmask(ctx, s); err != nil {
			t.Fatal(err)
		}
		if err := dev.Raise(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.SetThreshold(ctx, priority.Never[priority.W3]()); err != nil {
		t.Fatal(err)
	}

	if id, ok := mustClaim(t, p, ctx); !ok || id != s2 {
		t.Fatalf("first claim = %d, %v; want %d", id, ok, s2)
	}
	if err := p.Complete(ctx, s2); err != nil {
		t.Fatal(err)
	}
	if id, ok := mustClaim(t, p, ctx); !ok || id != s1 {
		t.Fatalf("second claim = %d, %v; want %d", id, ok, s1)
	}
	if err := p.Complete(ctx, s1); err != nil {
		t.Fatal(err)
	}
	if id, ok := mustClaim(t, p, ctx); ok {
		t.Fatalf("claim after draining = %d, want none", id)
	}
}

func TestClaimFiveAndNineScenario(t *testing.T) {
	dev, err := NewDevice(Config{Sources: 64, Contexts: 1, PriorityBits: 4})
	if err != nil {
		t.Fatal(err)
	}
	p, err := New[priority.W4](dev, 64, 1)
	if err != nil {
		t.Fatal(err)
	}
	const s1, s2 = 40, 41
	_ = p.SetPriority(s1, priority.MustFromBits[priority.W4](5))
	_ = p.SetPriority(s2, priority.MustFromBits[priority.W4](9))
	_ = p.Unmask(0, s1)
	_ = p.Unmask(0, s2)
	_ = dev.Raise(s1)
	_ = dev.Raise(s2)

	if id, ok, _ := p.Claim(0); !ok || id != s2 {
		t.Fatalf("claim = %d, want %d", id, s2)
	}
	_ = p.Complete(0, s2)
	if id, ok, _ := p.Claim(0); !ok || id != s1 {
		t.Fatalf("claim after complete = %d, want %d", id, s1)
	}
}

func TestClaimTiesGoToLowestID(t *testing.T) {
	p, dev := newTestPLIC(t, 64, 1)
	for _, s := range []uint32{45, 12, 33} {
		_ = p.SetPriority(s, prio(t, 4))
		_ = p.Unmask(0, s)
		_ = dev.Raise(s)
	}
	for _, want := range []uint32{12, 33, 45} {
		id, ok := mustClaim(t, p, 0)
		if !ok || id != want {
			t.Fatalf("claim = %d, want %d", id, want)
		}
		_ = p.Complete(0, id)
	}
}

func TestClaimNothingQualifies(t *testing.T) {
	p, dev := newTestPLIC(t, 32, 1)

	if _, ok := mustClaim(t, p, 0); ok {
		t.Fatalf("claim on idle controller returned a source")
	}

	// Pending but priority never.
	_ = p.Unmask(0, 5)
	_ = dev.Raise(5)
	if _, ok := mustClaim(t, p, 0); ok {
		t.Fatalf("claimed a source with priority never")
	}

	// Pending with priority but disabled.
	_ = p.SetPriority(6, prio(t, 3))
	_ = dev.Raise(6)
	if _, ok := mustClaim(t, p, 0); ok {
		t.Fatalf("claimed a disabled source")
	}
	pending, _ := p.IsPending(6)
	if !pending {
		t.Fatalf("disabled source lost its pending bit")
	}

	// Below threshold.
	_ = p.Unmask(0, 6)
	_ = p.SetThreshold(0, prio(t, 4))
	if _, ok := mustClaim(t, p, 0); ok {
		t.Fatalf("claimed a source below threshold")
	}

	// Lowering the threshold surfaces it.
	_ = p.SetThreshold(0, prio(t, 3))
	if id, ok := mustClaim(t, p, 0); !ok || id != 6 {
		t.Fatalf("claim at threshold = %d, %v; want 6", id, ok)
	}
}

func TestMaskUnmaskRoundTrip(t *testing.T) {
	p, _ := newTestPLIC(t, 96, 3)

	// Seed an irregular enable pattern.
	_ = p.SetEnableWord(0, 0, 0xa5a5a5a4)
	_ = p.SetEnableWord(1, 1, 0x0f0f0f0f)
	_ = p.SetEnableWord(2, 2, 0xffffffff)

	for ctx := uint32(0); ctx < 3; ctx++ {
		for s := uint32(1); s < 96; s++ {
			before, err := p.IsEnabled(ctx, s)
			if err != nil {
				t.Fatal(err)
			}
			if err := p.Unmask(ctx, s); err != nil {
				t.Fatal(err)
			}
			if on, _ := p.IsEnabled(ctx, s); !on {
				t.Fatalf("ctx %d source %d not enabled after unmask", ctx, s)
			}
			if err := p.Mask(ctx, s); err != nil {
				t.Fatal(err)
			}
			if on, _ := p.IsEnabled(ctx, s); on {
				t.Fatalf("ctx %d source %d enabled after mask", ctx, s)
			}
			if before {
				_ = p.Unmask(ctx, s)
			}
			if after, _ := p.IsEnabled(ctx, s); after != before {
				t.Fatalf("ctx %d source %d enable %v, want %v", ctx, s, after, before)
			}
		}
	}
}

func TestUnmaskLeavesNeighbours(t *testing.T) {
	p, _ := newTestPLIC(t, 64, 2)
	_ = p.Unmask(1, 33)
	_ = p.Unmask(1, 35)
	word, err := p.EnableWord(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if word != 1<<1|1<<3 {
		t.Fatalf("enable word = 0x%x, want 0xa", word)
	}
	if other, _ := p.EnableWord(0, 1); other != 0 {
		t.Fatalf("context 0 enable word = 0x%x, want 0", other)
	}
}

// IsPending must test bit (id % 32) of the pending word, not AND the word
// with the bit index.
func TestIsPendingUsesBitPosition(t *testing.T) {
	p, dev := newTestPLIC(t, 64, 1)
	_ = dev.Raise(35) // bit 3 of word 1

	cases := map[uint32]bool{32: false, 33: false, 34: false, 35: true, 36: false, 3: false}
	for id, want := range cases {
		got, err := p.IsPending(id)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IsPending(%d) = %v, want %v", id, got, want)
		}
	}
}

func TestOutOfRangeFailsFast(t *testing.T) {
	p, _ := newTestPLIC(t, 32, 2)

	calls := map[string]error{
		"priority of 0":       p.SetPriority(0, prio(t, 1)),
		"priority of sources": p.SetPriority(32, prio(t, 1)),
		"mask context":        p.Mask(2, 1),
		"unmask source 0":     p.Unmask(0, 0),
		"complete context":    p.Complete(5, 1),
		"threshold context":   p.SetThreshold(2, prio(t, 1)),
	}
	_, _, err := p.Claim(2)
	calls["claim context"] = err
	_, err = p.IsPending(0)
	calls["pending 0"] = err
	_, err = p.EnableWord(0, 1)
	calls["enable lane"] = err

	for name, err := range calls {
		if !errors.Is(err, irqchip.ErrOutOfRange) {
			t.Errorf("%s: error = %v, want ErrOutOfRange", name, err)
		}
	}
}

func TestClaimBeyondSourcesIsReleased(t *testing.T) {
	dev, _ := NewDevice(Config{Sources: 64, Contexts: 1, PriorityBits: 3})
	p, err := New[priority.W3](dev, 32, 1)
	if err != nil {
		t.Fatal(err)
	}
	dev.Write32(PriorityOffset(40), 1)
	dev.Write32(EnableOffset(0, 40), bit(40))
	_ = dev.Raise(40)

	if _, ok, err := p.Claim(0); ok || !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("claim = %v, %v, want ErrOutOfRange", ok, err)
	}
	if dev.InFlight(40) {
		t.Fatalf("source 40 left in flight")
	}
	_ = dev.Raise(40)
	if !dev.Pending(40) {
		t.Fatalf("source 40 not deliverable after release")
	}
}

func TestNewRejectsBadShape(t *testing.T) {
	dev, _ := NewDevice(Config{Sources: 32, Contexts: 1, PriorityBits: 3})
	if _, err := New[priority.W3](dev, 1, 1); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("one source: %v", err)
	}
	if _, err := New[priority.W3](dev, 32, 0); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("zero contexts: %v", err)
	}
	if _, err := New[priority.W3](regs.NewMemory(0x1000), 32, 1); err == nil {
		t.Fatalf("expected error for undersized surface")
	}
}

func TestDriverRegisterEncoding(t *testing.T) {
	mem, err := regs.NewMapping(Size)
	if err != nil {
		t.Fatalf("NewMapping: %v", err)
	}
	defer mem.Close()

	p, err := New[priority.W8](mem, MaxSources, 4)
	if err != nil {
		t.Fatal(err)
	}
	_ = p.SetPriority(1023, priority.Highest[priority.W8]())
	_ = p.SetThreshold(3, priority.MustFromBits[priority.W8](0x42))
	_ = p.Unmask(2, 1023)
	_ = p.Complete(3, 17)

	if got := mem.Read32(0xffc); got != 0xff {
		t.Errorf("priority[1023] = 0x%x, want 0xff", got)
	}
	if got := mem.Read32(0x203000); got != 0x42 {
		t.Errorf("threshold[3] = 0x%x, want 0x42", got)
	}
	if got := mem.Read32(0x2000 + 2*0x80 + 31*4); got != 1<<31 {
		t.Errorf("enable[2][31] = 0x%x, want 0x80000000", got)
	}
	if got := mem.Read32(0x203004); got != 17 {
		t.Errorf("claim[3] = %d, want 17", got)
	}

	// A raw priority wider than W8 is reported, not truncated.
	mem.Write32(PriorityOffset(9), 0x1ff)
	if _, err := p.Priority(9); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("Priority with wide raw value: %v", err)
	}
}
