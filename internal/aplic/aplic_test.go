package aplic

import (
	"errors"
	"math/bits"
	"testing"

	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/regs"
)

func newMemoryAPLIC(t *testing.T, sources uint32) (*APLIC, *regs.Memory) {
	t.Helper()
	mem := regs.NewMemory(Size)
	a, err := New(mem, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, mem
}

func TestLayoutOffsets(t *testing.T) {
	cases := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"domaincfg", DomainCfgOff, 0x0000},
		{"sourcecfg[1]", SourceCfgOffset(1), 0x0004},
		{"sourcecfg[1023]", SourceCfgOffset(1023), 0x0FFC},
		{"mmsiaddrcfg", MMSIAddrCfgOff, 0x1BC0},
		{"mmsiaddrcfgh", MMSIAddrCfgHOff, 0x1BC4},
		{"smsiaddrcfg", SMSIAddrCfgOff, 0x1BC8},
		{"smsiaddrcfgh", SMSIAddrCfgHOff, 0x1BCC},
		{"setip[0]", SetIPOffset(0), 0x1C00},
		{"setip[31]", SetIPOffset(31), 0x1C7C},
		{"setipnum", SetIPNumOff, 0x1CDC},
		{"in_clrip[0]", InClrIPOffset(0), 0x1D00},
		{"clripnum", ClrIPNumOff, 0x1DDC},
		{"setie[0]", SetIEOffset(0), 0x1E00},
		{"setienum", SetIENumOff, 0x1EDC},
		{"clrie[0]", ClrIEOffset(0), 0x1F00},
		{"clrienum", ClrIENumOff, 0x1FDC},
		{"setipnum_le", SetIPNumLEOff, 0x2000},
		{"setipnum_be", SetIPNumBEOff, 0x2004},
		{"genmsi", GenMSIOff, 0x3000},
		{"target[1]", TargetOffset(1), 0x3004},
		{"target[1023]", TargetOffset(1023), 0x3FFC},
		{"size", Size, 0x4000},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = 0x%x, want 0x%x", tc.name, tc.got, tc.want)
		}
	}
}

func TestSourceConfigLastWriteWins(t *testing.T) {
	a, mem := newMemoryAPLIC(t, 64)
	if err := a.SourceConfigDelegate(3, 2); err != nil {
		t.Fatal(err)
	}
	if got := mem.Read32(SourceCfgOffset(3)); got != 0x402 {
		t.Fatalf("delegated sourcecfg = 0x%x, want 0x402", got)
	}
	if err := a.SetSourceConfig(3, EdgeRising); err != nil {
		t.Fatal(err)
	}
	if got := mem.Read32(SourceCfgOffset(3)); got != 4 {
		t.Fatalf("sourcecfg after direct mode = 0x%x, want 0x4", got)
	}
	cfg, _ := a.SourceConfig(3)
	if cfg.IsDelegated() || cfg.Mode() != EdgeRising {
		t.Fatalf("sourcecfg = %v, want edge-rising", cfg)
	}

	if err := a.SourceConfigDelegate(3, MaxChildren); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("delegate to child 1024: err = %v", err)
	}
	if err := a.SetSourceConfig(3, SourceMode(2)); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("reserved mode: err = %v", err)
	}
}

func TestMSITargetBounds(t *testing.T) {
	if _, err := MSITarget(MaxHart, 0, 0); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("hart 16384: err = %v", err)
	}
	if _, err := MSITarget(0, MaxGuest, 0); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("guest 32: err = %v", err)
	}
	if _, err := MSITarget(0, 0, MaxEIID); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("eiid 1024: err = %v", err)
	}
	if _, err := DirectTarget(0, MaxIPrio); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("iprio 256: err = %v", err)
	}

	a, mem := newMemoryAPLIC(t, 8)
	if err := a.SetTargetMSI(1, 16383, 31, 1023); err != nil {
		t.Fatal(err)
	}
	if got, want := mem.Read32(TargetOffset(1)), uint32(16383<<18|31<<12|1023); got != want {
		t.Fatalf("target word = 0x%x, want 0x%x", got, want)
	}
	hart, guest, eiid, err := a.TargetMSI(1)
	if err != nil {
		t.Fatal(err)
	}
	if hart != 16383 || guest != 31 || eiid != 1023 {
		t.Fatalf("target = %d/%d/%d, want 16383/31/1023", hart, guest, eiid)
	}
	if err := a.SetTargetMSI(1, 16384, 0, 0); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("SetTargetMSI hart 16384: err = %v", err)
	}
	if got := mem.Read32(TargetOffset(1)); got != 16383<<18|31<<12|1023 {
		t.Fatalf("failed write changed target to 0x%x", got)
	}
}

func TestDriverRejectsOutOfRange(t *testing.T) {
	a, _ := newMemoryAPLIC(t, 40)
	for _, err := range []error{
		a.SetIPNum(0),
		a.SetIPNum(40),
		a.SetIENum(1000),
		a.SetIPNumLE(40),
		a.SetIPNumBE(40),
		a.SetIP(2, 1),
		a.SetIE(2, 1),
	} {
		if !errors.Is(err, irqchip.ErrOutOfRange) {
			t.Fatalf("err = %v, want ErrOutOfRange", err)
		}
	}
	if _, err := New(regs.NewMemory(0x1000), 8); err == nil {
		t.Fatalf("expected error for short surface")
	}
	if _, err := New(regs.NewMemory(Size), MaxSources+1); !errors.Is(err, irqchip.ErrOutOfRange) {
		t.Fatalf("source count 1025: err = %v", err)
	}
}

func TestEndianAliasesOnMemory(t *testing.T) {
	a, mem := newMemoryAPLIC(t, 64)
	_ = a.SetIPNumLE(9)
	_ = a.SetIPNumBE(9)
	if got := mem.Read32(SetIPNumLEOff); got != 9 {
		t.Fatalf("setipnum_le word = 0x%x, want 9", got)
	}
	if got := mem.Read32(SetIPNumBEOff); got != 0x09000000 {
		t.Fatalf("setipnum_be word = 0x%x, want 0x09000000", got)
	}
}

func TestBigEndianDomainSwapsStores(t *testing.T) {
	a, mem := newMemoryAPLIC(t, 64)
	a.SetDomainConfig(DomainConfig{Enabled: true, Delivery: DeliveryMSI, Endian: BigEndian})
	if got := mem.Read32(DomainCfgOff); got != 0x80000105 {
		t.Fatalf("domaincfg word = 0x%x, want 0x80000105", got)
	}

	_ = a.SetTargetMSI(4, 2, 0, 7)
	want := uint32(2<<18 | 7)
	if got := mem.Read32(TargetOffset(4)); got != bits.ReverseBytes32(want) {
		t.Fatalf("target word = 0x%x, want byte swapped 0x%x", got, bits.ReverseBytes32(want))
	}
	if tg, _ := a.Target(4); uint32(tg) != want {
		t.Fatalf("Target = 0x%x, want 0x%x", uint32(tg), want)
	}

	// The fixed-order alias is unaffected by the domain's byte order.
	_ = a.SetIPNumLE(5)
	if got := mem.Read32(SetIPNumLEOff); got != 5 {
		t.Fatalf("setipnum_le word = 0x%x, want 5", got)
	}

	b, err := New(mem, 64)
	if err != nil {
		t.Fatal(err)
	}
	if cfg := b.DomainConfig(); cfg.Endian != BigEndian {
		t.Fatalf("second driver did not pick up big endian domain")
	}
}

func TestMSIAddrConfigEncoding(t *testing.T) {
	cfg := MSIAddrConfig{PPN: 0xabc_1234_5678, LHXS: 5, LHXW: 9, HHXW: 6, HHXS: 21, Lock: true}
	lo, hi, err := cfg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if lo != 0x12345678 {
		t.Fatalf("lo = 0x%x, want 0x12345678", lo)
	}
	if want := uint32(1<<31 | 21<<24 | 5<<20 | 6<<16 | 9<<12 | 0xabc); hi != want {
		t.Fatalf("hi = 0x%x, want 0x%x", hi, want)
	}
	if got := DecodeMSIAddrConfig(lo, hi); got != cfg {
		t.Fatalf("decode = %+v, want %+v", got, cfg)
	}

	for _, bad := range []MSIAddrConfig{
		{PPN: 1 << 44},
		{LHXS: 8},
		{LHXW: 16},
		{HHXW: 8},
		{HHXS: 32},
	} {
		if _, _, err := bad.Encode(); !errors.Is(err, irqchip.ErrOutOfRange) {
			t.Fatalf("Encode(%+v): err = %v", bad, err)
		}
	}
}

func TestMSIAddressFormulas(t *testing.T) {
	m := MSIAddrConfig{PPN: 0x80000, LHXW: 2, HHXW: 1, HHXS: 4}
	s := MSIAddrConfig{PPN: 0x82000, LHXS: 2}

	// hart 5 is group 1, index 1.
	if got := MachineMSIAddress(m, 5); got != 0x90001000 {
		t.Fatalf("machine address = 0x%x, want 0x90001000", got)
	}
	if got := SupervisorMSIAddress(m, s, 5, 3); got != 0x92007000 {
		t.Fatalf("supervisor address = 0x%x, want 0x92007000", got)
	}
	if got := MachineMSIAddress(m, 0); got != 0x80000000 {
		t.Fatalf("hart 0 address = 0x%x, want 0x80000000", got)
	}
}

func TestDomainConfigEncoding(t *testing.T) {
	cases := []struct {
		cfg  DomainConfig
		want uint32
	}{
		{DomainConfig{}, 0x80000000},
		{DomainConfig{Enabled: true}, 0x80000100},
		{DomainConfig{Delivery: DeliveryMSI}, 0x80000004},
		{DomainConfig{Endian: BigEndian}, 0x80000001},
	}
	for _, tc := range cases {
		if got := tc.cfg.Encode(); got != tc.want {
			t.Errorf("Encode(%+v) = 0x%x, want 0x%x", tc.cfg, got, tc.want)
		}
		if got := DecodeDomainConfig(tc.want); got != tc.cfg {
			t.Errorf("Decode(0x%x) = %+v, want %+v", tc.want, got, tc.cfg)
		}
	}
}

func TestParseNames(t *testing.T) {
	for _, m := range []SourceMode{Inactive, Detached, EdgeRising, EdgeFalling, LevelHigh, LevelLow} {
		got, err := ParseSourceMode(m.String())
		if err != nil || got != m {
			t.Fatalf("ParseSourceMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseSourceMode("edge"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if l, err := ParsePrivilegeLevel("s"); err != nil || l != Supervisor {
		t.Fatalf("ParsePrivilegeLevel(s) = %v, %v", l, err)
	}
	if _, err := ParsePrivilegeLevel("hypervisor"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
