package aplic

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/regs"
)

// APLIC drives one interrupt domain's register window.
//
// Like the hardware it fronts, APLIC offers per-word atomicity only. The
// bitmap registers (setip, setie, ...) and their single-index forms
// (setipnum, setienum, ...) reach the same state; mixing them from several
// harts is safe, but multi-register sequences are not transactions.
type APLIC struct {
	regs    regs.Surface
	sources uint32
	swap    atomic.Bool // domain registers are big endian
}

// New returns a driver for a domain implementing sources interrupt ids
// (including the reserved id 0).
func New(s regs.Surface, sources uint32) (*APLIC, error) {
	if s == nil {
		return nil, fmt.Errorf("aplic: nil register surface")
	}
	if s.Size() < Size {
		return nil, fmt.Errorf("aplic: register surface is 0x%x bytes, need 0x%x", s.Size(), Size)
	}
	if sources < 2 || sources > MaxSources {
		return nil, irqchip.OutOfRange("aplic: new", "source count", uint64(sources), MaxSources)
	}
	a := &APLIC{regs: s, sources: sources}
	a.DomainConfig() // pick up the current byte order
	return a, nil
}

// Sources returns the number of interrupt ids, including id 0.
func (a *APLIC) Sources() uint32 { return a.sources }

func (a *APLIC) lanes() uint32 { return (a.sources + 31) / 32 }

func (a *APLIC) load(off uint64) uint32 {
	v := a.regs.Read32(off)
	if a.swap.Load() {
		v = bits.ReverseBytes32(v)
	}
	return v
}

func (a *APLIC) store(off uint64, v uint32) {
	if a.swap.Load() {
		v = bits.ReverseBytes32(v)
	}
	a.regs.Write32(off, v)
}

func (a *APLIC) checkSource(op string, id uint32) error {
	if id == 0 || id >= a.sources {
		return fmt.Errorf("aplic: %s: source %d not in 1..%d: %w", op, id, a.sources-1, irqchip.ErrOutOfRange)
	}
	return nil
}

func (a *APLIC) checkLane(op string, lane uint32) error {
	if lane >= a.lanes() {
		return fmt.Errorf("aplic: %s: lane %d not below %d: %w", op, lane, a.lanes(), irqchip.ErrOutOfRange)
	}
	return nil
}

// SetDomainConfig writes the whole domaincfg register in one store.
// domaincfg itself is always accessed little endian; the Endian field
// switches every other register of the domain.
func (a *APLIC) SetDomainConfig(cfg DomainConfig) {
	a.regs.Write32(DomainCfgOff, cfg.Encode())
	a.swap.Store(cfg.Endian == BigEndian)
}

// DomainConfig reads domaincfg.
func (a *APLIC) DomainConfig() DomainConfig {
	v := a.regs.Read32(DomainCfgOff)
	// The fixed 0x80 byte tells which way round the word arrived.
	if v>>24 != 0x80 && v&0xff == 0x80 {
		v = bits.ReverseBytes32(v)
	}
	cfg := DecodeDomainConfig(v)
	a.swap.Store(cfg.Endian == BigEndian)
	return cfg
}

// SetSourceConfig puts id in a direct (non-delegated) mode. It overwrites a
// previous delegation entirely.
func (a *APLIC) SetSourceConfig(id uint32, mode SourceMode) error {
	if err := a.checkSource("set sourcecfg", id); err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("aplic: set sourcecfg %d: mode %d: %w", id, uint32(mode), irqchip.ErrOutOfRange)
	}
	a.store(SourceCfgOffset(id), uint32(DirectConfig(mode)))
	return nil
}

// SourceConfigDelegate hands id to the child domain with index child. It
// overwrites any direct mode; the last write wins.
func (a *APLIC) SourceConfigDelegate(id, child uint32) error {
	if err := a.checkSource("delegate", id); err != nil {
		return err
	}
	cfg, err := DelegatedConfig(child)
	if err != nil {
		return err
	}
	a.store(SourceCfgOffset(id), uint32(cfg))
	return nil
}

// SourceConfig reads sourcecfg[id].
func (a *APLIC) SourceConfig(id uint32) (SourceConfig, error) {
	if err := a.checkSource("sourcecfg", id); err != nil {
		return 0, err
	}
	return SourceConfig(a.load(SourceCfgOffset(id))), nil
}

// SetIP sets the pending bits given in mask for ids lane*32..lane*32+31.
func (a *APLIC) SetIP(lane, mask uint32) error {
	if err := a.checkLane("setip", lane); err != nil {
		return err
	}
	a.store(SetIPOffset(lane), mask)
	return nil
}

// ClrIP clears the pending bits given in mask through in_clrip.
func (a *APLIC) ClrIP(lane, mask uint32) error {
	if err := a.checkLane("in_clrip", lane); err != nil {
		return err
	}
	a.store(InClrIPOffset(lane), mask)
	return nil
}

// Pending reads the pending bits of a lane.
func (a *APLIC) Pending(lane uint32) (uint32, error) {
	if err := a.checkLane("setip", lane); err != nil {
		return 0, err
	}
	return a.load(SetIPOffset(lane)), nil
}

// Inputs reads the rectified input values of a lane from in_clrip.
func (a *APLIC) Inputs(lane uint32) (uint32, error) {
	if err := a.checkLane("in_clrip", lane); err != nil {
		return 0, err
	}
	return a.load(InClrIPOffset(lane)), nil
}

// SetIE sets the enable bits given in mask.
func (a *APLIC) SetIE(lane, mask uint32) error {
	if err := a.checkLane("setie", lane); err != nil {
		return err
	}
	a.store(SetIEOffset(lane), mask)
	return nil
}

// ClrIE clears the enable bits given in mask.
func (a *APLIC) ClrIE(lane, mask uint32) error {
	if err := a.checkLane("clrie", lane); err != nil {
		return err
	}
	a.store(ClrIEOffset(lane), mask)
	return nil
}

// Enabled reads the enable bits of a lane.
func (a *APLIC) Enabled(lane uint32) (uint32, error) {
	if err := a.checkLane("setie", lane); err != nil {
		return 0, err
	}
	return a.load(SetIEOffset(lane)), nil
}

func (a *APLIC) storeNum(op string, off uint64, id uint32) error {
	if err := a.checkSource(op, id); err != nil {
		return err
	}
	a.store(off, id)
	return nil
}

// SetIPNum sets the pending bit of id.
func (a *APLIC) SetIPNum(id uint32) error { return a.storeNum("setipnum", SetIPNumOff, id) }

// ClrIPNum clears the pending bit of id.
func (a *APLIC) ClrIPNum(id uint32) error { return a.storeNum("clripnum", ClrIPNumOff, id) }

// SetIENum sets the enable bit of id.
func (a *APLIC) SetIENum(id uint32) error { return a.storeNum("setienum", SetIENumOff, id) }

// ClrIENum clears the enable bit of id.
func (a *APLIC) ClrIENum(id uint32) error { return a.storeNum("clrienum", ClrIENumOff, id) }

// SetIPNumLE sets the pending bit of id through the little endian alias,
// independent of the domain's byte order.
func (a *APLIC) SetIPNumLE(id uint32) error {
	if err := a.checkSource("setipnum_le", id); err != nil {
		return err
	}
	a.regs.Write32(SetIPNumLEOff, id)
	return nil
}

// SetIPNumBE sets the pending bit of id through the big endian alias.
func (a *APLIC) SetIPNumBE(id uint32) error {
	if err := a.checkSource("setipnum_be", id); err != nil {
		return err
	}
	a.regs.Write32(SetIPNumBEOff, bits.ReverseBytes32(id))
	return nil
}

// Mask disables id.
func (a *APLIC) Mask(id uint32) error { return a.ClrIENum(id) }

// Unmask enables id. An interrupt already pending is delivered as soon as
// the store lands, which breaks any critical section on another hart that
// relies on id staying masked. Callers own that exclusion.
func (a *APLIC) Unmask(id uint32) error { return a.SetIENum(id) }

// IsPending reports the pending bit of id.
func (a *APLIC) IsPending(id uint32) (bool, error) {
	if err := a.checkSource("is pending", id); err != nil {
		return false, err
	}
	return a.load(SetIPOffset(id/32))&bit(id) != 0, nil
}

// IsEnabled reports the enable bit of id.
func (a *APLIC) IsEnabled(id uint32) (bool, error) {
	if err := a.checkSource("is enabled", id); err != nil {
		return false, err
	}
	return a.load(SetIEOffset(id/32))&bit(id) != 0, nil
}

// SetTargetMSI routes id to external interrupt identity eiid of guest's
// interrupt file on hart. Bounds are hart<16384, guest<32, eiid<1024.
func (a *APLIC) SetTargetMSI(id, hart, guest, eiid uint32) error {
	if err := a.checkSource("set target", id); err != nil {
		return err
	}
	t, err := MSITarget(hart, guest, eiid)
	if err != nil {
		return fmt.Errorf("aplic: set target %d: %w", id, err)
	}
	a.store(TargetOffset(id), uint32(t))
	return nil
}

// SetTargetDirect routes id to hart with priority iprio for direct
// delivery.
func (a *APLIC) SetTargetDirect(id, hart, iprio uint32) error {
	if err := a.checkSource("set target", id); err != nil {
		return err
	}
	t, err := DirectTarget(hart, iprio)
	if err != nil {
		return fmt.Errorf("aplic: set target %d: %w", id, err)
	}
	a.store(TargetOffset(id), uint32(t))
	return nil
}

// Target reads target[id].
func (a *APLIC) Target(id uint32) (Target, error) {
	if err := a.checkSource("target", id); err != nil {
		return 0, err
	}
	return Target(a.load(TargetOffset(id))), nil
}

// TargetMSI reads target[id] as an MSI destination.
func (a *APLIC) TargetMSI(id uint32) (hart, guest, eiid uint32, err error) {
	t, err := a.Target(id)
	if err != nil {
		return 0, 0, 0, err
	}
	return t.Hart(), t.Guest(), t.EIID(), nil
}

const genMSIBusy = 1 << 12

// GenMSI has the domain send an MSI with identity eiid to hart's interrupt
// file, as if a source had fired. Only MSI delivery domains implement it.
func (a *APLIC) GenMSI(hart, eiid uint32) error {
	t, err := MSITarget(hart, 0, eiid)
	if err != nil {
		return fmt.Errorf("aplic: genmsi: %w", err)
	}
	a.store(GenMSIOff, uint32(t))
	return nil
}

// GenMSIBusy reports whether a previous GenMSI is still being sent.
func (a *APLIC) GenMSIBusy() bool {
	return a.load(GenMSIOff)&genMSIBusy != 0
}

func (a *APLIC) setAddrCfg(loOff, hiOff uint64, cfg MSIAddrConfig) error {
	lo, hi, err := cfg.Encode()
	if err != nil {
		return err
	}
	// Low word first: a lock bit in the high word freezes both.
	a.store(loOff, lo)
	a.store(hiOff, hi)
	return nil
}

// SetMMSIAddrCfgUnchecked programs the machine-level MSI address
// configuration. Nothing checks that the resulting addresses are interrupt
// files: a wrong base silently redirects every MSI the domain sends into
// arbitrary memory. Setting Lock makes both address configurations read
// only until reset.
func (a *APLIC) SetMMSIAddrCfgUnchecked(cfg MSIAddrConfig) error {
	return a.setAddrCfg(MMSIAddrCfgOff, MMSIAddrCfgHOff, cfg)
}

// SetSMSIAddrCfgUnchecked programs the supervisor-level MSI address
// configuration. It carries the same hazard as SetMMSIAddrCfgUnchecked.
func (a *APLIC) SetSMSIAddrCfgUnchecked(cfg MSIAddrConfig) error {
	return a.setAddrCfg(SMSIAddrCfgOff, SMSIAddrCfgHOff, cfg)
}

// MMSIAddrCfg reads the machine-level MSI address configuration.
func (a *APLIC) MMSIAddrCfg() MSIAddrConfig {
	return DecodeMSIAddrConfig(a.load(MMSIAddrCfgOff), a.load(MMSIAddrCfgHOff))
}

// SMSIAddrCfg reads the supervisor-level MSI address configuration.
func (a *APLIC) SMSIAddrCfg() MSIAddrConfig {
	return DecodeMSIAddrConfig(a.load(SMSIAddrCfgOff), a.load(SMSIAddrCfgHOff))
}
