package aplic

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/regs"
)

// Domain is one emulated interrupt domain. It implements regs.Surface with
// the APLIC register layout.
type Domain struct {
	h        *Hierarchy
	name     string
	level    PrivilegeLevel
	parent   *Domain
	index    uint32
	children []*Domain

	domaincfg uint32
	sourcecfg []uint32
	pending   []uint32
	enabled   []uint32
	target    []uint32
	genmsi    uint32

	hartLines  map[uint32]irqchip.Line
	hartLevels map[uint32]bool
}

func newDomain(h *Hierarchy, name string, level PrivilegeLevel, parent *Domain, index uint32) *Domain {
	words := (h.sources + 31) / 32
	return &Domain{
		h:          h,
		name:       name,
		level:      level,
		parent:     parent,
		index:      index,
		sourcecfg:  make([]uint32, h.sources),
		pending:    make([]uint32, words),
		enabled:    make([]uint32, words),
		target:     make([]uint32, h.sources),
		hartLines:  make(map[uint32]irqchip.Line),
		hartLevels: make(map[uint32]bool),
	}
}

// Name returns the domain's name.
func (d *Domain) Name() string { return d.name }

// Level returns the privilege level the domain delivers to.
func (d *Domain) Level() PrivilegeLevel { return d.level }

// Parent returns the parent domain, nil for the root.
func (d *Domain) Parent() *Domain { return d.parent }

// Index returns the domain's child index within its parent.
func (d *Domain) Index() uint32 { return d.index }

// Children returns the child domains in index order.
func (d *Domain) Children() []*Domain {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return append([]*Domain(nil), d.children...)
}

func (d *Domain) String() string {
	return fmt.Sprintf("%s(%s)", d.name, d.level)
}

// SetHartLine connects the external interrupt line of hart for direct
// delivery.
func (d *Domain) SetHartLine(hart uint32, line irqchip.Line) error {
	if hart >= MaxHart {
		return irqchip.OutOfRange("aplic: set hart line", "hart", uint64(hart), MaxHart-1)
	}
	d.h.mu.Lock()
	if line == nil {
		delete(d.hartLines, hart)
		delete(d.hartLevels, hart)
		d.h.mu.Unlock()
		return nil
	}
	d.hartLines[hart] = line
	d.hartLevels[hart] = false
	d.h.notifier.Queue(func() { line.SetLevel(false) })
	d.h.settle()
	d.h.mu.Unlock()
	d.h.notifier.Drain()
	return nil
}

// Size implements regs.Surface.
func (d *Domain) Size() uint64 { return Size }

// Read32 implements regs.Surface.
func (d *Domain) Read32(offset uint64) uint32 {
	d.h.mu.Lock()
	v := d.read(offset)
	if d.swapped(offset) {
		v = bits.ReverseBytes32(v)
	}
	d.h.mu.Unlock()
	return v
}

// Write32 implements regs.Surface.
func (d *Domain) Write32(offset uint64, value uint32) {
	d.h.mu.Lock()
	if d.swapped(offset) {
		value = bits.ReverseBytes32(value)
	}
	d.write(offset, value)
	d.h.settle()
	d.h.mu.Unlock()
	d.h.notifier.Drain()
}

// Modify32 implements regs.Surface.
func (d *Domain) Modify32(offset uint64, fn func(uint32) uint32) {
	d.h.mu.Lock()
	swap := d.swapped(offset)
	v := d.read(offset)
	if swap {
		v = bits.ReverseBytes32(v)
	}
	v = fn(v)
	if swap {
		v = bits.ReverseBytes32(v)
	}
	d.write(offset, v)
	d.h.settle()
	d.h.mu.Unlock()
	d.h.notifier.Drain()
}

// swapped reports whether offset follows the domain's big endian setting.
// domaincfg and the two fixed-order setipnum aliases never do.
func (d *Domain) swapped(offset uint64) bool {
	if d.domaincfg&domainCfgBE == 0 {
		return false
	}
	switch offset {
	case DomainCfgOff, SetIPNumLEOff, SetIPNumBEOff:
		return false
	}
	return true
}

func (d *Domain) config() DomainConfig {
	return DecodeDomainConfig(d.domaincfg)
}

func (d *Domain) validID(id uint64) bool {
	return id != 0 && id < uint64(d.h.sources)
}

// owns reports whether id reaches this domain through its ancestors'
// delegations.
func (d *Domain) owns(id uint32) bool {
	if d.parent == nil {
		return true
	}
	cfg := SourceConfig(d.parent.sourcecfg[id])
	return cfg.IsDelegated() && cfg.Child() == d.index && d.parent.owns(id)
}

// mode returns id's source mode when this domain arbitrates it.
func (d *Domain) mode(id uint32) (SourceMode, bool) {
	if !d.owns(id) {
		return Inactive, false
	}
	cfg := SourceConfig(d.sourcecfg[id])
	if cfg.IsDelegated() || cfg.Mode() == Inactive {
		return Inactive, false
	}
	return cfg.Mode(), true
}

func (d *Domain) rectified(id uint32) bool {
	m, ok := d.mode(id)
	if !ok || m == Detached {
		return false
	}
	return d.h.inputLevel(id) != m.inverted()
}

func (d *Domain) setPending(id uint32, on bool) {
	if on {
		d.pending[id/32] |= bit(id)
	} else {
		d.pending[id/32] &^= bit(id)
	}
}

func (d *Domain) isPending(id uint32) bool {
	return d.pending[id/32]&bit(id) != 0
}

func (d *Domain) isEnabled(id uint32) bool {
	return d.enabled[id/32]&bit(id) != 0
}

// softSetPending applies setip/setipnum to one source.
func (d *Domain) softSetPending(id uint32) {
	m, ok := d.mode(id)
	if !ok {
		return
	}
	if m.level() {
		// Direct mode level sources mirror the wire; in MSI mode software
		// may only re-arm one whose wire is asserted.
		if d.config().Delivery == DeliveryDirect || !d.rectified(id) {
			return
		}
	}
	d.setPending(id, true)
}

// softClearPending applies in_clrip/clripnum to one source.
func (d *Domain) softClearPending(id uint32) {
	m, ok := d.mode(id)
	if !ok {
		return
	}
	if m.level() && d.config().Delivery == DeliveryDirect {
		return
	}
	d.setPending(id, false)
}

func (d *Domain) setEnabled(id uint32, on bool) {
	if _, ok := d.mode(id); !ok {
		return
	}
	if on {
		d.enabled[id/32] |= bit(id)
	} else {
		d.enabled[id/32] &^= bit(id)
	}
}

// inputChanged latches a wire transition into the pending bit.
func (d *Domain) inputChanged(id uint32, old, high bool) {
	m, ok := d.mode(id)
	if !ok || m == Detached {
		return
	}
	was, now := old != m.inverted(), high != m.inverted()
	switch {
	case m.edge():
		if !was && now {
			d.setPending(id, true)
		}
	case m.level():
		if d.config().Delivery == DeliveryDirect {
			d.setPending(id, now)
			return
		}
		if now && !was {
			d.setPending(id, true)
		} else if !now {
			d.setPending(id, false)
		}
	}
}

// clear drops all per-source state of id in this domain.
func (d *Domain) clear(id uint32) {
	d.setPending(id, false)
	d.enabled[id/32] &^= bit(id)
	d.target[id] = 0
}

// release resets id in this domain and below after the parent stopped
// delegating it here.
func (d *Domain) release(id uint32) {
	cfg := SourceConfig(d.sourcecfg[id])
	if cfg.IsDelegated() && int(cfg.Child()) < len(d.children) {
		d.children[cfg.Child()].release(id)
	}
	d.sourcecfg[id] = 0
	d.clear(id)
}

func (d *Domain) writeSourceCfg(id uint32, v uint32) {
	if !d.owns(id) {
		slog.Debug("aplic: sourcecfg write to undelegated source", "domain", d.name, "source", id)
		return
	}
	var cfg SourceConfig
	if v&sourceCfgD != 0 {
		child := v & sourceCfgChildMask
		if int(child) < len(d.children) {
			cfg = SourceConfig(sourceCfgD | child)
		} else {
			slog.Debug("aplic: delegation to missing child", "domain", d.name, "source", id, "child", child)
		}
	} else if m := SourceMode(v & sourceCfgModeMask); m.Valid() {
		cfg = DirectConfig(m)
	}

	old := SourceConfig(d.sourcecfg[id])
	d.sourcecfg[id] = uint32(cfg)
	if old.IsDelegated() && (!cfg.IsDelegated() || cfg.Child() != old.Child()) {
		d.children[old.Child()].release(id)
	}

	switch m := cfg.Mode(); {
	case cfg.IsDelegated() || m == Inactive:
		d.clear(id)
	case m.level():
		d.setPending(id, d.rectified(id))
	case m == Detached:
	default:
		if !old.IsDelegated() && old.Mode() != m {
			d.setPending(id, false)
		}
	}
}

func (d *Domain) writeTarget(id uint32, v uint32) {
	if _, ok := d.mode(id); !ok {
		return
	}
	t := Target(v)
	if d.config().Delivery == DeliveryMSI {
		guest := t.Guest()
		if d.level == Machine {
			guest = 0
		}
		d.target[id] = t.Hart()<<targetHartShift | guest<<targetGuestShift | t.EIID()
		return
	}
	iprio := t.IPrio()
	if iprio == 0 {
		iprio = 1
	}
	d.target[id] = t.Hart()<<targetHartShift | iprio
}

func (d *Domain) msiAddress(hart, guest uint32) uint64 {
	if d.level == Machine {
		return MachineMSIAddress(d.h.machineAddrCfg(), hart)
	}
	return SupervisorMSIAddress(d.h.machineAddrCfg(), d.h.supervisorAddrCfg(), hart, guest)
}

// forward turns every pending and enabled source into a message, clearing
// its pending bit.
func (d *Domain) forward() []irqchip.Message {
	var msgs []irqchip.Message
	for lane := range d.pending {
		ready := d.pending[lane] & d.enabled[lane]
		for ready != 0 {
			b := uint32(bits.TrailingZeros32(ready))
			ready &^= 1 << b
			id := uint32(lane)*32 + b
			t := Target(d.target[id])
			d.setPending(id, false)
			msgs = append(msgs, irqchip.Message{Addr: d.msiAddress(t.Hart(), t.Guest()), Data: t.EIID()})
		}
	}
	return msgs
}

func (d *Domain) lanes() uint64 {
	return uint64(len(d.pending))
}

func (d *Domain) read(offset uint64) uint32 {
	switch {
	case offset == DomainCfgOff:
		return d.domaincfg | domainCfgFixed

	case offset < MMSIAddrCfgOff:
		id := offset / 4
		if d.validID(id) && d.owns(uint32(id)) {
			return d.sourcecfg[id]
		}

	case offset < SetIPBase:
		if d.level != Machine {
			return 0
		}
		switch offset {
		case MMSIAddrCfgOff:
			return d.h.mmsi[0]
		case MMSIAddrCfgHOff:
			return d.h.mmsi[1]
		case SMSIAddrCfgOff:
			return d.h.smsi[0]
		case SMSIAddrCfgHOff:
			return d.h.smsi[1]
		}

	case offset < SetIPBase+4*Lanes:
		if lane := (offset - SetIPBase) / 4; lane < d.lanes() {
			return d.pending[lane]
		}

	case offset >= InClrIPBase && offset < InClrIPBase+4*Lanes:
		lane := (offset - InClrIPBase) / 4
		var v uint32
		for b := uint32(0); b < 32; b++ {
			id := uint32(lane)*32 + b
			if d.validID(uint64(id)) && d.rectified(id) {
				v |= 1 << b
			}
		}
		return v

	case offset >= SetIEBase && offset < SetIEBase+4*Lanes:
		if lane := (offset - SetIEBase) / 4; lane < d.lanes() {
			return d.enabled[lane]
		}

	case offset == GenMSIOff:
		if d.config().Delivery == DeliveryMSI {
			return d.genmsi
		}

	case offset > TargetBase && offset < Size:
		id := (offset - TargetBase) / 4
		if d.validID(id) {
			if _, ok := d.mode(uint32(id)); ok {
				return d.target[id]
			}
		}
	}
	return 0
}

func (d *Domain) write(offset uint64, value uint32) {
	switch {
	case offset == DomainCfgOff:
		d.domaincfg = value & domainCfgWritable

	case offset < MMSIAddrCfgOff:
		if id := offset / 4; d.validID(id) {
			d.writeSourceCfg(uint32(id), value)
		}

	case offset < SetIPBase:
		d.writeAddrCfg(offset, value)

	case offset < SetIPBase+4*Lanes:
		d.eachBit(offset-SetIPBase, value, d.softSetPending)

	case offset == SetIPNumOff:
		d.num(value, d.softSetPending)

	case offset >= InClrIPBase && offset < InClrIPBase+4*Lanes:
		d.eachBit(offset-InClrIPBase, value, d.softClearPending)

	case offset == ClrIPNumOff:
		d.num(value, d.softClearPending)

	case offset >= SetIEBase && offset < SetIEBase+4*Lanes:
		d.eachBit(offset-SetIEBase, value, func(id uint32) { d.setEnabled(id, true) })

	case offset == SetIENumOff:
		d.num(value, func(id uint32) { d.setEnabled(id, true) })

	case offset >= ClrIEBase && offset < ClrIEBase+4*Lanes:
		d.eachBit(offset-ClrIEBase, value, func(id uint32) { d.setEnabled(id, false) })

	case offset == ClrIENumOff:
		d.num(value, func(id uint32) { d.setEnabled(id, false) })

	case offset == SetIPNumLEOff:
		d.num(value, d.softSetPending)

	case offset == SetIPNumBEOff:
		d.num(bits.ReverseBytes32(value), d.softSetPending)

	case offset == GenMSIOff:
		if d.config().Delivery != DeliveryMSI {
			return
		}
		t := Target(value)
		d.genmsi = t.Hart()<<targetHartShift | t.EIID()
		d.h.send(irqchip.Message{Addr: d.msiAddress(t.Hart(), 0), Data: t.EIID()})

	case offset > TargetBase && offset < Size:
		if id := (offset - TargetBase) / 4; d.validID(id) {
			d.writeTarget(uint32(id), value)
		}
	}
}

func (d *Domain) writeAddrCfg(offset uint64, value uint32) {
	if d.parent != nil || d.level != Machine {
		slog.Debug("aplic: msiaddrcfg is read-only outside the root domain", "domain", d.name)
		return
	}
	if d.h.addrCfgLocked() {
		slog.Debug("aplic: msiaddrcfg locked", "offset", fmt.Sprintf("0x%x", offset))
		return
	}
	switch offset {
	case MMSIAddrCfgOff:
		d.h.mmsi[0] = value
	case MMSIAddrCfgHOff:
		d.h.mmsi[1] = value & addrCfgWritableH
	case SMSIAddrCfgOff:
		d.h.smsi[0] = value
	case SMSIAddrCfgHOff:
		// Only LHXS and the base are per-level; the rest come from mmsiaddrcfgh.
		d.h.smsi[1] = value & (0x7<<addrCfgLHXSShift | addrCfgPPNHMask)
	}
}

const addrCfgWritableH = addrCfgLock | 0x1f<<addrCfgHHXSShift | 0x7<<addrCfgLHXSShift |
	0x7<<addrCfgHHXWShift | 0xf<<addrCfgLHXWShift | addrCfgPPNHMask

func (d *Domain) eachBit(rel uint64, mask uint32, fn func(id uint32)) {
	lane := rel / 4
	if lane >= d.lanes() {
		return
	}
	for mask != 0 {
		b := uint32(bits.TrailingZeros32(mask))
		mask &^= 1 << b
		if id := uint32(lane)*32 + b; d.validID(uint64(id)) {
			fn(id)
		}
	}
}

func (d *Domain) num(id uint32, fn func(id uint32)) {
	if d.validID(uint64(id)) {
		fn(id)
	}
}

// topi picks the direct-mode interrupt for hart: enabled and pending,
// smallest iprio first, then lowest id.
func (d *Domain) topi(hart uint32) (id, iprio uint32, ok bool) {
	cfg := d.config()
	if !cfg.Enabled || cfg.Delivery != DeliveryDirect {
		return 0, 0, false
	}
	for lane := range d.pending {
		ready := d.pending[lane] & d.enabled[lane]
		for ready != 0 {
			b := uint32(bits.TrailingZeros32(ready))
			ready &^= 1 << b
			src := uint32(lane)*32 + b
			t := Target(d.target[src])
			if t.Hart() != hart {
				continue
			}
			if !ok || t.IPrio() < iprio {
				id, iprio, ok = src, t.IPrio(), true
			}
		}
	}
	return id, iprio, ok
}

// TopI returns the interrupt direct delivery presents to hart.
func (d *Domain) TopI(hart uint32) (id, iprio uint32, ok bool) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return d.topi(hart)
}

// ClaimTopI takes the interrupt TopI reports. Edge and detached sources stop
// pending; level sources keep following their wire.
func (d *Domain) ClaimTopI(hart uint32) (id, iprio uint32, ok bool) {
	d.h.mu.Lock()
	id, iprio, ok = d.topi(hart)
	if ok {
		if m, _ := d.mode(id); !m.level() {
			d.setPending(id, false)
		}
	}
	d.h.settle()
	d.h.mu.Unlock()
	d.h.notifier.Drain()
	return id, iprio, ok
}

var _ regs.Surface = (*Domain)(nil)
