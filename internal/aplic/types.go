package aplic

import (
	"fmt"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

// SourceMode is the source mode field of a non-delegated sourcecfg.
type SourceMode uint32

const (
	Inactive    SourceMode = 0
	Detached    SourceMode = 1
	EdgeRising  SourceMode = 4
	EdgeFalling SourceMode = 5
	LevelHigh   SourceMode = 6
	LevelLow    SourceMode = 7
)

// Valid reports whether m is one of the defined modes.
func (m SourceMode) Valid() bool {
	switch m {
	case Inactive, Detached, EdgeRising, EdgeFalling, LevelHigh, LevelLow:
		return true
	}
	return false
}

func (m SourceMode) edge() bool  { return m == EdgeRising || m == EdgeFalling }
func (m SourceMode) level() bool { return m == LevelHigh || m == LevelLow }

// inverted reports whether the mode rectifies by inverting the wire.
func (m SourceMode) inverted() bool { return m == EdgeFalling || m == LevelLow }

func (m SourceMode) String() string {
	switch m {
	case Inactive:
		return "inactive"
	case Detached:
		return "detached"
	case EdgeRising:
		return "edge-rising"
	case EdgeFalling:
		return "edge-falling"
	case LevelHigh:
		return "level-high"
	case LevelLow:
		return "level-low"
	}
	return fmt.Sprintf("reserved(%d)", uint32(m))
}

// ParseSourceMode is the inverse of SourceMode.String.
func ParseSourceMode(s string) (SourceMode, error) {
	for _, m := range []SourceMode{Inactive, Detached, EdgeRising, EdgeFalling, LevelHigh, LevelLow} {
		if m.String() == s {
			return m, nil
		}
	}
	return Inactive, fmt.Errorf("aplic: unknown source mode %q", s)
}

const (
	sourceCfgD         = 1 << 10
	sourceCfgChildMask = 0x3ff
	sourceCfgModeMask  = 0x7
)

// SourceConfig is a raw sourcecfg register value. A source is either in one
// of the direct modes or delegated to a child domain, never both.
type SourceConfig uint32

// DirectConfig encodes a non-delegated sourcecfg.
func DirectConfig(mode SourceMode) SourceConfig {
	return SourceConfig(uint32(mode) & sourceCfgModeMask)
}

// DelegatedConfig encodes a sourcecfg handing the source to child.
func DelegatedConfig(child uint32) (SourceConfig, error) {
	if child >= MaxChildren {
		return 0, irqchip.OutOfRange("aplic: delegate", "child index", uint64(child), MaxChildren-1)
	}
	return SourceConfig(sourceCfgD | child), nil
}

// IsDelegated reports whether the D bit is set.
func (c SourceConfig) IsDelegated() bool {
	return uint32(c)&sourceCfgD != 0
}

// Child returns the child index of a delegated source.
func (c SourceConfig) Child() uint32 {
	if !c.IsDelegated() {
		return 0
	}
	return uint32(c) & sourceCfgChildMask
}

// Mode returns the source mode; delegated sources report Inactive.
func (c SourceConfig) Mode() SourceMode {
	if c.IsDelegated() {
		return Inactive
	}
	return SourceMode(uint32(c) & sourceCfgModeMask)
}

func (c SourceConfig) String() string {
	if c.IsDelegated() {
		return fmt.Sprintf("delegated(%d)", c.Child())
	}
	return c.Mode().String()
}

// DeliveryMode selects how a domain delivers interrupts to harts.
type DeliveryMode uint8

const (
	DeliveryDirect DeliveryMode = iota
	DeliveryMSI
)

func (m DeliveryMode) String() string {
	if m == DeliveryMSI {
		return "msi"
	}
	return "direct"
}

// Endianness is the byte order of a domain's memory-mapped registers.
type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

const (
	domainCfgIE       = 1 << 8
	domainCfgDM       = 1 << 2
	domainCfgBE       = 1 << 0
	domainCfgWritable = domainCfgIE | domainCfgDM | domainCfgBE
	domainCfgFixed    = 0x80 << 24
)

// DomainConfig is the decoded domaincfg register.
type DomainConfig struct {
	Enabled  bool
	Delivery DeliveryMode
	Endian   Endianness
}

// Encode returns the register value.
func (c DomainConfig) Encode() uint32 {
	v := uint32(domainCfgFixed)
	if c.Enabled {
		v |= domainCfgIE
	}
	if c.Delivery == DeliveryMSI {
		v |= domainCfgDM
	}
	if c.Endian == BigEndian {
		v |= domainCfgBE
	}
	return v
}

// DecodeDomainConfig decodes a domaincfg value.
func DecodeDomainConfig(v uint32) DomainConfig {
	c := DomainConfig{Enabled: v&domainCfgIE != 0}
	if v&domainCfgDM != 0 {
		c.Delivery = DeliveryMSI
	}
	if v&domainCfgBE != 0 {
		c.Endian = BigEndian
	}
	return c
}

// Target field bounds.
const (
	MaxHart  = 16384
	MaxGuest = 32
	MaxEIID  = 1024
	MaxIPrio = 256
)

const (
	targetHartShift  = 18
	targetHartMask   = 0x3fff
	targetGuestShift = 12
	targetGuestMask  = 0x3f
	targetEIIDMask   = 0x7ff
	targetIPrioMask  = 0xff
)

// Target is a raw target register. In MSI delivery mode it holds
// hart<<18 | guest<<12 | eiid; in direct mode hart<<18 | iprio.
type Target uint32

// MSITarget packs an MSI destination. Fields outside their bounds fail with
// irqchip.ErrOutOfRange rather than being truncated.
func MSITarget(hart, guest, eiid uint32) (Target, error) {
	const op = "aplic: msi target"
	if hart >= MaxHart {
		return 0, irqchip.OutOfRange(op, "hart", uint64(hart), MaxHart-1)
	}
	if guest >= MaxGuest {
		return 0, irqchip.OutOfRange(op, "guest", uint64(guest), MaxGuest-1)
	}
	if eiid >= MaxEIID {
		return 0, irqchip.OutOfRange(op, "eiid", uint64(eiid), MaxEIID-1)
	}
	return Target(hart<<targetHartShift | guest<<targetGuestShift | eiid), nil
}

// DirectTarget packs a direct delivery destination. In an APLIC a smaller
// iprio is the more urgent one.
func DirectTarget(hart, iprio uint32) (Target, error) {
	const op = "aplic: direct target"
	if hart >= MaxHart {
		return 0, irqchip.OutOfRange(op, "hart", uint64(hart), MaxHart-1)
	}
	if iprio >= MaxIPrio {
		return 0, irqchip.OutOfRange(op, "iprio", uint64(iprio), MaxIPrio-1)
	}
	return Target(hart<<targetHartShift | iprio), nil
}

// Hart returns the hart index field.
func (t Target) Hart() uint32 { return uint32(t) >> targetHartShift & targetHartMask }

// Guest returns the guest index field (MSI mode).
func (t Target) Guest() uint32 { return uint32(t) >> targetGuestShift & targetGuestMask }

// EIID returns the external interrupt identity field (MSI mode).
func (t Target) EIID() uint32 { return uint32(t) & targetEIIDMask }

// IPrio returns the interrupt priority field (direct mode).
func (t Target) IPrio() uint32 { return uint32(t) & targetIPrioMask }

// MSIAddrConfig is the decoded {m,s}msiaddrcfg register pair describing
// where the harts' interrupt files live.
type MSIAddrConfig struct {
	PPN  uint64 // base physical page number, 44 bits
	LHXS uint8  // low hart index shift, 3 bits
	LHXW uint8  // low hart index width, 4 bits
	HHXW uint8  // high hart index width, 3 bits
	HHXS uint8  // high hart index shift, 5 bits
	Lock bool
}

const (
	addrCfgLock      = 1 << 31
	addrCfgHHXSShift = 24
	addrCfgLHXSShift = 20
	addrCfgHHXWShift = 16
	addrCfgLHXWShift = 12
	addrCfgPPNHMask  = 0xfff
	maxPPN           = 1 << 44
)

// Encode returns the low and high register words. Only field widths are
// checked; the address itself is taken on trust.
func (c MSIAddrConfig) Encode() (lo, hi uint32, err error) {
	const op = "aplic: msi address config"
	switch {
	case c.PPN >= maxPPN:
		return 0, 0, irqchip.OutOfRange(op, "ppn", c.PPN, maxPPN-1)
	case c.LHXS >= 1<<3:
		return 0, 0, irqchip.OutOfRange(op, "lhxs", uint64(c.LHXS), 7)
	case c.LHXW >= 1<<4:
		return 0, 0, irqchip.OutOfRange(op, "lhxw", uint64(c.LHXW), 15)
	case c.HHXW >= 1<<3:
		return 0, 0, irqchip.OutOfRange(op, "hhxw", uint64(c.HHXW), 7)
	case c.HHXS >= 1<<5:
		return 0, 0, irqchip.OutOfRange(op, "hhxs", uint64(c.HHXS), 31)
	}
	lo = uint32(c.PPN)
	hi = uint32(c.PPN>>32)&addrCfgPPNHMask |
		uint32(c.LHXW)<<addrCfgLHXWShift |
		uint32(c.HHXW)<<addrCfgHHXWShift |
		uint32(c.LHXS)<<addrCfgLHXSShift |
		uint32(c.HHXS)<<addrCfgHHXSShift
	if c.Lock {
		hi |= addrCfgLock
	}
	return lo, hi, nil
}

// DecodeMSIAddrConfig decodes a register pair.
func DecodeMSIAddrConfig(lo, hi uint32) MSIAddrConfig {
	return MSIAddrConfig{
		PPN:  uint64(hi&addrCfgPPNHMask)<<32 | uint64(lo),
		LHXW: uint8(hi >> addrCfgLHXWShift & 0xf),
		HHXW: uint8(hi >> addrCfgHHXWShift & 0x7),
		LHXS: uint8(hi >> addrCfgLHXSShift & 0x7),
		HHXS: uint8(hi >> addrCfgHHXSShift & 0x1f),
		Lock: hi&addrCfgLock != 0,
	}
}

func splitHart(m MSIAddrConfig, hart uint32) (group, index uint64) {
	group = uint64(hart>>m.LHXW) & (1<<m.HHXW - 1)
	index = uint64(hart) & (1<<m.LHXW - 1)
	return group, index
}

// MachineMSIAddress returns the machine-level interrupt file address of
// hart.
func MachineMSIAddress(m MSIAddrConfig, hart uint32) uint64 {
	group, index := splitHart(m, hart)
	ppn := m.PPN | group<<(uint64(m.HHXS)+12) | index<<m.LHXS
	return ppn << 12
}

// SupervisorMSIAddress returns the address of guest's interrupt file of
// hart. Group and hart index geometry come from the machine configuration;
// the base and low shift from the supervisor one.
func SupervisorMSIAddress(m, s MSIAddrConfig, hart, guest uint32) uint64 {
	group, index := splitHart(m, hart)
	ppn := s.PPN | group<<(uint64(m.HHXS)+12) | index<<s.LHXS | uint64(guest)
	return ppn << 12
}

// PrivilegeLevel is the privilege mode a domain delivers to.
type PrivilegeLevel uint8

const (
	Machine PrivilegeLevel = iota
	Supervisor
)

func (l PrivilegeLevel) String() string {
	if l == Supervisor {
		return "supervisor"
	}
	return "machine"
}

// ParsePrivilegeLevel accepts "machine"/"m" and "supervisor"/"s".
func ParsePrivilegeLevel(s string) (PrivilegeLevel, error) {
	switch s {
	case "machine", "m", "":
		return Machine, nil
	case "supervisor", "s":
		return Supervisor, nil
	}
	return Machine, fmt.Errorf("aplic: unknown privilege level %q", s)
}
