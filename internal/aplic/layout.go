// Package aplic models the RISC-V Advanced Platform-Level Interrupt
// Controller: per-source modes, direct or message-signaled delivery, and a
// tree of interrupt domains that delegate sources to their children.
//
// APLIC is the driver view over a regs.Surface. Hierarchy and Domain emulate
// the hardware behind the register layout.
package aplic

// Register layout of one interrupt domain.
const (
	DomainCfgOff    = 0x0000
	SourceCfgBase   = 0x0000 // sourcecfg[i] at 4*i, i in 1..1023
	MMSIAddrCfgOff  = 0x1BC0
	MMSIAddrCfgHOff = 0x1BC4
	SMSIAddrCfgOff  = 0x1BC8
	SMSIAddrCfgHOff = 0x1BCC
	SetIPBase       = 0x1C00 // 32 lanes
	SetIPNumOff     = 0x1CDC
	InClrIPBase     = 0x1D00 // 32 lanes
	ClrIPNumOff     = 0x1DDC
	SetIEBase       = 0x1E00 // 32 lanes
	SetIENumOff     = 0x1EDC
	ClrIEBase       = 0x1F00 // 32 lanes
	ClrIENumOff     = 0x1FDC
	SetIPNumLEOff   = 0x2000
	SetIPNumBEOff   = 0x2004
	GenMSIOff       = 0x3000
	TargetBase      = 0x3000 // target[i] at 0x3000+4*i, i in 1..1023
	Size            = 0x4000

	MaxSources  = 1024
	MaxChildren = 1024
	Lanes       = MaxSources / 32
)

// SourceCfgOffset returns the byte offset of sourcecfg[id].
func SourceCfgOffset(id uint32) uint64 {
	return SourceCfgBase + 4*uint64(id)
}

// TargetOffset returns the byte offset of target[id].
func TargetOffset(id uint32) uint64 {
	return TargetBase + 4*uint64(id)
}

// SetIPOffset returns the byte offset of setip[lane].
func SetIPOffset(lane uint32) uint64 { return SetIPBase + 4*uint64(lane) }

// InClrIPOffset returns the byte offset of in_clrip[lane].
func InClrIPOffset(lane uint32) uint64 { return InClrIPBase + 4*uint64(lane) }

// SetIEOffset returns the byte offset of setie[lane].
func SetIEOffset(lane uint32) uint64 { return SetIEBase + 4*uint64(lane) }

// ClrIEOffset returns the byte offset of clrie[lane].
func ClrIEOffset(lane uint32) uint64 { return ClrIEBase + 4*uint64(lane) }

func bit(id uint32) uint32 {
	return 1 << (id % 32)
}
