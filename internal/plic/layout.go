// Package plic models the RISC-V Platform-Level Interrupt Controller: a flat
// set of prioritized sources arbitrated per context, delivered by a two-phase
// claim/complete handshake.
//
// PLIC is the driver view: it reads and writes registers on any regs.Surface
// and keeps no state of its own. Device is an emulated controller that gives
// those registers their hardware behaviour.
package plic

// Register layout. Offsets are fixed by the hardware specification.
const (
	PriorityBase   = 0x000000 // 1024 priority words, word 0 reserved
	PendingBase    = 0x001000 // 32 pending words
	EnableBase     = 0x002000 // per context enable bitmaps
	EnableStride   = 0x80
	ContextBase    = 0x200000 // per context threshold/claim pairs
	ContextStride  = 0x1000
	ThresholdOff   = 0x0
	ClaimOff       = 0x4 // claim on read, complete on write
	Size           = 0x4000000
	MaxSources     = 1024
	MaxContexts    = (Size - ContextBase) / ContextStride
	WordsPerBitmap = MaxSources / 32
)

// PriorityOffset returns the byte offset of source id's priority register.
func PriorityOffset(id uint32) uint64 {
	return PriorityBase + 4*uint64(id)
}

// PendingOffset returns the byte offset of the pending word holding id.
func PendingOffset(id uint32) uint64 {
	return PendingBase + 4*uint64(id/32)
}

// EnableOffset returns the byte offset of the enable word holding id for
// context.
func EnableOffset(context, id uint32) uint64 {
	return EnableBase + EnableStride*uint64(context) + 4*uint64(id/32)
}

// ThresholdOffset returns the byte offset of context's threshold register.
func ThresholdOffset(context uint32) uint64 {
	return ContextBase + ContextStride*uint64(context) + ThresholdOff
}

// ClaimOffset returns the byte offset of context's claim/complete register.
func ClaimOffset(context uint32) uint64 {
	return ContextBase + ContextStride*uint64(context) + ClaimOff
}

func bit(id uint32) uint32 {
	return 1 << (id % 32)
}
