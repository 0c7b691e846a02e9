package plic

import (
	"fmt"

	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/priority"
	"github.com/tinyrange/irqchip/internal/regs"
)

// PLIC drives a PLIC register window. W is the width of the priority and
// threshold fields implemented by the platform.
//
// PLIC holds no interrupt state: every method is one or two register
// accesses and the only atomicity is per word. Sequences that must not be
// interleaved with other harts (for example masking a source, then lowering
// the threshold) need caller supplied exclusion such as running with local
// interrupts disabled.
type PLIC[W priority.Width] struct {
	regs     regs.Surface
	sources  uint32
	contexts uint32
}

// New returns a driver for a PLIC with sources interrupt ids (including the
// reserved id 0) and contexts delivery contexts, both as discovered from the
// platform description.
func New[W priority.Width](s regs.Surface, sources, contexts uint32) (*PLIC[W], error) {
	if s == nil {
		return nil, fmt.Errorf("plic: nil register surface")
	}
	if s.Size() < Size {
		return nil, fmt.Errorf("plic: register surface is 0x%x bytes, need 0x%x", s.Size(), Size)
	}
	if sources < 2 || sources > MaxSources {
		return nil, irqchip.OutOfRange("plic: new", "source count", uint64(sources), MaxSources)
	}
	if contexts < 1 || contexts > MaxContexts {
		return nil, irqchip.OutOfRange("plic: new", "context count", uint64(contexts), MaxContexts)
	}
	return &PLIC[W]{regs: s, sources: sources, contexts: contexts}, nil
}

// Sources returns the number of interrupt ids, including id 0.
func (p *PLIC[W]) Sources() uint32 { return p.sources }

// Contexts returns the number of delivery contexts.
func (p *PLIC[W]) Contexts() uint32 { return p.contexts }

func (p *PLIC[W]) checkSource(op string, id uint32) error {
	if id == 0 || id >= p.sources {
		return fmt.Errorf("plic: %s: source %d not in 1..%d: %w", op, id, p.sources-1, irqchip.ErrOutOfRange)
	}
	return nil
}

func (p *PLIC[W]) checkContext(op string, context uint32) error {
	if context >= p.contexts {
		return fmt.Errorf("plic: %s: context %d not below %d: %w", op, context, p.contexts, irqchip.ErrOutOfRange)
	}
	return nil
}

func (p *PLIC[W]) check(op string, context, id uint32) error {
	if err := p.checkContext(op, context); err != nil {
		return err
	}
	return p.checkSource(op, id)
}

// IsEnabled reports whether id is enabled for context.
func (p *PLIC[W]) IsEnabled(context, id uint32) (bool, error) {
	if err := p.check("is enabled", context, id); err != nil {
		return false, err
	}
	return p.regs.Read32(EnableOffset(context, id))&bit(id) != 0, nil
}

// Mask disables id for context with a single read-modify-write of the enable
// word.
func (p *PLIC[W]) Mask(context, id uint32) error {
	if err := p.check("mask", context, id); err != nil {
		return err
	}
	p.regs.Modify32(EnableOffset(context, id), func(v uint32) uint32 { return v &^ bit(id) })
	return nil
}

// Unmask enables id for context with a single read-modify-write of the enable
// word.
//
// Unmasking from one hart while another relies on the mask being stable (a
// mask based critical section) breaks that section: the interrupt can be
// delivered as soon as the word is written. Callers own the exclusion.
func (p *PLIC[W]) Unmask(context, id uint32) error {
	if err := p.check("unmask", context, id); err != nil {
		return err
	}
	p.regs.Modify32(EnableOffset(context, id), func(v uint32) uint32 { return v | bit(id) })
	return nil
}

// EnableWord returns the raw enable bitmap word holding ids lane*32..lane*32+31.
func (p *PLIC[W]) EnableWord(context, lane uint32) (uint32, error) {
	if err := p.checkContext("enable word", context); err != nil {
		return 0, err
	}
	if lane >= (p.sources+31)/32 {
		return 0, irqchip.OutOfRange("plic: enable word", "lane", uint64(lane), uint64((p.sources+31)/32-1))
	}
	return p.regs.Read32(EnableOffset(context, lane*32)), nil
}

// SetEnableWord replaces a whole enable bitmap word.
func (p *PLIC[W]) SetEnableWord(context, lane, mask uint32) error {
	if err := p.checkContext("set enable word", context); err != nil {
		return err
	}
	if lane >= (p.sources+31)/32 {
		return irqchip.OutOfRange("plic: set enable word", "lane", uint64(lane), uint64((p.sources+31)/32-1))
	}
	p.regs.Write32(EnableOffset(context, lane*32), mask)
	return nil
}

// Priority returns the priority of id.
func (p *PLIC[W]) Priority(id uint32) (priority.Value[W], error) {
	if err := p.checkSource("priority", id); err != nil {
		return priority.Never[W](), err
	}
	v, err := priority.FromBits[W](p.regs.Read32(PriorityOffset(id)))
	if err != nil {
		return priority.Never[W](), fmt.Errorf("plic: priority of source %d: %w", id, err)
	}
	return v, nil
}

// SetPriority sets the priority of id. Never disables the source.
func (p *PLIC[W]) SetPriority(id uint32, v priority.Value[W]) error {
	if err := p.checkSource("set priority", id); err != nil {
		return err
	}
	p.regs.Write32(PriorityOffset(id), v.Bits())
	return nil
}

// Threshold returns the priority threshold of context.
func (p *PLIC[W]) Threshold(context uint32) (priority.Value[W], error) {
	if err := p.checkContext("threshold", context); err != nil {
		return priority.Never[W](), err
	}
	v, err := priority.FromBits[W](p.regs.Read32(ThresholdOffset(context)))
	if err != nil {
		return priority.Never[W](), fmt.Errorf("plic: threshold of context %d: %w", context, err)
	}
	return v, nil
}

// SetThreshold sets the priority threshold of context. Lowering it can make
// an already pending source deliverable immediately, before this call
// returns.
func (p *PLIC[W]) SetThreshold(context uint32, v priority.Value[W]) error {
	if err := p.checkContext("set threshold", context); err != nil {
		return err
	}
	p.regs.Write32(ThresholdOffset(context), v.Bits())
	return nil
}

// Claim takes the highest priority pending interrupt enabled for context.
// ok is false when nothing is claimable. Every successful claim must be
// followed by exactly one Complete for the same id; until then the source
// is not delivered again. An id beyond the driver's source count is
// completed at once and reported as ErrOutOfRange.
func (p *PLIC[W]) Claim(context uint32) (id uint32, ok bool, err error) {
	if err := p.checkContext("claim", context); err != nil {
		return 0, false, err
	}
	id = p.regs.Read32(ClaimOffset(context))
	if id == 0 {
		return 0, false, nil
	}
	if id >= p.sources {
		// Hand the claim straight back so the source is not stuck in flight.
		p.regs.Write32(ClaimOffset(context), id)
		return 0, false, fmt.Errorf("plic: claim returned source %d beyond %d: %w", id, p.sources-1, irqchip.ErrOutOfRange)
	}
	return id, true, nil
}

// Complete signals that handling of a claimed id has finished.
func (p *PLIC[W]) Complete(context, id uint32) error {
	if err := p.check("complete", context, id); err != nil {
		return err
	}
	p.regs.Write32(ClaimOffset(context), id)
	return nil
}

// IsPending reports whether id is pending. It has no side effects.
func (p *PLIC[W]) IsPending(id uint32) (bool, error) {
	if err := p.checkSource("is pending", id); err != nil {
		return false, err
	}
	return p.regs.Read32(PendingOffset(id))&bit(id) != 0, nil
}
