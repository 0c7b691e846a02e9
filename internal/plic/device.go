package plic

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/priority"
	"github.com/tinyrange/irqchip/internal/regs"
)

// Config describes an emulated PLIC as discovered on a platform.
type Config struct {
	Sources      uint32 // interrupt ids including the reserved id 0
	Contexts     uint32
	PriorityBits uint // implemented bits of priority and threshold
}

// Device emulates a PLIC behind its register layout.
//
// Each source has a gateway. An edge (Raise) or a high level (SetLevel)
// latches the pending bit unless the source is in flight, i.e. claimed and
// not yet completed. An edge that arrives in flight is held and becomes
// pending on completion; a level that is still high on completion re-pends.
type Device struct {
	mu sync.Mutex

	sources      uint32
	contexts     uint32
	priorityMask uint32

	priority  []uint32
	pending   []uint32
	enable    [][]uint32
	threshold []uint32

	inFlight []uint32
	held     []uint32
	level    []uint32

	lines      []irqchip.Line
	lineLevels []bool
	notifier   irqchip.Notifier
}

// NewDevice builds an emulated PLIC. Every register starts at zero.
func NewDevice(cfg Config) (*Device, error) {
	if cfg.Sources < 2 || cfg.Sources > MaxSources {
		return nil, irqchip.OutOfRange("plic: new device", "source count", uint64(cfg.Sources), MaxSources)
	}
	if cfg.Contexts < 1 || cfg.Contexts > MaxContexts {
		return nil, irqchip.OutOfRange("plic: new device", "context count", uint64(cfg.Contexts), MaxContexts)
	}
	if cfg.PriorityBits < 1 || cfg.PriorityBits > priority.NativeBits {
		return nil, irqchip.OutOfRange("plic: new device", "priority bits", uint64(cfg.PriorityBits), priority.NativeBits)
	}

	words := (cfg.Sources + 31) / 32
	d := &Device{
		sources:      cfg.Sources,
		contexts:     cfg.Contexts,
		priorityMask: priority.MaxBits(cfg.PriorityBits),
		priority:     make([]uint32, cfg.Sources),
		pending:      make([]uint32, words),
		enable:       make([][]uint32, cfg.Contexts),
		threshold:    make([]uint32, cfg.Contexts),
		inFlight:     make([]uint32, words),
		held:         make([]uint32, words),
		level:        make([]uint32, words),
		lines:        make([]irqchip.Line, cfg.Contexts),
		lineLevels:   make([]bool, cfg.Contexts),
	}
	for i := range d.enable {
		d.enable[i] = make([]uint32, words)
		d.lines[i] = irqchip.LineDetached()
	}
	return d, nil
}

// Config returns the configuration the device was built with.
func (d *Device) Config() Config {
	bits := uint(0)
	for m := d.priorityMask; m != 0; m >>= 1 {
		bits++
	}
	return Config{Sources: d.sources, Contexts: d.contexts, PriorityBits: bits}
}

// SetLine connects context's interrupt output, typically a hart's external
// interrupt pending bit for one privilege mode.
func (d *Device) SetLine(context uint32, line irqchip.Line) error {
	if context >= d.contexts {
		return irqchip.OutOfRange("plic: set line", "context", uint64(context), uint64(d.contexts-1))
	}
	if line == nil {
		line = irqchip.LineDetached()
	}
	d.mu.Lock()
	d.lines[context] = line
	level := d.lineLevels[context]
	d.notifier.Queue(func() { line.SetLevel(level) })
	d.mu.Unlock()
	d.notifier.Drain()
	return nil
}

// Size implements regs.Surface.
func (d *Device) Size() uint64 {
	return Size
}

// Read32 implements regs.Surface. Reading a claim register claims.
func (d *Device) Read32(offset uint64) uint32 {
	d.mu.Lock()
	var v uint32
	if context, ok := d.claimContext(offset); ok {
		v = d.claim(context)
	} else {
		v = d.peek(offset)
	}
	d.evaluate()
	d.mu.Unlock()
	d.notifier.Drain()
	return v
}

// Write32 implements regs.Surface. Writing a claim register completes.
func (d *Device) Write32(offset uint64, value uint32) {
	d.mu.Lock()
	d.write(offset, value)
	d.evaluate()
	d.mu.Unlock()
	d.notifier.Drain()
}

// Modify32 implements regs.Surface. On a claim register fn sees zero and
// its result is dropped: a read-modify-write neither claims nor completes.
func (d *Device) Modify32(offset uint64, fn func(uint32) uint32) {
	d.mu.Lock()
	v := fn(d.peek(offset))
	if _, ok := d.claimContext(offset); !ok {
		d.write(offset, v)
	}
	d.evaluate()
	d.mu.Unlock()
	d.notifier.Drain()
}

func (d *Device) claimContext(offset uint64) (uint32, bool) {
	if offset < ContextBase || offset >= Size {
		return 0, false
	}
	rel := offset - ContextBase
	context := uint32(rel / ContextStride)
	if rel%ContextStride != ClaimOff || context >= d.contexts {
		return 0, false
	}
	return context, true
}

// peek reads a register without side effects.
func (d *Device) peek(offset uint64) uint32 {
	switch {
	case offset < PendingBase:
		if source := uint32(offset / 4); source < d.sources {
			return d.priority[source]
		}

	case offset < EnableBase:
		if word := (offset - PendingBase) / 4; word < uint64(len(d.pending)) {
			return d.pending[word]
		}

	case offset < ContextBase:
		rel := offset - EnableBase
		context := rel / EnableStride
		word := (rel % EnableStride) / 4
		if context < uint64(d.contexts) && word < uint64(len(d.pending)) {
			return d.enable[context][word]
		}

	case offset < Size:
		rel := offset - ContextBase
		context := rel / ContextStride
		if context < uint64(d.contexts) && rel%ContextStride == ThresholdOff {
			return d.threshold[context]
		}
	}
	return 0
}

func (d *Device) write(offset uint64, value uint32) {
	switch {
	case offset < PendingBase:
		source := uint32(offset / 4)
		if source == 0 || source >= d.sources {
			slog.Debug("plic: ignored priority write", "source", source)
			return
		}
		d.priority[source] = value & d.priorityMask

	case offset < EnableBase:
		slog.Debug("plic: ignored write to read-only pending word", "offset", fmt.Sprintf("0x%x", offset))

	case offset < ContextBase:
		rel := offset - EnableBase
		context := rel / EnableStride
		word := (rel % EnableStride) / 4
		if context >= uint64(d.contexts) || word >= uint64(len(d.pending)) {
			return
		}
		d.enable[context][word] = value & d.implemented(uint32(word))

	case offset < Size:
		rel := offset - ContextBase
		context := uint32(rel / ContextStride)
		if context >= d.contexts {
			return
		}
		switch rel % ContextStride {
		case ThresholdOff:
			d.threshold[context] = value & d.priorityMask
		case ClaimOff:
			d.complete(context, value)
		}
	}
}

// implemented returns the bits of bitmap word that name real sources.
func (d *Device) implemented(word uint32) uint32 {
	mask := ^uint32(0)
	if word == 0 {
		mask &^= 1
	}
	first := word * 32
	if first+32 > d.sources {
		n := d.sources - first
		mask &= uint32(1)<<n - 1
	}
	return mask
}

func (d *Device) eligible(context, source uint32) bool {
	w, b := source/32, bit(source)
	if d.pending[w]&b == 0 || d.enable[context][w]&b == 0 {
		return false
	}
	prio := d.priority[source]
	return prio != 0 && prio >= d.threshold[context]
}

// best returns the claimable source with the highest priority, lowest id on
// ties, or 0.
func (d *Device) best(context uint32) uint32 {
	var bestSource, bestPriority uint32
	for source := uint32(1); source < d.sources; source++ {
		if !d.eligible(context, source) {
			continue
		}
		if prio := d.priority[source]; prio > bestPriority {
			bestPriority = prio
			bestSource = source
		}
	}
	return bestSource
}

func (d *Device) claim(context uint32) uint32 {
	source := d.best(context)
	if source == 0 {
		return 0
	}
	w, b := source/32, bit(source)
	d.pending[w] &^= b
	d.inFlight[w] |= b
	return source
}

func (d *Device) complete(context, source uint32) {
	if source == 0 || source >= d.sources {
		return
	}
	w, b := source/32, bit(source)
	if d.enable[context][w]&b == 0 {
		// The handshake ignores completions for sources the context cannot see.
		slog.Debug("plic: ignored completion for disabled source", "context", context, "source", source)
		return
	}
	if d.inFlight[w]&b == 0 {
		return
	}
	d.inFlight[w] &^= b
	if d.held[w]&b != 0 || d.level[w]&b != 0 {
		d.held[w] &^= b
		d.pending[w] |= b
	}
}

// evaluate recomputes every context output and queues the changes. The
// caller holds d.mu and drains the notifier after unlocking.
func (d *Device) evaluate() {
	for context := uint32(0); context < d.contexts; context++ {
		level := d.best(context) != 0
		if level == d.lineLevels[context] {
			continue
		}
		d.lineLevels[context] = level
		line := d.lines[context]
		d.notifier.Queue(func() { line.SetLevel(level) })
	}
}

func (d *Device) validSource(op string, source uint32) error {
	if source == 0 || source >= d.sources {
		return fmt.Errorf("plic: %s: source %d not in 1..%d: %w", op, source, d.sources-1, irqchip.ErrOutOfRange)
	}
	return nil
}

// Raise signals an edge on source's gateway.
func (d *Device) Raise(source uint32) error {
	if err := d.validSource("raise", source); err != nil {
		return err
	}
	d.mu.Lock()
	w, b := source/32, bit(source)
	if d.inFlight[w]&b != 0 {
		d.held[w] |= b
	} else {
		d.pending[w] |= b
	}
	d.evaluate()
	d.mu.Unlock()
	d.notifier.Drain()
	return nil
}

// SetLevel drives a level-sensitive source. Dropping the level withdraws a
// request that has not been claimed yet.
func (d *Device) SetLevel(source uint32, high bool) error {
	if err := d.validSource("set level", source); err != nil {
		return err
	}
	d.mu.Lock()
	w, b := source/32, bit(source)
	if high {
		d.level[w] |= b
		if d.inFlight[w]&b == 0 {
			d.pending[w] |= b
		}
	} else {
		d.level[w] &^= b
		d.pending[w] &^= b
	}
	d.evaluate()
	d.mu.Unlock()
	d.notifier.Drain()
	return nil
}

// Pending reports the pending bit of source.
func (d *Device) Pending(source uint32) bool {
	if source >= d.sources {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[source/32]&bit(source) != 0
}

// InFlight reports whether source has been claimed and not completed.
func (d *Device) InFlight(source uint32) bool {
	if source >= d.sources {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[source/32]&bit(source) != 0
}

// Asserted reports whether context's output line is high.
func (d *Device) Asserted(context uint32) bool {
	if context >= d.contexts {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lineLevels[context]
}

var (
	_ regs.Surface        = (*Device)(nil)
	_ irqchip.Snapshotter = (*Device)(nil)
)
