package aplic

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

// Hierarchy is one tree of emulated interrupt domains sharing a set of
// wired sources. The root is a machine-level domain that initially owns
// every source; a domain hands a source to one of its children by setting
// the D bit of its sourcecfg, after which only that child's pending, enable
// and target state matters for the source.
//
// One lock covers the whole tree, so every register access, on any domain,
// is a single atomic step.
type Hierarchy struct {
	mu sync.Mutex

	sources uint32
	root    *Domain
	domains []*Domain
	msi     irqchip.MSISink

	input []uint32 // raw wire levels

	// MSI address configuration, held by the root machine domain.
	mmsi [2]uint32
	smsi [2]uint32

	delivered uint64

	// Messages and hart line changes are queued under mu and delivered in
	// order after releasing it, so MSI sinks and hart lines may call back
	// into the hierarchy.
	notifier irqchip.Notifier
}

// NewHierarchy builds a tree holding only the root domain. msi receives
// every message sent by MSI delivery domains; nil discards them.
func NewHierarchy(name string, sources uint32, msi irqchip.MSISink) (*Hierarchy, error) {
	if sources < 2 || sources > MaxSources {
		return nil, irqchip.OutOfRange("aplic: new hierarchy", "source count", uint64(sources), MaxSources)
	}
	if msi == nil {
		msi = irqchip.MSISinkDetached()
	}
	h := &Hierarchy{
		sources: sources,
		msi:     msi,
		input:   make([]uint32, (sources+31)/32),
	}
	h.root = newDomain(h, name, Machine, nil, 0)
	h.domains = []*Domain{h.root}
	return h, nil
}

// Sources returns the number of interrupt ids, including id 0.
func (h *Hierarchy) Sources() uint32 { return h.sources }

// Root returns the root domain.
func (h *Hierarchy) Root() *Domain { return h.root }

// Domains returns every domain, parents before children.
func (h *Hierarchy) Domains() []*Domain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Domain(nil), h.domains...)
}

// Domain finds a domain by name.
func (h *Hierarchy) Domain(name string) (*Domain, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.domains {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}

// SetMSISink replaces the destination of outgoing messages.
func (h *Hierarchy) SetMSISink(msi irqchip.MSISink) {
	if msi == nil {
		msi = irqchip.MSISinkDetached()
	}
	h.mu.Lock()
	h.msi = msi
	h.mu.Unlock()
}

// AddChild attaches a new domain below parent. Its child index, the value a
// parent's sourcecfg names when delegating, is the number of children parent
// had before. A supervisor-level domain cannot have machine-level children.
func (h *Hierarchy) AddChild(parent *Domain, name string, level PrivilegeLevel) (*Domain, error) {
	if parent == nil || parent.h != h {
		return nil, fmt.Errorf("aplic: add child %q: parent is not part of this hierarchy", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, d := range h.domains {
		if d.name == name {
			return nil, fmt.Errorf("aplic: add child: domain %q already exists", name)
		}
	}
	if len(parent.children) >= MaxChildren {
		return nil, irqchip.OutOfRange("aplic: add child", "child count", uint64(len(parent.children)), MaxChildren)
	}
	if parent.level == Supervisor && level == Machine {
		return nil, fmt.Errorf("aplic: add child %q: machine-level domain below supervisor-level %q", name, parent.name)
	}

	child := newDomain(h, name, level, parent, uint32(len(parent.children)))
	parent.children = append(parent.children, child)
	h.domains = append(h.domains, child)
	return child, nil
}

// Delivered returns the number of MSIs sent so far.
func (h *Hierarchy) Delivered() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

func (h *Hierarchy) validSource(op string, id uint32) error {
	if id == 0 || id >= h.sources {
		return fmt.Errorf("aplic: %s: source %d not in 1..%d: %w", op, id, h.sources-1, irqchip.ErrOutOfRange)
	}
	return nil
}

func (h *Hierarchy) inputLevel(id uint32) bool {
	return h.input[id/32]&bit(id) != 0
}

// owner follows delegations from the root to the domain arbitrating id.
func (h *Hierarchy) owner(id uint32) *Domain {
	d := h.root
	for {
		cfg := SourceConfig(d.sourcecfg[id])
		if !cfg.IsDelegated() {
			return d
		}
		if int(cfg.Child()) >= len(d.children) {
			return nil
		}
		d = d.children[cfg.Child()]
	}
}

// Owner returns the domain that currently arbitrates id.
func (h *Hierarchy) Owner(id uint32) (*Domain, error) {
	if err := h.validSource("owner", id); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.owner(id)
	if d == nil {
		return nil, fmt.Errorf("aplic: source %d delegated to a missing domain", id)
	}
	return d, nil
}

// SetInput drives the wire of source id. The owning domain's source mode
// decides whether and how the level becomes a pending interrupt.
func (h *Hierarchy) SetInput(id uint32, high bool) error {
	if err := h.validSource("set input", id); err != nil {
		return err
	}
	h.mu.Lock()
	old := h.inputLevel(id)
	if high {
		h.input[id/32] |= bit(id)
	} else {
		h.input[id/32] &^= bit(id)
	}
	if d := h.owner(id); d != nil {
		d.inputChanged(id, old, high)
	}
	h.settle()
	h.mu.Unlock()
	h.notifier.Drain()
	return nil
}

// Pulse drives a rising then a falling edge on source id.
func (h *Hierarchy) Pulse(id uint32) error {
	if err := h.SetInput(id, true); err != nil {
		return err
	}
	return h.SetInput(id, false)
}

func (h *Hierarchy) machineAddrCfg() MSIAddrConfig {
	return DecodeMSIAddrConfig(h.mmsi[0], h.mmsi[1])
}

func (h *Hierarchy) supervisorAddrCfg() MSIAddrConfig {
	return DecodeMSIAddrConfig(h.smsi[0], h.smsi[1])
}

func (h *Hierarchy) addrCfgLocked() bool {
	return h.mmsi[1]&addrCfgLock != 0
}

// settle forwards every deliverable MSI and recomputes direct hart lines.
// The caller holds mu and drains the notifier after unlocking.
func (h *Hierarchy) settle() {
	for _, d := range h.domains {
		cfg := d.config()
		if cfg.Delivery == DeliveryMSI && cfg.Enabled {
			msgs := d.forward()
			for _, msg := range msgs {
				h.send(msg)
			}
			h.delivered += uint64(len(msgs))
		}
		for hart, line := range d.hartLines {
			level := false
			if cfg.Delivery == DeliveryDirect {
				_, _, level = d.topi(hart)
			}
			if level != d.hartLevels[hart] {
				d.hartLevels[hart] = level
				h.notifier.Queue(func() { line.SetLevel(level) })
			}
		}
	}
}

// send queues msg for the current sink. The caller holds mu.
func (h *Hierarchy) send(msg irqchip.Message) {
	sink := h.msi
	h.notifier.Queue(func() {
		if err := sink.WriteMSI(msg); err != nil {
			slog.Warn("aplic: MSI write failed", "msg", msg.String(), "err", err)
		}
	})
}
