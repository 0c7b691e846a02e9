package platform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/irqchip/internal/aplic"
	"github.com/tinyrange/irqchip/internal/irqchip"
	"github.com/tinyrange/irqchip/internal/plic"
	"github.com/tinyrange/irqchip/internal/priority"
	"github.com/tinyrange/irqchip/internal/regs"
)

// Machine is a built platform: emulated controllers on a bus, with drivers
// reaching them through bus views the way software would.
type Machine struct {
	Config *Config
	Bus    *regs.Bus

	PLIC  *plic.Device
	APLIC *aplic.Hierarchy
	IMSIC *regs.Memory

	plic    plicDriver
	domains map[string]*aplic.APLIC

	mu       sync.Mutex
	messages []irqchip.Message
	levels   []bool // PLIC context outputs
}

// plicDriver erases the priority width so scenarios can hand in plain
// numbers.
type plicDriver interface {
	SetPriority(id, prio uint32) error
	SetThreshold(context, prio uint32) error
	Mask(context, id uint32) error
	Unmask(context, id uint32) error
	Claim(context uint32) (uint32, bool, error)
	Complete(context, id uint32) error
	IsPending(id uint32) (bool, error)
}

type widthDriver[W priority.Width] struct {
	*plic.PLIC[W]
}

func (d widthDriver[W]) SetPriority(id, prio uint32) error {
	v, err := priority.FromBits[W](prio)
	if err != nil {
		return fmt.Errorf("plic: set priority %d: %w", id, err)
	}
	return d.PLIC.SetPriority(id, v)
}

func (d widthDriver[W]) SetThreshold(context, prio uint32) error {
	v, err := priority.FromBits[W](prio)
	if err != nil {
		return fmt.Errorf("plic: set threshold %d: %w", context, err)
	}
	return d.PLIC.SetThreshold(context, v)
}

func newWidthDriver[W priority.Width](s regs.Surface, sources, contexts uint32) (plicDriver, error) {
	p, err := plic.New[W](s, sources, contexts)
	if err != nil {
		return nil, err
	}
	return widthDriver[W]{p}, nil
}

func supportedPriorityBits(bits uint) bool {
	return (bits >= 1 && bits <= 8) || bits == 16 || bits == 32
}

func newPLICDriver(s regs.Surface, cfg *PLICConfig) (plicDriver, error) {
	switch cfg.PriorityBits {
	case 1:
		return newWidthDriver[priority.W1](s, cfg.Sources, cfg.Contexts)
	case 2:
		return newWidthDriver[priority.W2](s, cfg.Sources, cfg.Contexts)
	case 3:
		return newWidthDriver[priority.W3](s, cfg.Sources, cfg.Contexts)
	case 4:
		return newWidthDriver[priority.W4](s, cfg.Sources, cfg.Contexts)
	case 5:
		return newWidthDriver[priority.W5](s, cfg.Sources, cfg.Contexts)
	case 6:
		return newWidthDriver[priority.W6](s, cfg.Sources, cfg.Contexts)
	case 7:
		return newWidthDriver[priority.W7](s, cfg.Sources, cfg.Contexts)
	case 8:
		return newWidthDriver[priority.W8](s, cfg.Sources, cfg.Contexts)
	case 16:
		return newWidthDriver[priority.W16](s, cfg.Sources, cfg.Contexts)
	case 32:
		return newWidthDriver[priority.W32](s, cfg.Sources, cfg.Contexts)
	}
	return nil, fmt.Errorf("plic: unsupported priority_bits %d", cfg.PriorityBits)
}

// Build creates every configured device and maps it on a fresh bus.
func Build(cfg *Config) (*Machine, error) {
	m := &Machine{
		Config:  cfg,
		Bus:     regs.NewBus(),
		domains: make(map[string]*aplic.APLIC),
	}
	if err := m.buildIMSIC(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.buildPLIC(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.buildAPLIC(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the interrupt file mapping.
func (m *Machine) Close() error {
	if m.IMSIC == nil {
		return nil
	}
	return m.IMSIC.Close()
}

func (m *Machine) buildIMSIC() error {
	c := m.Config.IMSIC
	if c == nil {
		return nil
	}
	mem, err := regs.NewMapping(uint64(c.Size))
	if err != nil {
		return fmt.Errorf("imsic: %w", err)
	}
	m.IMSIC = mem
	if _, err := m.Bus.Map("imsic", uint64(c.Base), mem); err != nil {
		return err
	}
	return nil
}

func (m *Machine) buildPLIC() error {
	c := m.Config.PLIC
	if c == nil {
		return nil
	}
	dev, err := plic.NewDevice(plic.Config{
		Sources:      c.Sources,
		Contexts:     c.Contexts,
		PriorityBits: c.PriorityBits,
	})
	if err != nil {
		return err
	}
	if _, err := m.Bus.Map("plic", uint64(c.Base), dev); err != nil {
		return err
	}
	view, err := m.Bus.View(uint64(c.Base), plic.Size)
	if err != nil {
		return err
	}
	drv, err := newPLICDriver(view, c)
	if err != nil {
		return err
	}

	m.PLIC = dev
	m.plic = drv
	m.levels = make([]bool, c.Contexts)
	for ctx := uint32(0); ctx < c.Contexts; ctx++ {
		if err := dev.SetLine(ctx, m.contextLine(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) contextLine(ctx uint32) irqchip.Line {
	return irqchip.LineFunc(func(high bool) {
		m.mu.Lock()
		m.levels[ctx] = high
		m.mu.Unlock()
		slog.Debug("plic: context output", "context", ctx, "high", high)
	})
}

func (m *Machine) buildAPLIC() error {
	c := m.Config.APLIC
	if c == nil {
		return nil
	}
	root := c.Domains[0]
	h, err := aplic.NewHierarchy(root.Name, c.Sources, m)
	if err != nil {
		return err
	}
	m.APLIC = h

	for i, dc := range c.Domains {
		dom := h.Root()
		if i > 0 {
			parent, ok := h.Domain(dc.Parent)
			if !ok {
				return fmt.Errorf("aplic: domain %q: unknown parent %q", dc.Name, dc.Parent)
			}
			level, err := aplic.ParsePrivilegeLevel(dc.Level)
			if err != nil {
				return err
			}
			if dom, err = h.AddChild(parent, dc.Name, level); err != nil {
				return err
			}
		}
		if _, err := m.Bus.Map("aplic-"+dc.Name, uint64(dc.Base), dom); err != nil {
			return err
		}
		view, err := m.Bus.View(uint64(dc.Base), aplic.Size)
		if err != nil {
			return err
		}
		drv, err := aplic.New(view, c.Sources)
		if err != nil {
			return err
		}
		delivery, err := parseDelivery(dc.Delivery)
		if err != nil {
			return err
		}
		cfg := aplic.DomainConfig{Enabled: dc.Enabled == nil || *dc.Enabled, Delivery: delivery}
		if dc.BigEndian {
			cfg.Endian = aplic.BigEndian
		}
		drv.SetDomainConfig(cfg)
		m.domains[dc.Name] = drv
	}

	rootDrv := m.domains[root.Name]
	if err := rootDrv.SetSMSIAddrCfgUnchecked(addrConfig(c.MSI.Supervisor, false)); err != nil {
		return fmt.Errorf("aplic: smsiaddrcfg: %w", err)
	}
	// The lock in mmsiaddrcfgh freezes both pairs, so it goes last.
	if err := rootDrv.SetMMSIAddrCfgUnchecked(addrConfig(c.MSI.Machine, c.MSI.Lock)); err != nil {
		return fmt.Errorf("aplic: mmsiaddrcfg: %w", err)
	}
	return nil
}

func addrConfig(f MSIFiles, lock bool) aplic.MSIAddrConfig {
	return aplic.MSIAddrConfig{
		PPN:  uint64(f.Base) >> 12,
		LHXS: f.LHXS,
		LHXW: f.LHXW,
		HHXW: f.HHXW,
		HHXS: f.HHXS,
		Lock: lock,
	}
}

// WriteMSI records msg and stores it on the bus when interrupt files are
// mapped.
func (m *Machine) WriteMSI(msg irqchip.Message) error {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	slog.Debug("aplic: msi", "msg", msg.String())
	if m.IMSIC == nil {
		return nil
	}
	return m.Bus.WriteMSI(msg)
}

// Messages returns the MSIs not yet checked by a check_msi step.
func (m *Machine) Messages() []irqchip.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]irqchip.Message(nil), m.messages...)
}

func (m *Machine) takeMessage() (irqchip.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return irqchip.Message{}, false
	}
	msg := m.messages[0]
	m.messages = m.messages[1:]
	return msg, true
}

// ContextLevel reports a PLIC context's output line.
func (m *Machine) ContextLevel(ctx uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(ctx) >= len(m.levels) {
		return false
	}
	return m.levels[ctx]
}

// Domain returns the driver for a named APLIC domain.
func (m *Machine) Domain(name string) (*aplic.APLIC, bool) {
	d, ok := m.domains[name]
	return d, ok
}

var _ irqchip.MSISink = (*Machine)(nil)

// ClearMessages forgets the MSIs sent so far.
func (m *Machine) ClearMessages() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}
