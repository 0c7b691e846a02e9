package aplic

import (
	"fmt"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

type domainSnapshot struct {
	Name      string
	DomainCfg uint32
	SourceCfg []uint32
	Pending   []uint32
	Enabled   []uint32
	Target    []uint32
	GenMSI    uint32
}

type aplicSnapshot struct {
	Sources uint32
	Input   []uint32
	MMSI    [2]uint32
	SMSI    [2]uint32
	Domains []domainSnapshot
}

func cloneWords(w []uint32) []uint32 {
	return append([]uint32(nil), w...)
}

// DeviceId implements irqchip.Snapshotter.
func (h *Hierarchy) DeviceId() string { return "aplic" }

// CaptureSnapshot implements irqchip.Snapshotter.
func (h *Hierarchy) CaptureSnapshot() (irqchip.DeviceSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := &aplicSnapshot{
		Sources: h.sources,
		Input:   cloneWords(h.input),
		MMSI:    h.mmsi,
		SMSI:    h.smsi,
		Domains: make([]domainSnapshot, len(h.domains)),
	}
	for i, d := range h.domains {
		snap.Domains[i] = domainSnapshot{
			Name:      d.name,
			DomainCfg: d.domaincfg,
			SourceCfg: cloneWords(d.sourcecfg),
			Pending:   cloneWords(d.pending),
			Enabled:   cloneWords(d.enabled),
			Target:    cloneWords(d.target),
			GenMSI:    d.genmsi,
		}
	}
	return snap, nil
}

// RestoreSnapshot implements irqchip.Snapshotter. The hierarchy must have
// been built with the same domains in the same order.
func (h *Hierarchy) RestoreSnapshot(snap irqchip.DeviceSnapshot) error {
	data, ok := snap.(*aplicSnapshot)
	if !ok {
		return fmt.Errorf("aplic: invalid snapshot type %T", snap)
	}

	h.mu.Lock()
	if data.Sources != h.sources || len(data.Domains) != len(h.domains) {
		h.mu.Unlock()
		return fmt.Errorf("aplic: snapshot shape %d sources/%d domains, hierarchy has %d/%d",
			data.Sources, len(data.Domains), h.sources, len(h.domains))
	}
	for i, d := range h.domains {
		if data.Domains[i].Name != d.name {
			h.mu.Unlock()
			return fmt.Errorf("aplic: snapshot domain %d is %q, hierarchy has %q", i, data.Domains[i].Name, d.name)
		}
	}

	copy(h.input, data.Input)
	h.mmsi = data.MMSI
	h.smsi = data.SMSI
	for i, d := range h.domains {
		ds := data.Domains[i]
		d.domaincfg = ds.DomainCfg & domainCfgWritable
		copy(d.sourcecfg, ds.SourceCfg)
		copy(d.pending, ds.Pending)
		copy(d.enabled, ds.Enabled)
		copy(d.target, ds.Target)
		d.genmsi = ds.GenMSI
	}
	h.settle()
	h.mu.Unlock()
	h.notifier.Drain()
	return nil
}

var _ irqchip.Snapshotter = (*Hierarchy)(nil)
