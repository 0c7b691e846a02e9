package plic

import (
	"fmt"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

type plicSnapshot struct {
	Sources   uint32
	Contexts  uint32
	Priority  []uint32
	Pending   []uint32
	Enable    [][]uint32
	Threshold []uint32
	InFlight  []uint32
	Held      []uint32
	Level     []uint32
}

func cloneWords(w []uint32) []uint32 {
	return append([]uint32(nil), w...)
}

// DeviceId implements irqchip.Snapshotter.
func (d *Device) DeviceId() string { return "plic" }

// CaptureSnapshot implements irqchip.Snapshotter.
func (d *Device) CaptureSnapshot() (irqchip.DeviceSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := &plicSnapshot{
		Sources:   d.sources,
		Contexts:  d.contexts,
		Priority:  cloneWords(d.priority),
		Pending:   cloneWords(d.pending),
		Enable:    make([][]uint32, len(d.enable)),
		Threshold: cloneWords(d.threshold),
		InFlight:  cloneWords(d.inFlight),
		Held:      cloneWords(d.held),
		Level:     cloneWords(d.level),
	}
	for i, words := range d.enable {
		snap.Enable[i] = cloneWords(words)
	}
	return snap, nil
}

// RestoreSnapshot implements irqchip.Snapshotter.
func (d *Device) RestoreSnapshot(snap irqchip.DeviceSnapshot) error {
	data, ok := snap.(*plicSnapshot)
	if !ok {
		return fmt.Errorf("plic: invalid snapshot type %T", snap)
	}
	if data.Sources != d.sources || data.Contexts != d.contexts {
		return fmt.Errorf("plic: snapshot shape %d sources/%d contexts, device has %d/%d",
			data.Sources, data.Contexts, d.sources, d.contexts)
	}

	d.mu.Lock()
	copy(d.priority, data.Priority)
	copy(d.pending, data.Pending)
	for i := range d.enable {
		if i < len(data.Enable) {
			copy(d.enable[i], data.Enable[i])
		}
	}
	copy(d.threshold, data.Threshold)
	copy(d.inFlight, data.InFlight)
	copy(d.held, data.Held)
	copy(d.level, data.Level)
	d.evaluate()
	d.mu.Unlock()
	d.notifier.Drain()
	return nil
}
