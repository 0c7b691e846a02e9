package platform

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tinyrange/irqchip/internal/irqchip"
)

const (
	snapshotMagic   = 0x51524931 // "1IRQ" little endian
	snapshotVersion = 1
)

func (m *Machine) snapshotters() []irqchip.Snapshotter {
	var out []irqchip.Snapshotter
	if m.PLIC != nil {
		out = append(out, m.PLIC)
	}
	if m.APLIC != nil {
		out = append(out, m.APLIC)
	}
	return out
}

// WriteSnapshot saves the state of every controller. Interrupt file memory
// is not included.
func (m *Machine) WriteSnapshot(w io.Writer) error {
	snaps := make(map[string]irqchip.DeviceSnapshot)
	for _, dev := range m.snapshotters() {
		snap, err := dev.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("capture %s: %w", dev.DeviceId(), err)
		}
		snaps[dev.DeviceId()] = snap
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(snapshotMagic)); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(snapshotVersion)); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(snaps))); err != nil {
		return fmt.Errorf("write device count: %w", err)
	}

	ids := make([]string, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := writeDeviceSnapshot(w, id, snaps[id]); err != nil {
			return fmt.Errorf("write device %s: %w", id, err)
		}
	}
	return nil
}

// ReadSnapshot restores controller state saved by WriteSnapshot. The
// machine must be built from the same platform description.
func (m *Machine) ReadSnapshot(r io.Reader) error {
	var magic, version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("invalid magic: expected %#x, got %#x", snapshotMagic, magic)
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read device count: %w", err)
	}

	devices := make(map[string]irqchip.Snapshotter)
	for _, dev := range m.snapshotters() {
		devices[dev.DeviceId()] = dev
	}
	for i := uint32(0); i < count; i++ {
		id, snap, err := readDeviceSnapshot(r)
		if err != nil {
			return fmt.Errorf("read device %d: %w", i, err)
		}
		dev, ok := devices[id]
		if !ok {
			return fmt.Errorf("snapshot holds device %q not present on this platform", id)
		}
		if err := dev.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
	}
	return nil
}

// SaveSnapshot writes a snapshot file.
func (m *Machine) SaveSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if err := m.WriteSnapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadSnapshot restores from a snapshot file.
func (m *Machine) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()
	return m.ReadSnapshot(f)
}

func writeDeviceSnapshot(w io.Writer, id string, snap irqchip.DeviceSnapshot) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(id))); err != nil {
		return fmt.Errorf("write id length: %w", err)
	}
	if _, err := io.WriteString(w, id); err != nil {
		return fmt.Errorf("write id: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
		return fmt.Errorf("write data length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

func readDeviceSnapshot(r io.Reader) (string, irqchip.DeviceSnapshot, error) {
	var idLen uint32
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return "", nil, fmt.Errorf("read id length: %w", err)
	}
	idBytes := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return "", nil, fmt.Errorf("read id: %w", err)
	}

	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return "", nil, fmt.Errorf("read data length: %w", err)
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, fmt.Errorf("read data: %w", err)
	}

	var snap irqchip.DeviceSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return "", nil, fmt.Errorf("gob decode: %w", err)
	}
	return string(idBytes), snap, nil
}
