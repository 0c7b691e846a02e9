package plic

import "encoding/gob"

func init() {
	// Snapshots travel as irqchip.DeviceSnapshot interface values.
	gob.Register(&plicSnapshot{})
}
