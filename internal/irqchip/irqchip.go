// Package irqchip holds the types shared by the interrupt controller models:
// output lines, message-signaled interrupt sinks and device snapshots.
package irqchip

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange reports a source id, context index, priority or target
	// field that does not fit the hardware field it is written to. Values are
	// never truncated.
	ErrOutOfRange = errors.New("value out of range")
)

// OutOfRange wraps ErrOutOfRange with the operation and offending value.
func OutOfRange(op string, what string, value uint64, limit uint64) error {
	return fmt.Errorf("%s: %s %d exceeds limit %d: %w", op, what, value, limit, ErrOutOfRange)
}

// Line models an interrupt output line such as a hart's external interrupt
// pending input.
type Line interface {
	SetLevel(high bool)
}

type noopLine struct{}

func (noopLine) SetLevel(bool) {}

// LineDetached returns a Line that drops all signals.
func LineDetached() Line {
	return noopLine{}
}

// LineFunc adapts a simple level function to Line.
type LineFunc func(high bool)

// SetLevel implements Line.
func (f LineFunc) SetLevel(high bool) {
	if f != nil {
		f(high)
	}
}

// Message is a message-signaled interrupt: a 32-bit store of Data to the
// physical address Addr.
type Message struct {
	Addr uint64
	Data uint32
}

func (m Message) String() string {
	return fmt.Sprintf("msi{addr=0x%x data=%d}", m.Addr, m.Data)
}

// MSISink receives the memory writes generated by message-signaled delivery.
type MSISink interface {
	WriteMSI(msg Message) error
}

// MSISinkFunc adapts a function to MSISink.
type MSISinkFunc func(msg Message) error

// WriteMSI implements MSISink.
func (f MSISinkFunc) WriteMSI(msg Message) error {
	if f == nil {
		return nil
	}
	return f(msg)
}

type noopMSISink struct{}

func (noopMSISink) WriteMSI(Message) error { return nil }

// MSISinkDetached returns an MSISink that discards every message.
func MSISinkDetached() MSISink {
	return noopMSISink{}
}

// DeviceSnapshot is an opaque, gob encodable copy of a device's state.
type DeviceSnapshot interface{}

// Snapshotter is implemented by devices that can save and restore their
// register state.
type Snapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
