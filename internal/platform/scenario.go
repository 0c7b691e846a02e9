package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/irqchip/internal/aplic"
)

// ErrExpectation reports a scenario check that did not hold.
var ErrExpectation = errors.New("expectation failed")

// StepResult records what one scenario step did.
type StepResult struct {
	Index  int
	Op     string
	Device string
	Detail string
}

// Run executes steps in order and stops at the first failure.
func (m *Machine) Run(ctx context.Context, steps []Step) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		dev, err := m.device(s)
		if err != nil {
			return results, fmt.Errorf("platform: step %d (%s): %w", i, s.Op, err)
		}
		var detail string
		switch dev {
		case "plic":
			detail, err = m.plicStep(s)
		case "aplic":
			detail, err = m.aplicStep(s)
		default:
			detail, err = m.msiStep(s)
		}
		if err != nil {
			return results, fmt.Errorf("platform: step %d (%s): %w", i, s.Op, err)
		}
		slog.Debug("platform: step", "index", i, "op", s.Op, "device", dev, "detail", detail)
		results = append(results, StepResult{Index: i, Op: s.Op, Device: dev, Detail: detail})
	}
	return results, nil
}

// device picks the controller a step addresses.
func (m *Machine) device(s Step) (string, error) {
	if s.Op == "check_msi" {
		return "msi", nil
	}
	dev := s.Device
	if dev == "" {
		switch {
		case s.Domain != "":
			dev = "aplic"
		case m.PLIC != nil && m.APLIC == nil:
			dev = "plic"
		case m.APLIC != nil && m.PLIC == nil:
			dev = "aplic"
		default:
			return "", fmt.Errorf("step must name a device")
		}
	}
	switch {
	case dev == "plic" && m.PLIC == nil, dev == "aplic" && m.APLIC == nil:
		return "", fmt.Errorf("no %s configured", dev)
	case dev != "plic" && dev != "aplic":
		return "", fmt.Errorf("unknown device %q", dev)
	}
	return dev, nil
}

func (m *Machine) plicStep(s Step) (string, error) {
	p := m.plic
	switch s.Op {
	case "set_priority":
		return fmt.Sprintf("priority[%d] = %d", s.Source, s.Priority), p.SetPriority(s.Source, s.Priority)
	case "set_threshold":
		return fmt.Sprintf("threshold[%d] = %d", s.Context, s.Priority), p.SetThreshold(s.Context, s.Priority)
	case "enable":
		return fmt.Sprintf("enable %d on context %d", s.Source, s.Context), p.Unmask(s.Context, s.Source)
	case "disable":
		return fmt.Sprintf("disable %d on context %d", s.Source, s.Context), p.Mask(s.Context, s.Source)
	case "raise":
		return fmt.Sprintf("edge on %d", s.Source), m.PLIC.Raise(s.Source)
	case "level":
		return fmt.Sprintf("level %d = %v", s.Source, s.High), m.PLIC.SetLevel(s.Source, s.High)
	case "claim":
		id, ok, err := p.Claim(s.Context)
		if err != nil {
			return "", err
		}
		if !ok {
			id = 0
		}
		return fmt.Sprintf("context %d claimed %d", s.Context, id), expectSource(s.Expect, id)
	case "complete":
		return fmt.Sprintf("context %d completed %d", s.Context, s.Source), p.Complete(s.Context, s.Source)
	case "check_pending":
		pending, err := p.IsPending(s.Source)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pending[%d] = %v", s.Source, pending), expectBool("pending", s.Expect.pending(), pending)
	case "check_line":
		level := m.ContextLevel(s.Context)
		return fmt.Sprintf("context %d line = %v", s.Context, level), expectBool("level", s.Expect.level(), level)
	}
	return "", fmt.Errorf("unknown plic op %q", s.Op)
}

func (m *Machine) aplicStep(s Step) (string, error) {
	name := s.Domain
	if name == "" {
		name = m.APLIC.Root().Name()
	}
	a, ok := m.domains[name]
	if !ok {
		return "", fmt.Errorf("unknown domain %q", name)
	}
	where := func(format string, args ...any) string {
		return name + ": " + fmt.Sprintf(format, args...)
	}

	switch s.Op {
	case "sourcecfg":
		mode, err := aplic.ParseSourceMode(s.Mode)
		if err != nil {
			return "", err
		}
		return where("sourcecfg[%d] = %s", s.Source, mode), a.SetSourceConfig(s.Source, mode)
	case "delegate":
		return where("sourcecfg[%d] = child %d", s.Source, s.Child), a.SourceConfigDelegate(s.Source, s.Child)
	case "target":
		if a.DomainConfig().Delivery == aplic.DeliveryMSI {
			return where("target[%d] = hart %d guest %d eiid %d", s.Source, s.Hart, s.Guest, s.EIID),
				a.SetTargetMSI(s.Source, s.Hart, s.Guest, s.EIID)
		}
		return where("target[%d] = hart %d iprio %d", s.Source, s.Hart, s.Priority),
			a.SetTargetDirect(s.Source, s.Hart, s.Priority)
	case "enable":
		return where("enable %d", s.Source), a.Unmask(s.Source)
	case "disable":
		return where("disable %d", s.Source), a.Mask(s.Source)
	case "setipnum":
		return where("setipnum %d", s.Source), a.SetIPNum(s.Source)
	case "clripnum":
		return where("clripnum %d", s.Source), a.ClrIPNum(s.Source)
	case "raise":
		return fmt.Sprintf("edge on %d", s.Source), m.APLIC.Pulse(s.Source)
	case "level":
		return fmt.Sprintf("level %d = %v", s.Source, s.High), m.APLIC.SetInput(s.Source, s.High)
	case "genmsi":
		return where("genmsi hart %d eiid %d", s.Hart, s.EIID), a.GenMSI(s.Hart, s.EIID)
	case "claim":
		dom, ok := m.APLIC.Domain(name)
		if !ok {
			return "", fmt.Errorf("unknown domain %q", name)
		}
		id, iprio, ok := dom.ClaimTopI(s.Hart)
		if !ok {
			id = 0
		}
		return where("hart %d claimed %d (iprio %d)", s.Hart, id, iprio), expectSource(s.Expect, id)
	case "check_pending":
		pending, err := a.IsPending(s.Source)
		if err != nil {
			return "", err
		}
		return where("pending[%d] = %v", s.Source, pending), expectBool("pending", s.Expect.pending(), pending)
	}
	return "", fmt.Errorf("unknown aplic op %q", s.Op)
}

// msiStep checks the oldest unchecked MSI. Without an expectation it checks
// that none was sent.
func (m *Machine) msiStep(s Step) (string, error) {
	msg, ok := m.takeMessage()
	if s.Expect == nil {
		if ok {
			return "", fmt.Errorf("unexpected %v: %w", msg, ErrExpectation)
		}
		return "no msi", nil
	}
	if !ok {
		return "", fmt.Errorf("no msi sent: %w", ErrExpectation)
	}
	if e := s.Expect; e.Addr != nil && uint64(*e.Addr) != msg.Addr {
		return "", fmt.Errorf("msi address 0x%x, want 0x%x: %w", msg.Addr, uint64(*e.Addr), ErrExpectation)
	}
	if e := s.Expect; e.Data != nil && *e.Data != msg.Data {
		return "", fmt.Errorf("msi data %d, want %d: %w", msg.Data, *e.Data, ErrExpectation)
	}
	return msg.String(), nil
}

func expectSource(e *Expect, got uint32) error {
	if e == nil || e.Source == nil {
		return nil
	}
	if *e.Source != got {
		return fmt.Errorf("claimed %d, want %d: %w", got, *e.Source, ErrExpectation)
	}
	return nil
}

func expectBool(what string, want *bool, got bool) error {
	if want == nil {
		return nil
	}
	if *want != got {
		return fmt.Errorf("%s = %v, want %v: %w", what, got, *want, ErrExpectation)
	}
	return nil
}

func (e *Expect) pending() *bool {
	if e == nil {
		return nil
	}
	return e.Pending
}

func (e *Expect) level() *bool {
	if e == nil {
		return nil
	}
	return e.Level
}
