package platform

import (
	"fmt"
	"io"

	"github.com/tinyrange/irqchip/internal/aplic"
)

// DumpLayout prints the bus map.
func (m *Machine) DumpLayout(w io.Writer) {
	for _, win := range m.Bus.Windows() {
		for _, r := range win.MMIORegions() {
			fmt.Fprintf(w, "%-16s 0x%010x-0x%010x (0x%x bytes)\n", win.Name, r.Address, r.Address+r.Size-1, r.Size)
		}
	}
}

// DumpState prints the sources that are pending, enabled or configured in
// each controller.
func (m *Machine) DumpState(w io.Writer) {
	if m.PLIC != nil {
		cfg := m.PLIC.Config()
		fmt.Fprintf(w, "plic: %d sources, %d contexts, %d priority bits\n", cfg.Sources, cfg.Contexts, cfg.PriorityBits)
		for id := uint32(1); id < cfg.Sources; id++ {
			pending, inFlight := m.PLIC.Pending(id), m.PLIC.InFlight(id)
			if pending || inFlight {
				fmt.Fprintf(w, "  source %4d pending=%v in_flight=%v\n", id, pending, inFlight)
			}
		}
		for ctx := uint32(0); ctx < cfg.Contexts; ctx++ {
			fmt.Fprintf(w, "  context %d line=%v\n", ctx, m.PLIC.Asserted(ctx))
		}
	}

	if m.APLIC == nil {
		return
	}
	for _, dom := range m.APLIC.Domains() {
		a := m.domains[dom.Name()]
		cfg := a.DomainConfig()
		fmt.Fprintf(w, "aplic %s: %s ie=%v delivery=%s\n", dom.Name(), dom.Level(), cfg.Enabled, cfg.Delivery)
		for id := uint32(1); id < m.APLIC.Sources(); id++ {
			sc, err := a.SourceConfig(id)
			if err != nil || sc == 0 {
				continue
			}
			line := fmt.Sprintf("  source %4d %s", id, sc)
			if !sc.IsDelegated() {
				pending, _ := a.IsPending(id)
				enabled, _ := a.IsEnabled(id)
				target, _ := a.Target(id)
				line += fmt.Sprintf(" pending=%v enabled=%v", pending, enabled)
				if cfg.Delivery == aplic.DeliveryMSI {
					line += fmt.Sprintf(" hart=%d guest=%d eiid=%d", target.Hart(), target.Guest(), target.EIID())
				} else {
					line += fmt.Sprintf(" hart=%d iprio=%d", target.Hart(), target.IPrio())
				}
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "msi: %d delivered\n", m.APLIC.Delivered())
}
