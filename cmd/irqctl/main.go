package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/irqchip/internal/platform"
)

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// lineWriter prints report lines, cut to the terminal width when stdout is
// one.
type lineWriter struct {
	width int
}

func newLineWriter() lineWriter {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return lineWriter{}
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return lineWriter{}
	}
	return lineWriter{width: w}
}

func (lw lineWriter) printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if lw.width > 0 {
		line = ansi.Truncate(line, lw.width, "…")
	}
	fmt.Println(line)
}

// soak reruns the scenario from the state captured in initial.
func soak(ctx context.Context, m *platform.Machine, initial []byte, n int) error {
	pb := progressbar.Default(int64(n))
	defer pb.Close()

	for i := range n {
		if err := m.ReadSnapshot(bytes.NewReader(initial)); err != nil {
			return fmt.Errorf("iteration %d: restore: %w", i+2, err)
		}
		m.ClearMessages()
		if _, err := m.Run(ctx, m.Config.Scenario); err != nil {
			return fmt.Errorf("iteration %d: %w", i+2, err)
		}
		pb.Add(1)
	}
	return nil
}

func run() error {
	layout := flag.Bool("layout", false, "print the bus map")
	state := flag.Bool("state", false, "print controller state after the scenario")
	noRun := flag.Bool("no-run", false, "build the platform without running its scenario")
	restore := flag.String("restore", "", "restore controller state from a snapshot file before running")
	snapshot := flag.String("snapshot", "", "write controller state to a snapshot file after running")
	repeat := flag.Int("repeat", 1, "run the scenario this many times, restoring the starting state each time")
	verbose := flag.Bool("v", false, "log every scenario step")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `irqctl - drive emulated RISC-V interrupt controllers

USAGE:
  irqctl [flags] <platform.yaml>

FLAGS:
  -layout         Print the bus map (name, address range, size)
  -state          Print pending/enabled sources and outputs after the scenario
  -no-run         Build the platform but skip its scenario
  -restore FILE   Restore controller state from FILE before running
  -snapshot FILE  Save controller state to FILE after running
  -repeat N       Run the scenario N times from the same starting state
  -v              Debug logging, one record per scenario step

PLATFORM FILE:
  plic:      base, sources, contexts, priority_bits (1-8, 16 or 32)
  aplic:     sources, domains [{name, parent, level, delivery, base, big_endian}],
             msi {machine, supervisor {base, lhxs, lhxw, hhxw, hhxs}, lock}
  imsic:     base, size of the memory receiving MSIs
  scenario:  steps [{op, device, domain, source, context, hart, ...}]

EXAMPLES:
  irqctl plic.yaml                        Run the scenario, report each step
  irqctl -layout -no-run aplic.yaml       Show where devices are mapped
  irqctl -state -snapshot s.bin aplic.yaml
  irqctl -restore s.bin -state aplic.yaml
  irqctl -repeat 10000 plic.yaml          Soak the scenario
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	setupLogging(*verbose)

	cfg, err := platform.LoadConfig(flag.Arg(0))
	if err != nil {
		return err
	}
	m, err := platform.Build(cfg)
	if err != nil {
		return fmt.Errorf("build platform %q: %w", cfg.Name, err)
	}
	defer m.Close()

	out := newLineWriter()
	if *layout {
		m.DumpLayout(os.Stdout)
	}

	if *restore != "" {
		if err := m.LoadSnapshot(*restore); err != nil {
			return fmt.Errorf("restore %s: %w", *restore, err)
		}
	}

	if !*noRun && len(cfg.Scenario) > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var initial bytes.Buffer
		if *repeat > 1 {
			if err := m.WriteSnapshot(&initial); err != nil {
				return fmt.Errorf("capture starting state: %w", err)
			}
		}

		results, err := m.Run(ctx, cfg.Scenario)
		for _, r := range results {
			out.printf("%3d %-5s %-14s %s", r.Index, r.Device, r.Op, r.Detail)
		}
		if err != nil {
			return err
		}
		slog.Info("scenario passed", "platform", cfg.Name, "steps", len(results))

		if *repeat > 1 {
			if err := soak(ctx, m, initial.Bytes(), *repeat-1); err != nil {
				return err
			}
			slog.Info("soak passed", "platform", cfg.Name, "runs", *repeat)
		}
	}

	if *state {
		m.DumpState(os.Stdout)
	}

	if *snapshot != "" {
		if err := m.SaveSnapshot(*snapshot); err != nil {
			return fmt.Errorf("save %s: %w", *snapshot, err)
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqctl: %v\n", err)
		os.Exit(1)
	}
}
