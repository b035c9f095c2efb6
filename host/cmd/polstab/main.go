// Command polstab stabilizes the polarization of a QKD link by rotating
// Elliptec waveplates to minimize the measured QBER.
//
// Usage:
//
//	polstab <command> [flags]
//
// Commands:
//
//	run      run the stabilization loop
//	map      measure the QBER over a grid of two waveplate angles
//	tune     set waveplate angles interactively
//	console  send single stage commands from a prompt
//	info     print identification and status of every stage
//	ports    list serial ports
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"polstab/config"
	"polstab/control"
	"polstab/host/bus"
	"polstab/host/serial"
	"polstab/mapper"
	"polstab/optimizer"
	"polstab/protocol"
	"polstab/qber"
	"polstab/trace"
	"polstab/tui"
)

// options shared by every command
type options struct {
	config    string
	device    string
	simulate  bool
	verbose   bool
	logFormat string
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVarP(&o.config, "config", "c", "", "YAML configuration file (defaults to two stages at addresses 0 and 2)")
	fs.StringVar(&o.device, "device", "", "Serial device path, overrides link.device")
	fs.BoolVar(&o.simulate, "simulate", false, "Run against a simulated stage bus")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format, text or json")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCommand(args)
	case "map":
		err = mapCommand(args)
	case "tune":
		err = tuneCommand(args)
	case "console":
		err = consoleCommand(args)
	case "info":
		err = infoCommand(args)
	case "ports":
		err = portsCommand()
	case "version":
		fmt.Printf("polstab %s\n", protocol.Version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: polstab <command> [flags]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  run      Run the stabilization loop")
	fmt.Fprintln(w, "  map      Measure the QBER over a grid of two waveplate angles")
	fmt.Fprintln(w, "  tune     Set waveplate angles interactively")
	fmt.Fprintln(w, "  console  Send single stage commands from a prompt")
	fmt.Fprintln(w, "  info     Print identification and status of every stage")
	fmt.Fprintln(w, "  ports    List serial ports")
	fmt.Fprintln(w, "  version  Print the version")
	fmt.Fprintln(w, "\nRun 'polstab <command> --help' for the flags of a command.")
}

// setup loads the configuration, applies command-line overrides and
// validates the result.
func setup(o *options) (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if o.config != "" {
		var err error
		if cfg, err = config.Load(o.config); err != nil {
			return nil, nil, err
		}
	}
	if o.device != "" {
		cfg.Link.Device = o.device
	}
	if o.simulate {
		cfg.Link.Simulate = true
		if cfg.Source.Kind == config.SourceStdin {
			cfg.Source.Kind = config.SourceSimulated
		}
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h).With("run_id", uuid.NewString()), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func seeded(seed uint64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func runCommand(args []string) error {
	var o options
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	o.register(fs)
	iterations := fs.IntP("iterations", "n", -1, "Number of cycles, 0 runs until interrupted (overrides loop.iterations)")
	strategy := fs.StringP("strategy", "s", "", "random or coordinate-descent (overrides optimizer.strategy)")
	skipHome := fs.Bool("no-home", false, "Do not home the stages configured with home: true")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(&o)
	if err != nil {
		return err
	}
	if *iterations >= 0 {
		cfg.Loop.Iterations = *iterations
	}
	if *strategy != "" {
		cfg.Optimizer.Strategy = *strategy
	}
	kind, err := optimizer.ParseKind(cfg.Optimizer.Strategy)
	if err != nil {
		return &config.ValidationError{Field: "optimizer.strategy", Reason: err.Error()}
	}

	b, err := bus.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if !*skipHome {
		if err := b.HomeConfigured(); err != nil {
			return fmt.Errorf("homing: %w", err)
		}
	}

	strat, err := optimizer.New(kind, optimizer.Options{
		Stages:         b.Actuators(),
		MaxStepsizeDeg: cfg.Optimizer.MaxStepsizeDeg,
		Threshold:      cfg.Optimizer.Threshold,
		NStored:        cfg.Optimizer.NStored,
		Rand:           seeded(cfg.Optimizer.Seed),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	src, closeSrc, err := newSource(cfg, b)
	if err != nil {
		return err
	}
	defer closeSrc()

	rec, err := newRecorder(cfg.Trace)
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("starting stabilization",
		"strategy", strat.Name(), "stages", len(b.Stages()), "iterations", cfg.Loop.Iterations, "source", cfg.Source.Kind)
	loop := &control.Loop{
		Strategy: strat,
		Source:   src,
		Stages:   b.Actuators(),
		Recorder: rec,
		Logger:   logger,
		Interval: cfg.Loop.Interval,
	}
	sum, err := loop.Run(ctx, cfg.Loop.Iterations)
	fmt.Println(sum)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newSource builds the QBER source. The returned function releases it.
func newSource(cfg *config.Config, b *bus.Bus) (qber.Source, func(), error) {
	switch cfg.Source.Kind {
	case config.SourceTCP:
		conn, err := net.Dial("tcp", cfg.Source.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to counter bridge: %w", err)
		}
		return qber.NewLineSource(conn), func() { conn.Close() }, nil
	case config.SourceSimulated:
		stages := b.Actuators()
		angles := func() []float64 {
			out := make([]float64, len(stages))
			for i, st := range stages {
				out[i] = st.PositionDeg()
			}
			return out
		}
		targets := cfg.Source.Targets
		if len(targets) == 0 {
			targets = make([]float64, len(stages))
			for i := range targets {
				targets[i] = 20 + 15*float64(i)
			}
		}
		return qber.NewSimulated(angles, qber.SimulatedOptions{
			Targets:  targets,
			Floor:    cfg.Source.Floor,
			Noise:    cfg.Source.Noise,
			DriftDeg: cfg.Source.DriftDeg,
			Rand:     seeded(cfg.Optimizer.Seed),
		}), func() {}, nil
	default:
		return qber.NewLineSource(os.Stdin), func() {}, nil
	}
}

func newRecorder(cfg config.TraceConfig) (trace.Recorder, error) {
	var recs []trace.Recorder
	if cfg.Text != "" {
		f, err := os.Create(cfg.Text)
		if err != nil {
			return nil, err
		}
		recs = append(recs, trace.NewTextRecorder(f))
	}
	if cfg.Proto != "" {
		f, err := os.Create(cfg.Proto)
		if err != nil {
			trace.Multi(recs...).Close()
			return nil, err
		}
		recs = append(recs, trace.NewProtoRecorder(f))
	}
	if len(recs) == 0 {
		return trace.Discard, nil
	}
	return trace.Multi(recs...), nil
}

func mapCommand(args []string) error {
	var o options
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	o.register(fs)
	stepA := fs.Float64("step-a", 0, "Grid step of the first stage in degrees (overrides mapper.step_a_deg)")
	stepB := fs.Float64("step-b", 0, "Grid step of the second stage in degrees (overrides mapper.step_b_deg)")
	output := fs.StringP("output", "o", "", "Output file (overrides mapper.output)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(&o)
	if err != nil {
		return err
	}
	if *stepA > 0 {
		cfg.Mapper.StepADeg = *stepA
	}
	if *stepB > 0 {
		cfg.Mapper.StepBDeg = *stepB
	}
	if *output != "" {
		cfg.Mapper.Output = *output
	}
	if len(cfg.Stages) < 2 {
		return &config.ValidationError{Field: "stages", Reason: "map needs two stages"}
	}

	b, err := bus.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.HomeConfigured(); err != nil {
		return fmt.Errorf("homing: %w", err)
	}

	src, closeSrc, err := newSource(cfg, b)
	if err != nil {
		return err
	}
	defer closeSrc()

	f, err := os.Create(cfg.Mapper.Output)
	if err != nil {
		return err
	}
	w := trace.NewMapWriter(f)
	defer w.Close()

	ctx, cancel := signalContext()
	defer cancel()

	stages := b.Actuators()
	m, err := mapper.Scan(ctx, stages[0], stages[1], src, mapper.Options{
		StepADeg: cfg.Mapper.StepADeg,
		StepBDeg: cfg.Mapper.StepBDeg,
		Settle:   cfg.Mapper.Settle,
		Writer:   w,
		Logger:   logger,
	})
	if m != nil {
		if a, bb, q, ok := m.Best(); ok {
			fmt.Printf("lowest QBER %.4f at %s=%g°, %s=%g° (%d faulted points)\n",
				q, stages[0].Name(), a, stages[1].Name(), bb, m.Faults)
		}
	}
	return err
}

func tuneCommand(args []string) error {
	var o options
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(&o)
	if err != nil {
		return err
	}
	// The interface owns the terminal.
	if !o.verbose {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b, err := bus.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := tui.Run(b.Actuators(), tea.WithAltScreen()); err != nil {
		return err
	}
	for _, st := range b.Stages() {
		fmt.Printf("%s: %.3f°\n", st.Name(), st.PositionDeg())
	}
	return nil
}

func consoleCommand(args []string) error {
	var o options
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(&o)
	if err != nil {
		return err
	}
	b, err := bus.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Println("polstab console")
	fmt.Println("===============")
	b.PrintInfo(os.Stdout)
	fmt.Println("\nEnter commands (type 'help' for available commands, 'quit' to exit):")
	return newConsole(b, os.Stdin, os.Stdout).run()
}

func infoCommand(args []string) error {
	var o options
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := setup(&o)
	if err != nil {
		return err
	}
	b, err := bus.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	b.PrintInfo(os.Stdout)
	return nil
}

func portsCommand() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
