package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/sdei/internal/machine"
	"github.com/tinyrange/sdei/internal/sdei"
	"github.com/tinyrange/sdei/internal/trace"
	"golang.org/x/term"
)

func newLogger(debug, jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printResults(results []machine.StepResult) {
	width := 0
	for _, r := range results {
		width = max(width, ansi.StringWidth(r.Step))
	}
	for _, r := range results {
		detail := r.Status.String()
		if r.Event >= 0 {
			detail += fmt.Sprintf(" (event %d)", r.Event)
		}
		fmt.Printf("%s%s  %s\n", r.Step, strings.Repeat(" ", width-ansi.StringWidth(r.Step)), detail)
	}
}

func runScenario(m *machine.Machine, sc machine.Scenario, jsonOutput bool) error {
	results, runErr := machine.NewRunner(m).Run(sc)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	} else {
		printResults(results)
	}
	return runErr
}

func runStress(ctx context.Context, m *machine.Machine, opts machine.StressOptions, jsonOutput bool) error {
	var bar *progressbar.ProgressBar
	if !jsonOutput && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(opts.Iterations*m.Cores()), "stress")
		defer bar.Close()
		opts.Progress = func() { bar.Add(1) }
	}

	start := time.Now()
	res, err := machine.Stress(ctx, m, opts)
	if err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(res)
	}
	elapsed := time.Since(start)
	for core, n := range res.Private {
		fmt.Printf("core %d: %d private events\n", core, n)
	}
	fmt.Printf("shared events: %d\ncalls: %d\nelapsed: %s (%.0f calls/s)\n",
		res.Shared, res.Calls, elapsed, float64(res.Calls)/elapsed.Seconds())
	return nil
}

func run() error {
	platformFile := flag.String("platform", "", "platform description (YAML); defaults to the built-in table")
	writePlatform := flag.String("write-platform", "", "write the platform description to this file and exit")
	scenarioFile := flag.String("scenario", "", "run a YAML scenario")
	stress := flag.Int("stress", 0, "run a concurrent stress test with N iterations per core")
	event := flag.Int("event", 8, "private event used by the stress test")
	shared := flag.Int("shared", 1804, "static shared event raised by the stress test (0 to disable)")
	traceFile := flag.String("trace", "", "write a binary trace to this file")
	debug := flag.Bool("debug", false, "enable debug logging")
	jsonOutput := flag.Bool("json", false, "JSON logs and results")
	flag.Parse()

	logger := newLogger(*debug, *jsonOutput)
	slog.SetDefault(logger)

	platform := sdei.DefaultPlatform()
	if *platformFile != "" {
		p, err := sdei.LoadPlatform(*platformFile)
		if err != nil {
			return err
		}
		platform = p
	}

	var sc machine.Scenario
	if *scenarioFile != "" {
		var err error
		if sc, err = machine.LoadScenario(*scenarioFile); err != nil {
			return err
		}
		if sc.Platform != nil && *platformFile == "" {
			platform = *sc.Platform
		}
	}

	if *writePlatform != "" {
		return sdei.WritePlatform(*writePlatform, platform)
	}

	var rec *trace.Recorder
	if *traceFile != "" {
		var err error
		if rec, err = trace.OpenFile(*traceFile); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer rec.Close()
	}

	m, err := machine.New(platform, machine.Options{Logger: logger, Trace: rec})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch {
	case *scenarioFile != "":
		if err := runScenario(m, sc, *jsonOutput); err != nil {
			return err
		}
	case *stress > 0:
		opts := machine.StressOptions{
			Iterations: *stress,
			Private:    int32(*event),
			Shared:     int32(*shared),
		}
		if err := runStress(ctx, m, opts, *jsonOutput); err != nil {
			return err
		}
	default:
		fmt.Printf("SDEI %#x on %d cores (client EL%d)\n",
			uint64(m.SMC(0, sdei.FnVersion)), m.Cores(), platform.ClientEL)
		fmt.Printf("bind slots: %#x\n", uint64(m.SMC(0, sdei.FnFeatures, sdei.FeatureBindSlots)))
	}

	if rec != nil {
		logger.Info("trace written", "file", *traceFile, "records", rec.Len())
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sdeisim: %v\n", err)
		os.Exit(1)
	}
}
