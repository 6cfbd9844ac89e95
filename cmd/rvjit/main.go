// Command rvjit runs a RISC-V RV64 guest image through the tiered
// interpreter/JIT engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvjit/internal/config"
	"github.com/tinyrange/rvjit/internal/engine"
	"github.com/tinyrange/rvjit/internal/jit"
	"github.com/tinyrange/rvjit/internal/loader"
	"github.com/tinyrange/rvjit/internal/rv64"
)

func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf []byte
	writer := &sliceWriter{}
	var progress io.Writer = writer
	if term.IsTerminal(int(os.Stdout.Fd())) && fi.Size() > 4*1024*1024 {
		bar := progressbar.DefaultBytes(fi.Size(), fmt.Sprintf("load %s", path))
		defer bar.Close()
		progress = io.MultiWriter(writer, bar)
	}

	if _, err := io.Copy(progress, f); err != nil {
		return nil, err
	}
	buf = writer.buf
	return buf, nil
}

// sliceWriter accumulates everything written to it; used alongside a
// progress bar so the bar sees every byte while we keep the image.
type sliceWriter struct{ buf []byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file (defaults used when empty)")
	hotThreshold := flag.Int("hot-threshold", 0, "override the configured JIT hot-block threshold (0 keeps config/default)")
	dramSize := flag.Uint64("dram-size", 0, "override the configured guest DRAM size in bytes (0 keeps config/default)")
	traceOn := flag.Bool("trace", false, "enable the tiered-execution trace buffer")
	dumpTrace := flag.Int("dump-trace", 0, "after the run, print the last N trace events (0 disables)")
	maxSteps := flag.Uint64("max-steps", 0, "stop after N scheduler steps (0 runs until the guest halts)")
	cpuprofile := flag.String("cpuprofile", "", "write a CPU profile to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rvjit - run a RISC-V RV64 guest image with tiered interpretation/JIT

USAGE:
  rvjit [flags] <image>

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("rvjit: %w", err)
		}
		cfg = loaded
	}
	if *hotThreshold > 0 {
		cfg.HotThreshold = *hotThreshold
	}
	if *dramSize > 0 {
		cfg.DRAMSize = *dramSize
	}
	if *traceOn {
		cfg.TraceEnabled = true
	}

	image, err := readImage(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("rvjit: reading image: %w", err)
	}

	m := rv64.NewMachine(cfg.DRAMSize, os.Stdout)
	m.SetStopOnZero(cfg.StopOnZero)

	entry, err := loader.Load(m.Bus, image)
	if err != nil {
		return fmt.Errorf("rvjit: %w", err)
	}
	m.SetPC(entry)

	trace := jit.NewTraceBuffer(cfg.TraceCapacity)
	if cfg.TraceEnabled {
		trace.Enable()
	}

	ctx := context.Background()
	sched, err := engine.New(ctx, m, engine.Config{
		HotThreshold: cfg.HotThreshold,
		CacheEntries: cfg.CacheEntries,
		CacheBytes:   cfg.CacheBytes,
		Trace:        trace,
	})
	if err != nil {
		return fmt.Errorf("rvjit: %w", err)
	}
	defer sched.Close(ctx)

	// Put stdin into raw mode while the guest owns the console, so a
	// guest shell sees every keystroke as it arrives.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	runErr := sched.Run(ctx, *maxSteps)
	if runErr != nil && !errors.Is(runErr, rv64.ErrHalt) {
		return fmt.Errorf("rvjit: %w", runErr)
	}

	if *dumpTrace > 0 {
		fmt.Fprintln(os.Stderr, "--- trace ---")
		trace.DumpRecent(os.Stderr, *dumpTrace)
	}

	stats := trace.Stats()
	fmt.Fprintln(os.Stderr, stats.Format())

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvjit: %v\n", err)
		os.Exit(1)
	}
}
