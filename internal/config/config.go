// Package config parses the optimizer's command-line surface into a
// validated Config, the same way cmd/main.go builds its flag set: stdlib
// flag, no cobra.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	agerrors "github.com/numaopt/agent/pkg/errors"
)

// ThreadStrategy names one of the -s/--thread-strategy choices.
type ThreadStrategy string

const (
	ThreadLBMA   ThreadStrategy = "LBMA"
	ThreadCIMAR  ThreadStrategy = "CIMAR"
	ThreadNIMAR  ThreadStrategy = "NIMAR"
	ThreadIMAR2  ThreadStrategy = "IMAR2"
	ThreadRandom ThreadStrategy = "RANDOM"
	ThreadRM3D   ThreadStrategy = "RM3D"
	ThreadAnneal ThreadStrategy = "ANNEAL_NODE"
)

// MemoryStrategy names one of the -S/--memory-strategy choices.
type MemoryStrategy string

const (
	MemoryTMMA MemoryStrategy = "TMMA"
	MemoryLMMA MemoryStrategy = "LMMA"
	MemoryRMMA MemoryStrategy = "RMMA"
)

// Config is the fully parsed, validated run configuration for one
// optimizer invocation, built by Parse. Every field corresponds to one
// flag in spec §6.
type Config struct {
	ThreadBalanceSec float64 // -b/--thread-balance
	ChartThreads     bool    // -c/--chart-threads
	ChartMemory      bool    // -C/--chart-memory

	StderrChild      string // -e/--stderr-child; "" = not passed, inherit
	StderrChildSet   bool
	StdoutChild      string // -o/--stdout-child; "" = not passed, inherit
	StdoutChildSet   bool

	FreqInstr  int // -f/--freq-instr, [1,1000]
	FreqMemory int // -F/--freq-memory, [1,1000]

	TicketsRead  string // -i/--tickets-read
	TicketsWrite string // -I/--tickets-write

	MinLatencyNS int64 // -l/--min-latency, >0

	MaxThreadMigrations int     // -m/--max-thread-migs, >=0
	MaxMemoryMigrations float64 // -M/--max-memory-migs, [0,1]

	MemoryPrefetch int     // -P/--memory-prefetch, >=0
	RateSampling   float64 // -r/--rate-sampling, >0

	RealTimeSched    bool // -R/--real-time-sched
	RealTimePriority int  // -R/--real-time-sched [PRIORITY]

	ThreadStrategy ThreadStrategy // -s/--thread-strategy, default NIMAR
	MemoryStrategy MemoryStrategy // -S/--memory-strategy, default LMMA

	ThreadTimeSec float64 // -t/--thread-time, >0
	MemoryTimeSec float64 // -T/--memory-time, >0

	THP      bool // --thp
	THPPages int  // --thp[=PAGES]

	Shell bool // --shell: run the child through /bin/sh -c instead of exec

	SecUpdateProc float64 // -u/--sec-update-proc, >0
	SecUpdateMem  float64 // -U/--sec-update-mem, >0

	Verbose int // -v/--verbose, [0,5]

	WaitBeforeMigSec float64 // -W/--wait-before-mig, >=0

	// Child is the program (and arguments) given after "--".
	Child []string
}

// Default matches the original implementation's compiled-in defaults
// (spec §6 and original_source/src/main.cpp's option declarations),
// overridden by whatever flags Parse is given.
func Default() Config {
	return Config{
		ThreadBalanceSec:    5,
		FreqInstr:           100,
		FreqMemory:          100,
		TicketsRead:         "",
		TicketsWrite:        "",
		MinLatencyNS:        1,
		MaxThreadMigrations: 1,
		MaxMemoryMigrations: 0.1,
		MemoryPrefetch:      0,
		RateSampling:        1,
		ThreadStrategy:      ThreadNIMAR,
		MemoryStrategy:      MemoryLMMA,
		ThreadTimeSec:       1,
		MemoryTimeSec:       1,
		SecUpdateProc:       1,
		SecUpdateMem:        1,
		Verbose:             0,
		WaitBeforeMigSec:    0,
	}
}

const usage = `optimizer [options] -- <child-program> [child-args...]`

// Parse parses args (excluding the program name, as flag.Parse expects)
// into a validated Config. It never touches os.Args, so callers (and
// tests) pass argv[1:] explicitly.
func Parse(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("optimizer", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage)
		fs.PrintDefaults()
	}

	fs.Float64Var(&cfg.ThreadBalanceSec, "thread-balance", cfg.ThreadBalanceSec, "seconds between CPU-load balance passes")
	fs.Float64Var(&cfg.ThreadBalanceSec, "b", cfg.ThreadBalanceSec, "shorthand for -thread-balance")
	fs.BoolVar(&cfg.ChartThreads, "chart-threads", false, "write the thread CSV")
	fs.BoolVar(&cfg.ChartThreads, "c", false, "shorthand for -chart-threads")
	fs.BoolVar(&cfg.ChartMemory, "chart-memory", false, "write the memory CSV")
	fs.BoolVar(&cfg.ChartMemory, "C", false, "shorthand for -chart-memory")

	fs.StringVar(&cfg.StderrChild, "stderr-child", "", "redirect the child's stderr to FILE (inherited if omitted)")
	fs.StringVar(&cfg.StderrChild, "e", "", "shorthand for -stderr-child")
	fs.StringVar(&cfg.StdoutChild, "stdout-child", "", "redirect the child's stdout to FILE (inherited if omitted)")
	fs.StringVar(&cfg.StdoutChild, "o", "", "shorthand for -stdout-child")

	fs.IntVar(&cfg.FreqInstr, "freq-instr", cfg.FreqInstr, "instruction sampling frequency, 1-1000 Hz")
	fs.IntVar(&cfg.FreqInstr, "f", cfg.FreqInstr, "shorthand for -freq-instr")
	fs.IntVar(&cfg.FreqMemory, "freq-memory", cfg.FreqMemory, "memory sampling frequency, 1-1000 Hz")
	fs.IntVar(&cfg.FreqMemory, "F", cfg.FreqMemory, "shorthand for -freq-memory")

	fs.StringVar(&cfg.TicketsRead, "tickets-read", "", "path to read initial ticket weights from")
	fs.StringVar(&cfg.TicketsRead, "i", "", "shorthand for -tickets-read")
	fs.StringVar(&cfg.TicketsWrite, "tickets-write", "", "path to persist ticket weights to at shutdown")
	fs.StringVar(&cfg.TicketsWrite, "I", "", "shorthand for -tickets-write")

	fs.Int64Var(&cfg.MinLatencyNS, "min-latency", cfg.MinLatencyNS, "minimum sample latency to record, nanoseconds, >0")
	fs.Int64Var(&cfg.MinLatencyNS, "l", cfg.MinLatencyNS, "shorthand for -min-latency")

	fs.IntVar(&cfg.MaxThreadMigrations, "max-thread-migs", cfg.MaxThreadMigrations, "max thread migrations per tick, >=0")
	fs.IntVar(&cfg.MaxThreadMigrations, "m", cfg.MaxThreadMigrations, "shorthand for -max-thread-migs")
	fs.Float64Var(&cfg.MaxMemoryMigrations, "max-memory-migs", cfg.MaxMemoryMigrations, "max fraction of tracked pages migrated per tick, 0-1")
	fs.Float64Var(&cfg.MaxMemoryMigrations, "M", cfg.MaxMemoryMigrations, "shorthand for -max-memory-migs")

	fs.IntVar(&cfg.MemoryPrefetch, "memory-prefetch", cfg.MemoryPrefetch, "sibling pages to prefetch per migrated page, >=0")
	fs.IntVar(&cfg.MemoryPrefetch, "P", cfg.MemoryPrefetch, "shorthand for -memory-prefetch")
	fs.Float64Var(&cfg.RateSampling, "rate-sampling", cfg.RateSampling, "seconds between sampler drains, >0")
	fs.Float64Var(&cfg.RateSampling, "r", cfg.RateSampling, "shorthand for -rate-sampling")

	var rtPriority int
	fs.IntVar(&rtPriority, "real-time-sched", -1, "enable SCHED_FIFO for the optimizer, optionally at PRIORITY")
	fs.IntVar(&rtPriority, "R", -1, "shorthand for -real-time-sched")

	var threadStrategy, memStrategy string
	fs.StringVar(&threadStrategy, "thread-strategy", string(cfg.ThreadStrategy), "LBMA|CIMAR|NIMAR|IMAR2|RANDOM|RM3D|ANNEAL_NODE")
	fs.StringVar(&threadStrategy, "s", string(cfg.ThreadStrategy), "shorthand for -thread-strategy")
	fs.StringVar(&memStrategy, "memory-strategy", string(cfg.MemoryStrategy), "TMMA|LMMA|RMMA")
	fs.StringVar(&memStrategy, "S", string(cfg.MemoryStrategy), "shorthand for -memory-strategy")

	fs.Float64Var(&cfg.ThreadTimeSec, "thread-time", cfg.ThreadTimeSec, "seconds between thread-strategy invocations, >0")
	fs.Float64Var(&cfg.ThreadTimeSec, "t", cfg.ThreadTimeSec, "shorthand for -thread-time")
	fs.Float64Var(&cfg.MemoryTimeSec, "memory-time", cfg.MemoryTimeSec, "seconds between memory-strategy invocations, >0")
	fs.Float64Var(&cfg.MemoryTimeSec, "T", cfg.MemoryTimeSec, "shorthand for -memory-time")

	var thp string
	fs.StringVar(&thp, "thp", "", "enable fake transparent huge pages, optionally =PAGES")
	fs.BoolVar(&cfg.Shell, "shell", false, "run the child through /bin/sh -c instead of exec")

	fs.Float64Var(&cfg.SecUpdateProc, "sec-update-proc", cfg.SecUpdateProc, "seconds between process-tree refreshes, >0")
	fs.Float64Var(&cfg.SecUpdateProc, "u", cfg.SecUpdateProc, "shorthand for -sec-update-proc")
	fs.Float64Var(&cfg.SecUpdateMem, "sec-update-mem", cfg.SecUpdateMem, "seconds between memory-map refreshes, >0")
	fs.Float64Var(&cfg.SecUpdateMem, "U", cfg.SecUpdateMem, "shorthand for -sec-update-mem")

	fs.IntVar(&cfg.Verbose, "verbose", cfg.Verbose, "log verbosity, 0-5")
	fs.IntVar(&cfg.Verbose, "v", cfg.Verbose, "shorthand for -verbose")

	fs.Float64Var(&cfg.WaitBeforeMigSec, "wait-before-mig", cfg.WaitBeforeMigSec, "grace period after optimizer startup before any migration runs, >=0")
	fs.Float64Var(&cfg.WaitBeforeMigSec, "W", cfg.WaitBeforeMigSec, "shorthand for -wait-before-mig")

	before, child := splitChild(args)

	// -R and --thp take an optional value, which stdlib flag cannot
	// express: a bare occurrence is given an explicit placeholder value.
	before = append([]string(nil), before...)
	for i, a := range before {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		switch strings.TrimLeft(a, "-") {
		case "R", "real-time-sched":
			if i+1 == len(before) {
				before[i] = a + "=-1"
			} else if _, err := strconv.Atoi(before[i+1]); err != nil {
				before[i] = a + "=-1"
			}
		case "thp":
			before[i] = a + "="
		}
	}

	if err := fs.Parse(before); err != nil {
		return Config{}, agerrors.NewFatal(fmt.Sprintf("config: %v", err))
	}
	cfg.Child = child

	visitSet(fs, "e", func() { cfg.StderrChildSet = true })
	visitSet(fs, "stderr-child", func() { cfg.StderrChildSet = true })
	visitSet(fs, "o", func() { cfg.StdoutChildSet = true })
	visitSet(fs, "stdout-child", func() { cfg.StdoutChildSet = true })

	visitSet(fs, "R", func() { cfg.RealTimeSched = true })
	visitSet(fs, "real-time-sched", func() { cfg.RealTimeSched = true })
	cfg.RealTimePriority = rtPriority
	if !cfg.RealTimeSched {
		cfg.RealTimePriority = 0
	} else if rtPriority < 0 {
		cfg.RealTimePriority = 50
	}

	thpSet := false
	visitSet(fs, "thp", func() { thpSet = true })
	if thpSet {
		cfg.THP = true
		if thp != "" {
			n, err := fmt.Sscanf(thp, "%d", &cfg.THPPages)
			if err != nil || n != 1 {
				return Config{}, agerrors.NewFatal(fmt.Sprintf("config: --thp=%q is not a page count", thp))
			}
		}
	}

	cfg.ThreadStrategy = ThreadStrategy(strings.ToUpper(threadStrategy))
	cfg.MemoryStrategy = MemoryStrategy(strings.ToUpper(memStrategy))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitChild separates the optimizer's own flags from the child program
// and its arguments, following the literal "--" separator spec §6
// documents.
func splitChild(args []string) (before, child []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

// visitSet calls fn if name was explicitly passed on the command line,
// the same way cmd/main.go's zap.Options.BindFlags callers distinguish
// "flag present" from "flag defaulted".
func visitSet(fs *flag.FlagSet, name string, fn func()) {
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			fn()
		}
	})
}

func (c Config) validate() error {
	type bound struct {
		name string
		ok   bool
	}
	checks := []bound{
		{"freq-instr", c.FreqInstr >= 1 && c.FreqInstr <= 1000},
		{"freq-memory", c.FreqMemory >= 1 && c.FreqMemory <= 1000},
		{"min-latency", c.MinLatencyNS > 0},
		{"max-thread-migs", c.MaxThreadMigrations >= 0},
		{"max-memory-migs", c.MaxMemoryMigrations >= 0 && c.MaxMemoryMigrations <= 1},
		{"memory-prefetch", c.MemoryPrefetch >= 0},
		{"rate-sampling", c.RateSampling > 0},
		{"thread-time", c.ThreadTimeSec > 0},
		{"memory-time", c.MemoryTimeSec > 0},
		{"sec-update-proc", c.SecUpdateProc > 0},
		{"sec-update-mem", c.SecUpdateMem > 0},
		{"verbose", c.Verbose >= 0 && c.Verbose <= 5},
		{"wait-before-mig", c.WaitBeforeMigSec >= 0},
	}
	for _, b := range checks {
		if !b.ok {
			return agerrors.NewFatal(fmt.Sprintf("config: -%s out of range", b.name))
		}
	}

	switch c.ThreadStrategy {
	case ThreadLBMA, ThreadCIMAR, ThreadNIMAR, ThreadIMAR2, ThreadRandom, ThreadRM3D, ThreadAnneal:
	default:
		return agerrors.NewFatal(fmt.Sprintf("config: unknown thread strategy %q", c.ThreadStrategy))
	}
	switch c.MemoryStrategy {
	case MemoryTMMA, MemoryLMMA, MemoryRMMA:
	default:
		return agerrors.NewFatal(fmt.Sprintf("config: unknown memory strategy %q", c.MemoryStrategy))
	}

	if len(c.Child) == 0 {
		return agerrors.NewFatal("config: no child program given after --")
	}
	return nil
}
