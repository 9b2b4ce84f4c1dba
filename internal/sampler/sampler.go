package sampler

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/numaopt/agent/internal/domain"
)

// MaxConsecutiveFailures is the number of counter poll errors on one CPU,
// within a single Poll pass, tolerated before that CPU's counters are torn
// down and reopened from scratch. original_source's perf_event.cpp treats
// a run of ioctl/read failures the same way but does not document a bound
// on how many re-inits it will attempt before giving up entirely; here
// each counter reopen makes at most five backed-off attempts
// (openWithBackoff), and reinit returns the error if one still fails.
const MaxConsecutiveFailures = 5

// Sampler owns one counter set per (CPU, EventGroup) pair and fans parsed
// records out onto a single channel for internal/router to consume.
type Sampler struct {
	cfg     Config
	numCPUs int
	log     logr.Logger

	mu       sync.Mutex
	counters map[int][]*counter // cpu -> counters, index-aligned with active groups

	active []EventGroup // groups currently scheduled (subset when rotating)

	rotateOffset int // index into active where the next rotation window starts

	stream *recordStream
}

// recentStreamCapacity bounds the recordStream's "most recently decoded"
// ring, enough for a few ticks' worth of samples across all CPUs without
// growing unbounded.
const recentStreamCapacity = 4096

// Sample is one decoded Record converted to its domain sample: only the
// field matching Group is filled (Mem, Req, or Ins for the instruction and
// FP groups), since a single ring buffer carries all of them multiplexed
// by EventGroup.
type Sample struct {
	Group EventGroup
	Mem   domain.MemorySample
	Req   domain.RequestSample
	Ins   domain.InstructionSample
}

func New(cfg Config, log logr.Logger) *Sampler {
	if cfg.InitialFreqHz == 0 {
		cfg.InitialFreqHz = DefaultFrequencyHz
	}
	if cfg.MmapPages == 0 {
		cfg.MmapPages = MmapPages
	}
	if cfg.RotateIfScarce && cfg.HWCounters == 0 {
		cfg.HWCounters = DefaultHWCounters
	}
	numCPUs := runtime.NumCPU()

	active := make([]EventGroup, 0, cfg.numGroups())
	for g := 0; g < cfg.numGroups(); g++ {
		active = append(active, EventGroup(g))
	}

	return &Sampler{
		cfg:      cfg,
		numCPUs:  numCPUs,
		log:      log,
		counters: map[int][]*counter{},
		active:   active,
		stream:   newRecordStream(recentStreamCapacity),
	}
}

// Start opens and enables every (CPU, group) counter. Each failed open is
// retried with exponential backoff per backoff/v5's default policy before
// the whole sampler gives up and returns an error (treated as fatal by the
// caller: without working counters there is nothing to route).
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rotating := s.rotating()
	var initial map[EventGroup]bool
	if rotating {
		initial, s.rotateOffset = nextWindow(s.active, 0, s.cfg.HWCounters)
	}

	for cpu := 0; cpu < s.numCPUs; cpu++ {
		cs := make([]*counter, 0, len(s.active))
		for _, g := range s.active {
			c, err := s.openWithBackoff(ctx, g, cpu)
			if err != nil {
				for _, opened := range cs {
					opened.close()
				}
				return fmt.Errorf("opening counters for cpu %d: %w", cpu, err)
			}
			if !rotating || initial[g] {
				if err := c.enable(); err != nil {
					c.close()
					return fmt.Errorf("enabling counter (cpu=%d group=%s): %w", cpu, g, err)
				}
				s.stream.ResetBaseline(cpu, g)
			}
			cs = append(cs, c)
		}
		s.counters[cpu] = cs
	}
	return nil
}

// rotating reports whether the configured hardware counter budget is
// smaller than the number of event groups, i.e. whether multiplexing via
// Rotate is needed at all. Must be called with s.mu held.
func (s *Sampler) rotating() bool {
	return s.cfg.RotateIfScarce && s.cfg.HWCounters > 0 && s.cfg.HWCounters < len(s.active)
}

// nextWindow returns the set of at most window groups enabled starting at
// offset into active (wrapping), plus the offset the following call should
// start from. Pulled out as a pure function so scenario S5 (every group
// gets sampled within ceil(len(active)/window) rotations) is testable
// without opening real perf_event fds.
func nextWindow(active []EventGroup, offset, window int) (map[EventGroup]bool, int) {
	if window <= 0 || window >= len(active) {
		enabled := make(map[EventGroup]bool, len(active))
		for _, g := range active {
			enabled[g] = true
		}
		return enabled, 0
	}
	enabled := make(map[EventGroup]bool, window)
	for i := 0; i < window; i++ {
		enabled[active[(offset+i)%len(active)]] = true
	}
	return enabled, (offset + window) % len(active)
}

// Rotate advances the enabled-counter window per spec §4.3: at most
// cfg.HWCounters groups stay enabled at a time, the rest are disabled, and
// the window shifts every call so every group is sampled within
// ceil(len(active)/HWCounters) ticks. A freshly re-enabled counter's next
// sample is discarded via ResetBaseline since its delta baseline is stale.
// No-op when multiplexing isn't needed (HWCounters >= number of groups).
func (s *Sampler) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rotating() {
		return nil
	}

	window, next := nextWindow(s.active, s.rotateOffset, s.cfg.HWCounters)
	s.rotateOffset = next

	for cpu, cs := range s.counters {
		for _, c := range cs {
			want := window[c.group]
			switch {
			case want && !c.enabled:
				if err := c.enable(); err != nil {
					return fmt.Errorf("rotate enable (cpu=%d group=%s): %w", cpu, c.group, err)
				}
				s.stream.ResetBaseline(cpu, c.group)
			case !want && c.enabled:
				if err := c.disable(); err != nil {
					return fmt.Errorf("rotate disable (cpu=%d group=%s): %w", cpu, c.group, err)
				}
			}
		}
	}
	return nil
}

func (s *Sampler) openWithBackoff(ctx context.Context, g EventGroup, cpu int) (*counter, error) {
	op := func() (*counter, error) {
		c, err := openCounter(g, cpu, s.cfg.InitialFreqHz, s.cfg.MmapPages)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(5),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

// Close disables and unmaps every open counter.
func (s *Sampler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.counters {
		for _, c := range cs {
			c.close()
		}
	}
	s.counters = map[int][]*counter{}
}

// Poll drains every CPU's ring buffer in parallel (one goroutine per CPU
// via errgroup, matching the fan-out pattern the teacher uses for
// per-source ring-buffer draining) and returns the discovered samples,
// discarding the very first record seen for a given (CPU, group) pair as
// a baseline sample per spec §4.1.
func (s *Sampler) Poll(ctx context.Context) ([]Sample, error) {
	s.mu.Lock()
	cpus := make([]int, 0, len(s.counters))
	for cpu := range s.counters {
		cpus = append(cpus, cpu)
	}
	s.mu.Unlock()

	var mu sync.Mutex
	var samples []Sample

	g, ctx := errgroup.WithContext(ctx)
	for _, cpu := range cpus {
		cpu := cpu
		g.Go(func() error {
			s.mu.Lock()
			counters := s.counters[cpu]
			s.mu.Unlock()

			var records []Record
			failures := 0
			for _, c := range counters {
				if err := c.poll(s.stream, &records); err != nil {
					failures++
					s.log.Error(err, "polling counter failed", "cpu", cpu, "group", c.group.String())
					if failures >= MaxConsecutiveFailures {
						return s.reinit(ctx, cpu)
					}
				}
			}

			local := make([]Sample, 0, len(records))
			for _, r := range records {
				local = append(local, toSample(r))
			}

			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return samples, err
	}
	return samples, nil
}

// reinit tears down and reopens every counter for cpu, per the original's
// emergency re-initialization on repeated read failures.
func (s *Sampler) reinit(ctx context.Context, cpu int) error {
	s.mu.Lock()
	old := s.counters[cpu]
	wasEnabled := make(map[EventGroup]bool, len(old))
	for _, c := range old {
		wasEnabled[c.group] = c.enabled
	}
	s.mu.Unlock()

	for _, c := range old {
		c.close()
	}

	cs := make([]*counter, 0, len(s.active))
	for _, g := range s.active {
		c, err := s.openWithBackoff(ctx, g, cpu)
		if err != nil {
			return fmt.Errorf("reinit cpu %d: %w", cpu, err)
		}
		if wasEnabled[g] {
			if err := c.enable(); err != nil {
				return fmt.Errorf("reinit enable cpu %d group %s: %w", cpu, g, err)
			}
			s.stream.ResetBaseline(cpu, g)
		}
		cs = append(cs, c)
	}

	s.mu.Lock()
	s.counters[cpu] = cs
	s.mu.Unlock()
	return nil
}

func toSample(r Record) Sample {
	s := Sample{Group: r.Group}
	switch r.Group {
	case GroupMem:
		s.Mem = domain.MemorySample{
			CPU:           domain.CPUID(r.CPU),
			PID:           domain.PID(r.PID),
			TID:           domain.TID(r.TID),
			TimeRunningNS: int64(r.TimeRunning),
			Address:       uintptr(r.Addr),
			LatencyNS:     int64(r.Weight),
			DataSource:    r.DataSrc,
		}
	case GroupReq:
		s.Req = domain.RequestSample{
			CPU:           domain.CPUID(r.CPU),
			PID:           domain.PID(r.PID),
			TID:           domain.TID(r.TID),
			TimeRunningNS: int64(r.TimeRunning),
			Reqs:          1,
		}
	default:
		s.Ins = domain.InstructionSample{
			CPU:           domain.CPUID(r.CPU),
			PID:           domain.PID(r.PID),
			TID:           domain.TID(r.TID),
			TimeRunningNS: int64(r.TimeRunning),
			Inst:          1,
			Multiplier:    uint64(r.Group.Multiplier()),
			IsFlop:        r.Group.IsFlop(),
		}
	}
	return s
}

// AdaptFrequencies applies perf_event.hpp's MULTIPLIER backoff: any group
// whose sample count over the last tick fell short of its minimum
// threshold gets a higher sampling frequency next tick (capped at
// MaxFrequencyHz), trading overhead for resolution only where data is
// scarce.
func (s *Sampler) AdaptFrequencies(memSamples, reqSamples, insSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.counters {
		for _, c := range cs {
			var tooFew bool
			switch c.group {
			case GroupMem:
				tooFew = memSamples < MinMemSamples
			case GroupReq:
				tooFew = reqSamples < MinReqSamples
			case GroupIns:
				tooFew = insSamples < MinInsSamples
			}
			if tooFew {
				newFreq := int(float64(c.freq) * AdaptMultiplier)
				_ = c.setFrequency(newFreq)
			}
		}
	}
}
