// Package sampler drives PEBS-style hardware performance counters via raw
// perf_event_open syscalls and turns the resulting ring-buffer records into
// the domain.MemorySample/InstructionSample/RequestSample types consumed by
// internal/router.
//
// Grounded on original_source/src/samples/{samples.hpp,perf_event/*} for the
// event-group layout, multipliers, and adaptive-frequency algorithm; the
// continuous-collector-with-reader-goroutine shape is adapted from
// pkg/performance/collectors/execsnoop.go's BPF ring-buffer reader, recast
// here onto golang.org/x/sys/unix's raw perf_event_open instead of
// cilium/ebpf (this sampler reads hardware PMU counters directly, it does
// not load a BPF program).
package sampler

import "time"

// EventGroup enumerates the hardware events sampled per CPU, in the fixed
// order original_source's samples::sample_type_t enum defines them.
type EventGroup int

const (
	GroupMem EventGroup = iota
	GroupReq
	GroupIns
	GroupFPScalar
	GroupFP128D
	GroupFP128S
	GroupFP256D
	GroupFP256S
	GroupFP512D
	GroupFP512S

	numGroupsFull
)

// numGroupsJustIns mirrors the original's JUST_INS build flag: a
// minimal-overhead mode sampling only memory, request and instruction
// events, skipping the five/seven floating-point groups.
const numGroupsJustIns = GroupIns + 1

// Multiplier returns the ops-per-sample multiplier for g, used to convert
// a raw retired-FP-instruction count into a FLOP count.
func (g EventGroup) Multiplier() int {
	switch g {
	case GroupFP128D:
		return 2
	case GroupFP128S, GroupFP256D:
		return 4
	case GroupFP256S, GroupFP512D:
		return 8
	case GroupFP512S:
		return 16
	default:
		return 1
	}
}

func (g EventGroup) IsFlop() bool {
	return g >= GroupFPScalar && g <= GroupFP512S
}

func (g EventGroup) String() string {
	switch g {
	case GroupMem:
		return "mem"
	case GroupReq:
		return "req"
	case GroupIns:
		return "ins"
	case GroupFPScalar:
		return "fp_scalar"
	case GroupFP128D:
		return "fp_128d"
	case GroupFP128S:
		return "fp_128s"
	case GroupFP256D:
		return "fp_256d"
	case GroupFP256S:
		return "fp_256s"
	case GroupFP512D:
		return "fp_512d"
	case GroupFP512S:
		return "fp_512s"
	default:
		return "unknown"
	}
}

// Frequency bounds and adaptive step, per perf_event.hpp.
const (
	MinFrequencyHz     = 1
	MaxFrequencyHz     = 1000
	DefaultFrequencyHz = MaxFrequencyHz
	AdaptMultiplier    = 1.1

	MinMemSamples = 300
	MinReqSamples = 300
	MinInsSamples = 300

	MmapPages = 8
)

// DefaultHWCounters is the conservative fallback for the number of
// simultaneously programmable hardware PMU counters per CPU.
// original_source discovers this at startup via libpfm's
// pfm_get_pmu_info(pmu_info.num_cntrs); no pack library exposes an
// equivalent PMU-introspection API, so this hardcodes the lowest common
// value found on mainstream Intel/AMD cores (4 general-purpose counters),
// matching the CacheLineSizeBytes precedent in internal/perfmodel/rm3d.go
// for platform facts no dependency can answer.
const DefaultHWCounters = 4

// Record is one raw sample pulled off a CPU's perf ring buffer, filled in
// from the PERF_RECORD_SAMPLE layout selected by the sampleFormat constant.
type Record struct {
	Group       EventGroup
	CPU         int
	PID         int32
	TID         int32
	Time        time.Time
	Addr        uint64
	Weight      uint64
	TimeEnabled uint64
	TimeRunning uint64
	DataSrc     uint64
	Period      uint64
}

// Config controls which event groups are active and at what frequency.
type Config struct {
	UseFP          bool // mirrors the original's !JUST_INS
	Use512BitFP    bool // mirrors USE_512B_INS
	InitialFreqHz  int
	MmapPages      int
	RotateIfScarce bool // rotate_enabled_counters when HW counters < groups
	HWCounters     int  // number of hardware PMU counters available per CPU
}

func (c Config) numGroups() int {
	if !c.UseFP {
		return int(numGroupsJustIns)
	}
	if c.Use512BitFP {
		return int(numGroupsFull)
	}
	return int(GroupFP512D)
}
