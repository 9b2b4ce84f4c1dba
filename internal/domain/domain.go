// Package domain holds the small, shared value types threaded between the
// sampler, router, performance tables, and migration strategies: the
// sample types and migration-cell types of spec.md §3. Kept in one place
// (rather than duplicated per-package) since every other internal package
// depends on them.
package domain

import "github.com/numaopt/agent/internal/topology"

type PID int32
type TID int32

type NodeID = topology.NodeID
type CPUID = topology.CPUID

// MemorySample is an immutable record of one memory access observed by the
// sampler: a thread on some CPU touched some page, which lives on some
// node, with some latency. Grounded on
// original_source/src/migration/utils/mem_sample.hpp.
type MemorySample struct {
	CPU           CPUID
	PID           PID
	TID           TID
	TimeRunningNS int64
	Reqs          uint64
	Address       uintptr
	Page          uintptr
	LatencyNS     int64
	PageSize      uint64
	DataSource    uint64
	PageNode      NodeID
}

// InstructionSample is an immutable record of retired instructions (scalar
// or FP) executed by a thread on some CPU over some time window.
// Multiplier encodes the SIMD width of the measured FP instruction kind
// (1 for scalar, 2/4 for 128-bit, 4/8 for 256-bit, 8/16 for 512-bit).
type InstructionSample struct {
	CPU           CPUID
	PID           PID
	TID           TID
	TimeRunningNS int64
	Inst          uint64
	Multiplier    uint64
	IsFlop        bool
}

// RequestSample is an immutable record of offcore memory requests issued
// by a thread on some CPU over some time window.
type RequestSample struct {
	CPU           CPUID
	PID           PID
	TID           TID
	TimeRunningNS int64
	Reqs          uint64
}

// MigrationKind distinguishes a plain move from an atomic swap.
type MigrationKind int

const (
	MigrationSimple MigrationKind = iota
	MigrationInterchange
)

// SimpleMove is one leg of a ThreadMigration: move TID from SrcCPU to
// DstCPU (or, for node-level strategies, the CPU fields carry a
// representative CPU of the source/destination node).
type SimpleMove struct {
	TID     TID
	PID     PID
	SrcCPU  CPUID
	DstCPU  CPUID
	PrevPerf float64
}

// ThreadMigration is either a single SimpleMove or an atomic pair
// (interchange). Carries the Tickets value it was selected under.
type ThreadMigration struct {
	Kind   MigrationKind
	Moves  []SimpleMove
	Ticket float64
	Mask   uint8
}

func (m ThreadMigration) TIDs() []TID {
	out := make([]TID, len(m.Moves))
	for i, mv := range m.Moves {
		out[i] = mv.TID
	}
	return out
}

// MemoryMigration moves a batch of pages belonging to one PID from
// SrcNode to DstNode. Ratios carries the per-node access ratio snapshot
// that justified the move, for CSV/telemetry.
type MemoryMigration struct {
	PID      PID
	SrcNode  NodeID
	DstNode  NodeID
	Pages    []uintptr
	Ratios   []float64
}
