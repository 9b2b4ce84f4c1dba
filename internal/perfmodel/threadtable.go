package perfmodel

import (
	"github.com/numaopt/agent/internal/domain"
)

type threadEntry struct {
	row     *ThreadRow
	running bool
	cpuUse  float64
}

// ThreadPerfTable is the map TID→ThreadRow plus the system-wide and
// per-PID aggregates needed for relative-performance comparisons.
// Grounded on original_source/src/migration/performance/tid_perf_table.hpp.
type ThreadPerfTable struct {
	numNodes int
	rows     map[domain.TID]*threadEntry
	pidOf    map[domain.TID]domain.PID

	meanPerfPerPID  map[domain.PID]float64
	meanCPUUsePerPID map[domain.PID]float64

	totalPerformance float64
	meanPerformance  float64
	meanCPUUse       float64
}

func NewThreadPerfTable(numNodes int) *ThreadPerfTable {
	return &ThreadPerfTable{
		numNodes:         numNodes,
		rows:             map[domain.TID]*threadEntry{},
		pidOf:            map[domain.TID]domain.PID{},
		meanPerfPerPID:   map[domain.PID]float64{},
		meanCPUUsePerPID: map[domain.PID]float64{},
	}
}

func (t *ThreadPerfTable) entry(tid domain.TID, pid domain.PID) *threadEntry {
	e, ok := t.rows[tid]
	if !ok {
		e = &threadEntry{row: NewThreadRow(t.numNodes), running: true}
		t.rows[tid] = e
	}
	t.pidOf[tid] = pid
	return e
}

func (t *ThreadPerfTable) AddInstruction(s domain.InstructionSample, node domain.NodeID) {
	t.entry(s.TID, s.PID).row.AddInstruction(s, node)
}

func (t *ThreadPerfTable) AddRequest(s domain.RequestSample, node domain.NodeID) {
	t.entry(s.TID, s.PID).row.AddRequest(s, node)
}

func (t *ThreadPerfTable) AddMemory(s domain.MemorySample, srcNode domain.NodeID) {
	t.entry(s.TID, s.PID).row.AddMemory(s, srcNode)
}

// SetCPUUse records the process tree's latest CPU-use ratio for tid, used
// as the relative-performance fallback when a 3DyRM score is invalid.
func (t *ThreadPerfTable) SetCPUUse(tid domain.TID, use float64) {
	if e, ok := t.rows[tid]; ok {
		e.cpuUse = use
	}
}

func (t *ThreadPerfTable) SetRunning(tid domain.TID, running bool) {
	if e, ok := t.rows[tid]; ok {
		e.running = running
	}
}

func (t *ThreadPerfTable) IsRunning(tid domain.TID) bool {
	e, ok := t.rows[tid]
	return ok && e.running
}

// RemoveEntry drops tid's row, e.g. when the process tree observes it
// has disappeared from /proc.
func (t *ThreadPerfTable) RemoveEntry(tid domain.TID) {
	delete(t.rows, tid)
	delete(t.pidOf, tid)
}

// CheckAliveTIDs removes every row whose TID is not in alive.
func (t *ThreadPerfTable) CheckAliveTIDs(alive map[domain.TID]struct{}) {
	for tid := range t.rows {
		if _, ok := alive[tid]; !ok {
			t.RemoveEntry(tid)
		}
	}
}

func (t *ThreadPerfTable) Size() int { return len(t.rows) }

func (t *ThreadPerfTable) TIDs() []domain.TID {
	out := make([]domain.TID, 0, len(t.rows))
	for tid := range t.rows {
		out = append(out, tid)
	}
	return out
}

func (t *ThreadPerfTable) PID(tid domain.TID) (domain.PID, bool) {
	p, ok := t.pidOf[tid]
	return p, ok
}

// CalcPerf recomputes every dirty row and the system-wide/per-PID
// aggregates derived from them.
func (t *ThreadPerfTable) CalcPerf(preferredNodeOf func(domain.TID) domain.NodeID) {
	pidPerfSum := map[domain.PID]float64{}
	pidPerfCount := map[domain.PID]int{}
	pidCPUSum := map[domain.PID]float64{}
	pidCPUCount := map[domain.PID]int{}

	total := 0.0
	for tid, e := range t.rows {
		e.row.Recalc()
		pref := preferredNodeOf(tid)
		perf := e.row.PerfNode(pref)
		if perf == InvalidPerformance {
			perf = 1.0
		}
		total += perf

		pid := t.pidOf[tid]
		pidPerfSum[pid] += perf
		pidPerfCount[pid]++
		pidCPUSum[pid] += e.cpuUse
		pidCPUCount[pid]++
	}

	t.totalPerformance = total
	if len(t.rows) > 0 {
		t.meanPerformance = total / float64(len(t.rows))
	} else {
		t.meanPerformance = 1.0
	}

	for pid, sum := range pidPerfSum {
		t.meanPerfPerPID[pid] = sum / float64(pidPerfCount[pid])
	}
	for pid, sum := range pidCPUSum {
		t.meanCPUUsePerPID[pid] = sum / float64(pidCPUCount[pid])
	}
}

func (t *ThreadPerfTable) TotalPerformance() float64 { return t.totalPerformance }

// Performance returns tid's decay-adjusted score at its preferred node.
func (t *ThreadPerfTable) Performance(tid domain.TID) float64 {
	e, ok := t.rows[tid]
	if !ok {
		return InvalidPerformance
	}
	return e.row.PerfNode(e.row.PreferredNode())
}

// PerformanceAt returns tid's decay-adjusted score at a specific node,
// used by the thread strategies to compare source vs. destination.
func (t *ThreadPerfTable) PerformanceAt(tid domain.TID, node domain.NodeID) float64 {
	e, ok := t.rows[tid]
	if !ok {
		return InvalidPerformance
	}
	return e.row.PerfNode(node)
}

// OpsPerSecond returns tid's throughput at node, for telemetry's Ops
// column; zero if tid is unknown.
func (t *ThreadPerfTable) OpsPerSecond(tid domain.TID, node domain.NodeID) float64 {
	e, ok := t.rows[tid]
	if !ok {
		return 0
	}
	return e.row.OpsPerSecond(node)
}

// OpsPerByte returns tid's arithmetic intensity at node, for telemetry's
// OpIntensity column; zero if tid is unknown.
func (t *ThreadPerfTable) OpsPerByte(tid domain.TID, node domain.NodeID) float64 {
	e, ok := t.rows[tid]
	if !ok {
		return 0
	}
	return e.row.OpsPerByte(node)
}

// AvLatencyAt returns tid's mean memory-access latency at node, for
// telemetry's AvLat column; MinimumLatencyNS if tid is unknown.
func (t *ThreadPerfTable) AvLatencyAt(tid domain.TID, node domain.NodeID) int64 {
	e, ok := t.rows[tid]
	if !ok {
		return MinimumLatencyNS
	}
	return e.row.AvLatency(node)
}

func (t *ThreadPerfTable) PreferredNode(tid domain.TID) domain.NodeID {
	e, ok := t.rows[tid]
	if !ok {
		return 0
	}
	return e.row.PreferredNode()
}

// RelPerformance is tid's score divided by the mean score of all running
// TIDs sharing its PID; falls back to the cpu-use ratio when the score is
// invalid, per spec §4.6.
func (t *ThreadPerfTable) RelPerformance(tid domain.TID) float64 {
	e, ok := t.rows[tid]
	if !ok {
		return InvalidPerformance
	}
	perf := e.row.PerfNode(e.row.PreferredNode())
	pid := t.pidOf[tid]

	if perf != InvalidPerformance {
		if mean, ok := t.meanPerfPerPID[pid]; ok && mean != 0 {
			return perf / mean
		}
	}
	if mean, ok := t.meanCPUUsePerPID[pid]; ok && mean != 0 {
		return e.cpuUse / mean
	}
	return InvalidPerformance
}
