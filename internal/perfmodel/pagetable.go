package perfmodel

import (
	"github.com/numaopt/agent/internal/domain"
)

// DefaultSamplesEnoughInfo matches original_source's
// memtable_details::row::SAMPLES_ENOUGH_INFO.
const DefaultSamplesEnoughInfo = 10

// PageRow is the per-page access histogram: raw and aged access counts
// per node, per-node mean latency, and a lazily-recomputed ratio cache.
// Grounded on original_source/src/migration/performance/mempages_table.hpp.
type PageRow struct {
	numNodes int

	rawAccesses  []uint64
	agedAccesses []float64
	nodeLatency  []int64
	nodeSamples  []uint64

	sampleCount int
	lastPID     domain.PID
	lastNode    domain.NodeID

	avLatencyNS int64

	ratiosDirty bool
	ratios      []float64
}

func NewPageRow(numNodes int) *PageRow {
	return &PageRow{
		numNodes:     numNodes,
		rawAccesses:  make([]uint64, numNodes),
		agedAccesses: make([]float64, numNodes),
		nodeLatency:  make([]int64, numNodes),
		nodeSamples:  make([]uint64, numNodes),
		ratios:       make([]float64, numNodes),
		ratiosDirty:  true,
	}
}

// AddData folds one memory sample into the row. agingFactor is the §4.5
// "1 / (1 + max(0, min_memory_migration_interval − time_since_last))"
// weight applied to the aged-access accumulator only; the raw counter is
// unweighted so EnoughInfo() reflects true sample volume.
func (p *PageRow) AddData(s domain.MemorySample, agingFactor float64) {
	n := int(s.PageNode)
	p.rawAccesses[n]++
	p.agedAccesses[n] += agingFactor
	p.nodeSamples[n]++

	prevMean := p.nodeLatency[n]
	prevCount := p.nodeSamples[n] - 1
	p.nodeLatency[n] = int64((float64(prevMean)*float64(prevCount) + float64(s.LatencyNS)) / float64(prevCount+1))

	totalSamples := p.sampleCount
	p.avLatencyNS = int64((float64(p.avLatencyNS)*float64(totalSamples) + float64(s.LatencyNS)) / float64(totalSamples+1))

	p.sampleCount++
	p.lastPID = s.PID
	p.lastNode = s.PageNode
	p.ratiosDirty = true
}

func (p *PageRow) EnoughInfo(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultSamplesEnoughInfo
	}
	return p.sampleCount > threshold
}

func (p *PageRow) SampleCount() int { return p.sampleCount }

func (p *PageRow) LastPID() domain.PID     { return p.lastPID }
func (p *PageRow) LastNode() domain.NodeID { return p.lastNode }

func (p *PageRow) AvLatency() int64 {
	if p.avLatencyNS <= 0 {
		return MinimumLatencyNS
	}
	return p.avLatencyNS
}

// Ratios returns the per-node fraction of aged accesses, recomputing the
// cache if new samples arrived since the last read (spec §8 invariant 3:
// sum(ratios) ∈ [1-ε, 1+ε]).
func (p *PageRow) Ratios() []float64 {
	if p.ratiosDirty {
		var sum float64
		for _, v := range p.agedAccesses {
			sum += v
		}
		if sum > 0 {
			for n, v := range p.agedAccesses {
				p.ratios[n] = v / sum
			}
		} else {
			for n := range p.ratios {
				p.ratios[n] = 0
			}
		}
		p.ratiosDirty = false
	}
	return append([]float64(nil), p.ratios...)
}

// RawAccesses returns the per-node unweighted access counters, for
// telemetry's ReqsNode_i columns.
func (p *PageRow) RawAccesses() []uint64 {
	return append([]uint64(nil), p.rawAccesses...)
}

// AgedAccesses returns the per-node aging-weighted access accumulators,
// for telemetry's AgedReqsNode_i columns.
func (p *PageRow) AgedAccesses() []float64 {
	return append([]float64(nil), p.agedAccesses...)
}

// NodeLatency returns the per-node mean latency observed for this page,
// for telemetry's AvLatencyNode_i columns.
func (p *PageRow) NodeLatency() []int64 {
	return append([]int64(nil), p.nodeLatency...)
}

// PreferredNode is the node with the largest aged-access fraction.
func (p *PageRow) PreferredNode() domain.NodeID {
	best, bestVal := domain.NodeID(0), -1.0
	for n, v := range p.agedAccesses {
		if v > bestVal {
			best, bestVal = domain.NodeID(n), v
		}
	}
	return best
}

// Clear resets this row's accumulators after a migration decision was
// made for it (original's mempages_table row.clear()).
func (p *PageRow) Clear() {
	for n := range p.rawAccesses {
		p.rawAccesses[n] = 0
		p.agedAccesses[n] = 0
		p.nodeLatency[n] = 0
		p.nodeSamples[n] = 0
	}
	p.sampleCount = 0
	p.ratiosDirty = true
}

// PagePerfTable is the map page-address→PageRow plus system-wide and
// per-node latency aggregates.
type PagePerfTable struct {
	numNodes int
	rows     map[uintptr]*PageRow

	nodeLatencyNS []int64
	nodeSamples   []uint64
	sysLatencyNS  int64
	sysSamples    uint64
}

func NewPagePerfTable(numNodes int) *PagePerfTable {
	return &PagePerfTable{
		numNodes:      numNodes,
		rows:          map[uintptr]*PageRow{},
		nodeLatencyNS: make([]int64, numNodes),
		nodeSamples:   make([]uint64, numNodes),
	}
}

func (t *PagePerfTable) Row(addr uintptr) (*PageRow, bool) {
	r, ok := t.rows[addr]
	return r, ok
}

func (t *PagePerfTable) Size() int { return len(t.rows) }

func (t *PagePerfTable) Addrs() []uintptr {
	out := make([]uintptr, 0, len(t.rows))
	for a := range t.rows {
		out = append(out, a)
	}
	return out
}

// AddData folds a memory sample into the page's row (creating it on
// first touch) and the node/system-wide latency aggregates.
func (t *PagePerfTable) AddData(s domain.MemorySample, agingFactor float64) {
	row, ok := t.rows[s.Page]
	if !ok {
		row = NewPageRow(t.numNodes)
		t.rows[s.Page] = row
	}
	row.AddData(s, agingFactor)

	n := int(s.PageNode)
	t.nodeLatencyNS[n] = int64((float64(t.nodeLatencyNS[n])*float64(t.nodeSamples[n]) + float64(s.LatencyNS)) / float64(t.nodeSamples[n]+1))
	t.nodeSamples[n]++

	t.sysLatencyNS = int64((float64(t.sysLatencyNS)*float64(t.sysSamples) + float64(s.LatencyNS)) / float64(t.sysSamples+1))
	t.sysSamples++
}

// GC removes every row whose backing MemRegion no longer exists, per
// spec §4.4/§4.8 ("entries whose underlying MemRegion has disappeared
// are garbage-collected on each iteration").
func (t *PagePerfTable) GC(regionExists func(addr uintptr) bool) {
	for addr := range t.rows {
		if !regionExists(addr) {
			delete(t.rows, addr)
		}
	}
}

func (t *PagePerfTable) AvLatency() int64 {
	if t.sysLatencyNS <= 0 {
		return MinimumLatencyNS
	}
	return t.sysLatencyNS
}

func (t *PagePerfTable) AvLatencyNode(node domain.NodeID) int64 {
	n := int(node)
	if t.nodeLatencyNS[n] <= 0 {
		return MinimumLatencyNS
	}
	return t.nodeLatencyNS[n]
}

// RelLatency is addr's average latency scaled to a percentage of the
// system-wide average, per spec §4.8 LMMA.
func (t *PagePerfTable) RelLatency(addr uintptr) float64 {
	row, ok := t.rows[addr]
	if !ok {
		return 0
	}
	return float64(row.AvLatency()) * 100 / float64(t.AvLatency())
}

// NodeMinAvLatency returns the node with the lowest system-wide average
// latency ("least saturated node" in LMMA).
func (t *PagePerfTable) NodeMinAvLatency() domain.NodeID {
	best, bestVal := domain.NodeID(0), int64(-1)
	for n, v := range t.nodeLatencyNS {
		if bestVal < 0 || v < bestVal {
			best, bestVal = domain.NodeID(n), v
		}
	}
	return best
}
