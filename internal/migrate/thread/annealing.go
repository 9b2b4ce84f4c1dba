package thread

import (
	"github.com/numaopt/agent/internal/domain"
)

const (
	annealMaxIter           = 100
	annealMaxIterNoImprove  = 20
	annealInitialTemp       = 0.10
	annealTempScale         = 0.97
	annealImprovementWorth  = 0.10
	annealMinImprovementOK  = 0.01
)

// schedule is a candidate full assignment of every tracked TID to a
// memory node: mapping::schedule_t's Go equivalent.
type schedule struct {
	origNode map[domain.TID]domain.NodeID
	node     map[domain.TID]domain.NodeID
	perf     map[domain.TID]float64
}

func newSchedule(s *State) schedule {
	sch := schedule{
		origNode: map[domain.TID]domain.NodeID{},
		node:     map[domain.TID]domain.NodeID{},
		perf:     map[domain.TID]float64{},
	}
	for tid, cpu := range s.PinnedCPU {
		n := s.nodeOfCPU(cpu)
		sch.origNode[tid] = n
		sch.node[tid] = n
		sch.perf[tid] = s.Threads.Performance(tid)
	}
	return sch
}

func (sch schedule) clone() schedule {
	out := schedule{
		origNode: sch.origNode,
		node:     make(map[domain.TID]domain.NodeID, len(sch.node)),
		perf:     sch.perf,
	}
	for tid, n := range sch.node {
		out.node[tid] = n
	}
	return out
}

// expectedTickets sums the node-granularity ticket score of leaving each
// thread at its current node in this candidate schedule, against its
// actual originating node.
func (sch schedule) expectedTickets(s *State) float64 {
	total := 0.0
	for tid, dst := range sch.node {
		src := sch.origNode[tid]
		total += ticketsNode(s, tid, src, dst).Value
	}
	return total
}

// neighbour mutates a random TID's assigned node, mirroring
// schedule_t::neighbour(1).
func (sch schedule) neighbour(s *State) schedule {
	cand := sch.clone()
	tids := make([]domain.TID, 0, len(cand.node))
	for tid := range cand.node {
		tids = append(tids, tid)
	}
	if len(tids) == 0 {
		return cand
	}
	tid := tids[s.Rand.Intn(len(tids))]
	nodes := s.Topo.Nodes()
	if len(nodes) == 0 {
		return cand
	}
	cand.node[tid] = nodes[s.Rand.Intn(len(nodes))]
	return cand
}

func (sch schedule) migrations(s *State) []domain.ThreadMigration {
	var out []domain.ThreadMigration
	for tid, dst := range sch.node {
		src := sch.origNode[tid]
		if src == dst {
			continue
		}
		cpus := s.cpusOfNode(dst)
		if len(cpus) == 0 {
			continue
		}
		srcCPU := s.PinnedCPU[tid]
		dstCPU := cpus[s.Rand.Intn(len(cpus))]
		move := domain.SimpleMove{TID: tid, PID: s.PIDOf[tid], SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: sch.perf[tid]}
		out = append(out, domain.ThreadMigration{Kind: domain.MigrationSimple, Moves: []domain.SimpleMove{move}})
	}
	return out
}

// AnnealingNode searches for a globally better node-level thread
// placement via simulated annealing over the whole schedule, instead of
// scoring one candidate thread at a time. Grounded on
// thread_strats/annealing.hpp's annealing_node.
type AnnealingNode struct{}

func NewAnnealingNode() *AnnealingNode { return &AnnealingNode{} }

func (a *AnnealingNode) Plan(s *State) []domain.ThreadMigration {
	if s.Topo.NumNodes() <= 1 {
		return nil
	}

	init := newSchedule(s)
	if len(init.node) == 0 {
		return nil
	}
	initTickets := init.expectedTickets(s)
	if initTickets == 0 {
		return nil
	}

	best := a.optimalSchedule(s, init, initTickets)
	bestTickets := best.expectedTickets(s)
	improvement := (bestTickets - initTickets) / initTickets

	migrations := best.migrations(s)
	if len(migrations) == 0 {
		return nil
	}

	if improvement > annealImprovementWorth {
		return migrations
	}
	if improvement > annealMinImprovementOK && improvement > float64(len(migrations)) {
		return migrations
	}
	return nil
}

func (a *AnnealingNode) optimalSchedule(s *State, init schedule, initTickets float64) schedule {
	curr := init
	best := init
	currTickets, bestTickets := initTickets, initTickets

	temperature := annealInitialTemp
	withoutImprovement := 0

	for iter := 0; iter < annealMaxIter && withoutImprovement < annealMaxIterNoImprove; iter++ {
		cand := curr.neighbour(s)
		candTickets := cand.expectedTickets(s)

		switch {
		case candTickets > currTickets:
			curr, currTickets = cand, candTickets
			if candTickets > bestTickets {
				best, bestTickets = cand, candTickets
				withoutImprovement = 0
			}
		case s.Rand.Float64() < acceptWorseProbability(candTickets, currTickets, temperature):
			curr, currTickets = cand, candTickets
			withoutImprovement++
		default:
			withoutImprovement++
		}

		temperature = nextTemperature(temperature)
	}

	return best
}

// nextTemperature applies one annealing cooling step, per spec §4.7's
// "temperature starting at 0.10 and multiplied by 0.97 each step": the
// caller must compound this against its own running temperature, not
// recompute the constant annealInitialTemp*annealTempScale every step.
func nextTemperature(temperature float64) float64 {
	return temperature * annealTempScale
}

func acceptWorseProbability(candidate, current, temperature float64) float64 {
	if current == 0 {
		return 0
	}
	p := (1.0 - (current-candidate)/current) * temperature
	if p < 0 {
		return 0
	}
	return p
}
