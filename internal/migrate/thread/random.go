package thread

import (
	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/tickets"
)

// Random is the baseline strategy: pick a random sample of migratable
// TIDs, and for each propose moving it to a uniformly random node/CPU
// (swapping with a random occupant if the CPU isn't free). Used to
// benchmark the other strategies against pure chance. Grounded on
// thread_strats/random.hpp.
type Random struct {
	migrated map[domain.TID]bool
}

func NewRandom() *Random { return &Random{migrated: map[domain.TID]bool{}} }

func (rnd *Random) Plan(s *State) []domain.ThreadMigration {
	rnd.migrated = map[domain.TID]bool{}
	candidates := pickRandomCandidates(s, s.MaxThreadMigrations)

	var migrations []domain.ThreadMigration
	for _, tid := range candidates {
		if rnd.migrated[tid] {
			continue
		}
		opt, ok := rnd.candidateFor(s, tid)
		if !ok {
			continue
		}
		mig := toThreadMigration(opt)
		for _, t := range mig.TIDs() {
			rnd.migrated[t] = true
		}
		migrations = append(migrations, mig)
	}
	return migrations
}

func (rnd *Random) candidateFor(s *State, tid domain.TID) (Candidate, bool) {
	srcCPU, ok := s.PinnedCPU[tid]
	if !ok {
		return Candidate{}, false
	}
	srcNode := s.nodeOfCPU(srcCPU)
	pid := s.PIDOf[tid]

	nodes := s.Topo.Nodes()
	dstNode := nodes[s.Rand.Intn(len(nodes))]
	cpus := s.cpusOfNode(dstNode)
	if len(cpus) == 0 {
		return Candidate{}, false
	}
	dstCPU := cpus[s.Rand.Intn(len(cpus))]

	t := ticketsRM3D(s, tid, srcNode, dstNode).Add(ticketsPrefNode(s, tid, dstNode))
	move := domain.SimpleMove{TID: tid, PID: pid, SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: s.Threads.Performance(tid)}

	if s.CPUFree[dstCPU] {
		t = t.Add(tickets.New(s.Tickets.FreeCore, tickets.MaskFreeCore))
		return Candidate{Move: move, Tickets: t}, true
	}

	occupants := s.TIDsOnCPU(dstCPU)
	if len(occupants) == 0 {
		return Candidate{}, false
	}
	order := s.Rand.Perm(len(occupants))
	for _, idx := range order {
		swapTID := occupants[idx]
		if !s.Migratable[swapTID] || rnd.migrated[swapTID] {
			continue
		}
		swapPID := s.PIDOf[swapTID]
		swapPerf := s.Threads.Performance(swapTID)
		t = t.Add(ticketsCPU(s, swapTID, dstCPU, srcCPU))
		swap := domain.SimpleMove{TID: swapTID, PID: swapPID, SrcCPU: dstCPU, DstCPU: srcCPU, PrevPerf: swapPerf}
		return Candidate{Move: move, Swap: &swap, Tickets: t}, true
	}
	return Candidate{}, false
}
