package thread

import (
	"sort"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/tickets"
)

// CIMAR (Conservative Improvement-based Migration Algorithm) only ever
// proposes a migration that strictly improves on the ticket score the
// thread already has where it sits, and always targets the globally
// worst-performing threads first rather than a random sample.
//
// NodeLevel turns this into NIMAR: every placement decision and the
// free-core/swap check operate at node granularity instead of CPU
// granularity, per spec §4.7 ("NIMAR: identical to CIMAR but all
// placements are at node granularity"). EvolveTickets, when set, makes
// this IMAR2's ticket-mutation half: after observing whether the last
// tick's migrations paid off (total performance went up or down), it
// nudges the ticket weights that drove those migrations via
// mutateTickets, so future lotteries learn from what worked. Rollback
// turns on IMAR2's other half: per-migration revert driven by each
// involved TID's before/after performance, handled by the control loop
// (internal/control's rollbackNegativeBalance) since it needs the
// freshly recomputed performance table after migrations have actually
// been applied.
// Grounded on thread_strats/cimar.hpp, whose EVOLVE_TICKETS compile-time
// flag EvolveTickets replaces with a runtime one; NodeLevel and Rollback
// have no separate nimar.hpp/imar2.hpp in the pack (see DESIGN.md).
type CIMAR struct {
	EvolveTickets bool
	NodeLevel     bool
	Rollback      bool

	migrated map[domain.TID]bool
}

func NewCIMAR(evolve bool) *CIMAR {
	return &CIMAR{EvolveTickets: evolve, migrated: map[domain.TID]bool{}}
}

// NewNIMAR builds the node-granularity sibling of plain CIMAR.
func NewNIMAR() *CIMAR {
	return &CIMAR{NodeLevel: true, migrated: map[domain.TID]bool{}}
}

// NewIMAR2 builds NIMAR plus per-migration rollback and ticket mutation.
func NewIMAR2() *CIMAR {
	return &CIMAR{EvolveTickets: true, NodeLevel: true, Rollback: true, migrated: map[domain.TID]bool{}}
}

// MutateAfter evolves the ticket weights that produced migrations, given
// the system's total performance before and after they took effect. Call
// once per tick, after CalcPerf has refreshed the performance table,
// whenever EvolveTickets is set. diff>0 reinforces the weights that
// contributed to a migration's score; diff<0 discourages them.
func (c *CIMAR) MutateAfter(s *State, migrations []domain.ThreadMigration, prevTotal, newTotal float64) {
	if !c.EvolveTickets || prevTotal <= 0 {
		return
	}
	diff := newTotal - prevTotal
	for _, mig := range migrations {
		mutateTickets(s, tickets.Mask(mig.Mask), 0.1, diff)
	}
}

func (c *CIMAR) Plan(s *State) []domain.ThreadMigration {
	c.migrated = map[domain.TID]bool{}

	type scored struct {
		tid  domain.TID
		perf float64
	}
	var worst []scored
	for tid := range s.PinnedCPU {
		if !s.Migratable[tid] || s.Idle[tid] {
			continue
		}
		perf := s.Threads.RelPerformance(tid)
		if perf < 0 {
			continue
		}
		if perf < s.Tickets.PerfThreshold {
			worst = append(worst, scored{tid, perf})
		}
	}
	if len(worst) == 0 {
		return nil
	}
	sort.Slice(worst, func(i, j int) bool { return worst[i].perf < worst[j].perf })
	if s.MaxThreadMigrations > 0 && len(worst) > s.MaxThreadMigrations {
		worst = worst[:s.MaxThreadMigrations]
	}

	var migrations []domain.ThreadMigration
	for _, w := range worst {
		if c.migrated[w.tid] {
			continue
		}
		var opts []Candidate
		if c.NodeLevel {
			opts = c.candidatesForNode(s, w.tid)
		} else {
			opts = c.candidatesFor(s, w.tid)
		}
		if len(opts) == 0 {
			continue
		}
		chosen, ok := selectMigration(s, opts)
		if !ok {
			continue
		}
		mig := toThreadMigration(chosen)
		for _, t := range mig.TIDs() {
			c.migrated[t] = true
		}
		migrations = append(migrations, mig)
	}
	return migrations
}

// candidatesFor only keeps destinations that strictly beat the thread's
// current CPU score, the conservative half of CIMAR's design.
func (c *CIMAR) candidatesFor(s *State, tid domain.TID) []Candidate {
	srcCPU, ok := s.PinnedCPU[tid]
	if !ok {
		return nil
	}
	srcNode := s.nodeOfCPU(srcCPU)
	pid := s.PIDOf[tid]
	currPerf := s.Threads.Performance(tid)
	srcTickets := ticketsCPU(s, tid, srcCPU, srcCPU)

	var out []Candidate
	for _, dstNode := range s.Topo.ByDistance(srcNode) {
		if dstNode == srcNode {
			continue
		}
		for _, dstCPU := range s.cpusOfNode(dstNode) {
			dstTickets := ticketsCPU(s, tid, srcCPU, dstCPU)
			move := domain.SimpleMove{TID: tid, PID: pid, SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: currPerf}

			if s.CPUFree[dstCPU] {
				if dstTickets.Value > srcTickets.Value {
					out = append(out, Candidate{Move: move, Tickets: dstTickets})
				}
				continue
			}

			swapTID, swapTickets, found := bestSwapCandidate(s, srcCPU, dstCPU, c.migrated)
			if !found {
				continue
			}
			current := srcTickets.Add(ticketsCPU(s, swapTID, dstCPU, dstCPU))
			estimated := dstTickets.Add(swapTickets)
			if estimated.Value <= current.Value {
				continue
			}
			swapPID := s.PIDOf[swapTID]
			swapPerf := s.Threads.Performance(swapTID)
			swap := domain.SimpleMove{TID: swapTID, PID: swapPID, SrcCPU: dstCPU, DstCPU: srcCPU, PrevPerf: swapPerf}
			out = append(out, Candidate{Move: move, Swap: &swap, Tickets: estimated})
		}
	}
	return out
}

// candidatesForNode is candidatesFor at node granularity: the destination
// "CPU" recorded on each move is a representative CPU of the destination
// node (per domain.SimpleMove's doc comment), since pinning still happens
// through sched_setaffinity on a concrete CPU, but every scoring decision
// (free-core check, swap candidate search, ticket comparison) operates
// over whole nodes, as spec §4.7 requires for NIMAR/IMAR2.
func (c *CIMAR) candidatesForNode(s *State, tid domain.TID) []Candidate {
	srcCPU, ok := s.PinnedCPU[tid]
	if !ok {
		return nil
	}
	srcNode := s.nodeOfCPU(srcCPU)
	pid := s.PIDOf[tid]
	currPerf := s.Threads.Performance(tid)
	srcTickets := ticketsNode(s, tid, srcNode, srcNode)

	var out []Candidate
	for _, dstNode := range s.Topo.ByDistance(srcNode) {
		if dstNode == srcNode {
			continue
		}
		dstCPUs := s.cpusOfNode(dstNode)
		if len(dstCPUs) == 0 {
			continue
		}
		dstCPU := dstCPUs[0]
		dstTickets := ticketsNode(s, tid, srcNode, dstNode)
		move := domain.SimpleMove{TID: tid, PID: pid, SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: currPerf}

		if s.nodeFreeCPU(dstNode) {
			if dstTickets.Value > srcTickets.Value {
				out = append(out, Candidate{Move: move, Tickets: dstTickets})
			}
			continue
		}

		swapTID, swapTickets, found := bestSwapCandidateNode(s, srcNode, dstNode, c.migrated)
		if !found {
			continue
		}
		current := srcTickets.Add(ticketsNode(s, swapTID, dstNode, dstNode))
		estimated := dstTickets.Add(swapTickets)
		if estimated.Value <= current.Value {
			continue
		}
		swapPID := s.PIDOf[swapTID]
		swapPerf := s.Threads.Performance(swapTID)
		swapSrcCPU := s.PinnedCPU[swapTID]
		swap := domain.SimpleMove{TID: swapTID, PID: swapPID, SrcCPU: swapSrcCPU, DstCPU: srcCPU, PrevPerf: swapPerf}
		out = append(out, Candidate{Move: move, Swap: &swap, Tickets: estimated})
	}
	return out
}
