package thread

import (
	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/tickets"
)

// ticketsRM3D compares tid's own rm3d score at src vs.
// dst node, grounded on thread_strategy.hpp's tickets_rm3d.
func ticketsRM3D(s *State, tid domain.TID, src, dst domain.NodeID) tickets.Tickets {
	dstPerf := s.Threads.PerformanceAt(tid, dst)
	srcPerf := s.Threads.PerformanceAt(tid, src)

	if dstPerf == perfmodel.InvalidPerformance {
		return tickets.New(s.Tickets.MemCellNoData, tickets.MaskMemCellNoData)
	}
	if dstPerf < srcPerf {
		return tickets.New(s.Tickets.MemCellWorse, tickets.MaskMemCellWorse)
	}
	return tickets.New(s.Tickets.MemCellBetter, tickets.MaskMemCellBetter)
}

// ticketsPrefNode rewards a destination node close to (or equal to) tid's
// preferred node, scaled by topology distance the way tickets_pref_node
// scales by numa_distance.
func ticketsPrefNode(s *State, tid domain.TID, dst domain.NodeID) tickets.Tickets {
	pref := s.Threads.PreferredNode(tid)
	localDist := s.Topo.LocalDistance(pref)
	dist := s.Topo.Distance(dst, pref)
	if dist == 0 {
		dist = localDist
	}

	value := s.Tickets.PrefNode * float64(localDist) / float64(dist)
	mask := tickets.Mask(0)
	if dst == pref {
		mask = tickets.MaskPrefNode
	}
	return tickets.New(value, mask)
}

func ticketsUnderPerformance(s *State, tid domain.TID) tickets.Tickets {
	if s.Threads.RelPerformance(tid) < s.Tickets.PerfThreshold {
		return tickets.New(s.Tickets.UnderPerf, tickets.MaskUnderPerf)
	}
	return tickets.Tickets{}
}

func ticketsFreeCore(s *State, dst domain.CPUID) tickets.Tickets {
	if s.CPUFree[dst] {
		return tickets.New(s.Tickets.FreeCore, tickets.MaskFreeCore)
	}
	return tickets.Tickets{}
}

func ticketsFreeCoreInNode(s *State, dst domain.NodeID) tickets.Tickets {
	if s.nodeFreeCPU(dst) {
		return tickets.New(s.Tickets.FreeCore, tickets.MaskFreeCore)
	}
	return tickets.Tickets{}
}

// ticketsNode is the combined node-granularity score thread_strategy.hpp
// computes as tickets_rm3d + tickets_pref_node + tickets_free_core_in_node
// + tickets_under_performance.
func ticketsNode(s *State, tid domain.TID, src, dst domain.NodeID) tickets.Tickets {
	return ticketsRM3D(s, tid, src, dst).
		Add(ticketsPrefNode(s, tid, dst)).
		Add(ticketsFreeCoreInNode(s, dst)).
		Add(ticketsUnderPerformance(s, tid))
}

// ticketsCPU is the CPU-granularity equivalent.
func ticketsCPU(s *State, tid domain.TID, src, dst domain.CPUID) tickets.Tickets {
	srcNode, dstNode := s.nodeOfCPU(src), s.nodeOfCPU(dst)
	return ticketsRM3D(s, tid, srcNode, dstNode).
		Add(ticketsPrefNode(s, tid, dstNode)).
		Add(ticketsFreeCore(s, dst)).
		Add(ticketsUnderPerformance(s, tid))
}

// bestSwapCandidate finds the migratable, not-yet-migrated TID on dstCPU
// whose ticketsCPU(aux, dstCPU, srcCPU) score is highest, for interchange
// planning when no free core exists.
func bestSwapCandidate(s *State, srcCPU, dstCPU domain.CPUID, migrated map[domain.TID]bool) (domain.TID, tickets.Tickets, bool) {
	var best domain.TID
	var bestTickets tickets.Tickets
	found := false

	for _, aux := range s.TIDsOnCPU(dstCPU) {
		if s.Idle[aux] || !s.Migratable[aux] || migrated[aux] {
			continue
		}
		t := ticketsCPU(s, aux, dstCPU, srcCPU)
		if !found || bestTickets.Less(t) {
			best, bestTickets, found = aux, t, true
		}
	}
	return best, bestTickets, found
}

// bestSwapCandidateNode is bestSwapCandidate at node granularity, scanning
// every TID pinned anywhere in dstNode instead of on one CPU.
func bestSwapCandidateNode(s *State, srcNode, dstNode domain.NodeID, migrated map[domain.TID]bool) (domain.TID, tickets.Tickets, bool) {
	var best domain.TID
	var bestTickets tickets.Tickets
	found := false

	for _, aux := range s.TIDsOnNode(dstNode) {
		if s.Idle[aux] || !s.Migratable[aux] || migrated[aux] {
			continue
		}
		t := ticketsNode(s, aux, dstNode, srcNode)
		if !found || bestTickets.Less(t) {
			best, bestTickets, found = aux, t, true
		}
	}
	return best, bestTickets, found
}
