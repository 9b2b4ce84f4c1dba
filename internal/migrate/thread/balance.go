package thread

import (
	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/tickets"
)

// niceToWeight is the Linux kernel's public prio_to_weight[40] table
// (kernel/sched/core.c), indexed by nice value + 20. Used by the
// priority-aware balance variant to weigh a thread's "load" by its
// scheduling priority rather than counting it as one unit, the same way
// CFS itself weighs runnable tasks.
var niceToWeight = [40]uint32{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/* -5 */ 3121, 2501, 1991, 1586, 1277,
	/* 0 */ 1024, 820, 655, 526, 423,
	/* 5 */ 335, 272, 215, 172, 137,
	/* 10 */ 110, 87, 70, 56, 45,
	/* 15 */ 36, 29, 23, 18, 15,
}

// threadWeight returns the CFS load weight for a priority value in the
// traditional nice range [-20, 19], clamping out-of-range priorities to
// the table's edges.
func threadWeight(priority int) uint32 {
	idx := priority + 20
	if idx < 0 {
		idx = 0
	}
	if idx > 39 {
		idx = 39
	}
	return niceToWeight[idx]
}

// BalanceCPUs implements Istrategy::balance_CPUs: a pin-then-redistribute
// pre-step that, whenever a CPU holds more than ceil(total_tids/num_cpus)
// threads, moves the excess to the nearest CPU (by NUMA distance) that
// has fewer than that threshold, repeating until no such CPU exists or
// the source CPU reaches the threshold.
func BalanceCPUs(s *State, ignoreIdle bool) []domain.ThreadMigration {
	total := countTracked(s, ignoreIdle)
	if total == 0 {
		return nil
	}
	numCPUs := len(s.Topo.CPUs())
	minPerCPU := (total + numCPUs - 1) / numCPUs
	if minPerCPU < 1 {
		minPerCPU = 1
	}

	var migrations []domain.ThreadMigration
	for _, cpu := range s.Topo.CPUs() {
		if len(filterTracked(s, s.TIDsOnCPU(cpu), ignoreIdle)) <= minPerCPU {
			continue
		}
		migrations = append(migrations, moveToLessBusyCPU(s, cpu, minPerCPU, ignoreIdle)...)
	}
	return migrations
}

// BalanceNodes is BalanceCPUs at node granularity, mirroring
// Istrategy::balance_nodes.
func BalanceNodes(s *State, ignoreIdle bool) []domain.ThreadMigration {
	total := countTracked(s, ignoreIdle)
	if total == 0 {
		return nil
	}
	numNodes := s.Topo.NumNodes()
	minPerNode := (total + numNodes - 1) / numNodes
	if minPerNode < 1 {
		minPerNode = 1
	}

	var migrations []domain.ThreadMigration
	for _, node := range s.Topo.Nodes() {
		if len(filterTracked(s, s.TIDsOnNode(node), ignoreIdle)) <= minPerNode {
			continue
		}
		migrations = append(migrations, moveToLessBusyNode(s, node, minPerNode, ignoreIdle)...)
	}
	return migrations
}

func countTracked(s *State, ignoreIdle bool) int {
	n := 0
	for tid := range s.PinnedCPU {
		if !s.Migratable[tid] {
			continue
		}
		if ignoreIdle && s.Idle[tid] {
			continue
		}
		n++
	}
	return n
}

func filterTracked(s *State, tids []domain.TID, ignoreIdle bool) []domain.TID {
	var out []domain.TID
	for _, tid := range tids {
		if !s.Migratable[tid] {
			continue
		}
		if ignoreIdle && s.Idle[tid] {
			continue
		}
		out = append(out, tid)
	}
	return out
}

func closestLessBusyCPU(s *State, src domain.CPUID, minPerCPU int, ignoreIdle bool) (domain.CPUID, bool) {
	srcNode := s.nodeOfCPU(src)
	minCPU, minCount := src, -1

	for _, dstNode := range s.Topo.ByDistance(srcNode) {
		for _, dstCPU := range s.cpusOfNode(dstNode) {
			if dstCPU == src {
				continue
			}
			count := len(filterTracked(s, s.TIDsOnCPU(dstCPU), ignoreIdle))
			if minCount < 0 || count < minCount {
				minCPU, minCount = dstCPU, count
				if count < minPerCPU {
					return minCPU, true
				}
			}
		}
	}

	srcCount := len(filterTracked(s, s.TIDsOnCPU(src), ignoreIdle))
	if minCount >= 0 && minCount < srcCount {
		return minCPU, true
	}
	return src, false
}

func closestLessBusyNode(s *State, src domain.NodeID, minPerNode int, ignoreIdle bool) (domain.NodeID, bool) {
	minNode, minCount := src, -1

	for _, dstNode := range s.Topo.ByDistance(src) {
		if dstNode == src {
			continue
		}
		count := len(filterTracked(s, s.TIDsOnNode(dstNode), ignoreIdle))
		if minCount < 0 || count < minCount {
			minNode, minCount = dstNode, count
			if count < minPerNode {
				return minNode, true
			}
		}
	}

	srcCount := len(filterTracked(s, s.TIDsOnNode(src), ignoreIdle))
	if minCount >= 0 && minCount < srcCount {
		return minNode, true
	}
	return src, false
}

func moveToLessBusyCPU(s *State, src domain.CPUID, minPerCPU int, ignoreIdle bool) []domain.ThreadMigration {
	var migrations []domain.ThreadMigration
	for {
		tids := filterTracked(s, s.TIDsOnCPU(src), ignoreIdle)
		if len(tids) <= minPerCPU {
			return migrations
		}
		dst, ok := closestLessBusyCPU(s, src, minPerCPU, ignoreIdle)
		if !ok {
			return migrations
		}
		tid := tids[0]
		move := domain.SimpleMove{TID: tid, PID: s.PIDOf[tid], SrcCPU: src, DstCPU: dst, PrevPerf: s.Threads.Performance(tid)}
		migrations = append(migrations, domain.ThreadMigration{
			Kind:   domain.MigrationSimple,
			Moves:  []domain.SimpleMove{move},
			Ticket: s.Tickets.FreeCore,
			Mask:   uint8(tickets.MaskFreeCore),
		})
		s.PinnedCPU[tid] = dst
	}
}

func moveToLessBusyNode(s *State, src domain.NodeID, minPerNode int, ignoreIdle bool) []domain.ThreadMigration {
	var migrations []domain.ThreadMigration
	for {
		tids := filterTracked(s, s.TIDsOnNode(src), ignoreIdle)
		if len(tids) <= minPerNode {
			return migrations
		}
		dst, ok := closestLessBusyNode(s, src, minPerNode, ignoreIdle)
		if !ok {
			return migrations
		}
		tid := tids[0]
		cpus := s.cpusOfNode(dst)
		if len(cpus) == 0 {
			return migrations
		}
		dstCPU := cpus[0]
		srcCPU := s.PinnedCPU[tid]
		move := domain.SimpleMove{TID: tid, PID: s.PIDOf[tid], SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: s.Threads.Performance(tid)}
		migrations = append(migrations, domain.ThreadMigration{
			Kind:   domain.MigrationSimple,
			Moves:  []domain.SimpleMove{move},
			Ticket: s.Tickets.FreeCore,
			Mask:   uint8(tickets.MaskFreeCore),
		})
		s.PinnedCPU[tid] = dstCPU
	}
}

// Balance runs the node-granularity pre-step when the strategy migrates
// at node level, or the CPU-granularity one otherwise, per
// Istrategy::balance.
func Balance(s *State, migrateToNodes, ignoreIdle bool) []domain.ThreadMigration {
	if migrateToNodes {
		return BalanceNodes(s, ignoreIdle)
	}
	return BalanceCPUs(s, ignoreIdle)
}

// Priority holds each TID's scheduling priority, read from /proc by
// internal/proctree and threaded in here for the load-weighted variant.
type Priority map[domain.TID]int

// cpuLoad sums the CFS load weight of every tracked TID pinned to cpu,
// the load-weighted counterpart to the plain thread-count used by
// BalanceCPUs.
func cpuLoad(s *State, prio Priority, cpu domain.CPUID, ignoreIdle bool) float64 {
	load := 0.0
	for _, tid := range filterTracked(s, s.TIDsOnCPU(cpu), ignoreIdle) {
		load += float64(threadWeight(prio[tid]))
	}
	return load
}

// BalanceCPUsLoad is the load-weighted sibling of BalanceCPUs: instead of
// equalizing raw thread counts, it moves one thread off the most loaded
// CPU onto the least loaded one whenever that strictly shrinks the gap
// between them, mirroring Istrategy::balance_CPUs_load.
func BalanceCPUsLoad(s *State, prio Priority, ignoreIdle bool) []domain.ThreadMigration {
	cpus := s.Topo.CPUs()
	if len(cpus) < 2 {
		return nil
	}

	var migrations []domain.ThreadMigration
	for {
		maxCPU, minCPU := cpus[0], cpus[0]
		maxLoad, minLoad := cpuLoad(s, prio, cpus[0], ignoreIdle), cpuLoad(s, prio, cpus[0], ignoreIdle)
		for _, cpu := range cpus[1:] {
			l := cpuLoad(s, prio, cpu, ignoreIdle)
			if l > maxLoad {
				maxCPU, maxLoad = cpu, l
			}
			if l < minLoad {
				minCPU, minLoad = cpu, l
			}
		}

		imbalance := maxLoad - minLoad
		if imbalance <= 0 {
			return migrations
		}

		tids := filterTracked(s, s.TIDsOnCPU(maxCPU), ignoreIdle)
		tid, found := bestTIDForImbalance(tids, prio, imbalance)
		if !found {
			return migrations
		}
		load := float64(threadWeight(prio[tid]))
		if abs((maxLoad-load)-(minLoad+load)) >= imbalance {
			return migrations
		}

		move := domain.SimpleMove{TID: tid, PID: s.PIDOf[tid], SrcCPU: maxCPU, DstCPU: minCPU, PrevPerf: s.Threads.Performance(tid)}
		migrations = append(migrations, domain.ThreadMigration{
			Kind:  domain.MigrationSimple,
			Moves: []domain.SimpleMove{move},
		})
		s.PinnedCPU[tid] = minCPU
	}
}

// bestTIDForImbalance finds the TID whose load comes closest to exactly
// closing the gap between the most- and least-loaded CPU.
func bestTIDForImbalance(tids []domain.TID, prio Priority, imbalance float64) (domain.TID, bool) {
	var best domain.TID
	bestDiff := -1.0
	found := false
	for _, tid := range tids {
		load := float64(threadWeight(prio[tid]))
		diff := abs(load - imbalance)
		if !found || diff < bestDiff {
			best, bestDiff, found = tid, diff, true
		}
	}
	return best, found
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
