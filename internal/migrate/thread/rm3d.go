package thread

import (
	"github.com/numaopt/agent/internal/domain"
)

// RM3D picks, for each migratable TID, the node maximizing ticketsNode
// directly rather than drawing from a weighted lottery (LBMA/Random) or
// searching a global schedule (AnnealingNode). It is the plainest
// possible consumer of the rm3d score: always move to the single
// best-scoring node when that node isn't already where the thread sits.
// Grounded on thread_strategy.hpp's tickets_rm3d/tickets_node, the
// scoring every other strategy builds on top of.
type RM3D struct{}

func NewRM3D() *RM3D { return &RM3D{} }

func (r *RM3D) Plan(s *State) []domain.ThreadMigration {
	if s.Topo.NumNodes() <= 1 {
		return nil
	}

	var migrations []domain.ThreadMigration
	count := 0
	for tid, srcCPU := range s.PinnedCPU {
		if s.MaxThreadMigrations > 0 && count >= s.MaxThreadMigrations {
			break
		}
		if !s.Migratable[tid] || s.Idle[tid] {
			continue
		}
		srcNode := s.nodeOfCPU(srcCPU)

		bestNode := srcNode
		best := ticketsNode(s, tid, srcNode, srcNode)
		for _, dstNode := range s.Topo.Nodes() {
			if dstNode == srcNode {
				continue
			}
			t := ticketsNode(s, tid, srcNode, dstNode)
			if best.Less(t) {
				best, bestNode = t, dstNode
			}
		}
		if bestNode == srcNode {
			continue
		}
		cpus := s.cpusOfNode(bestNode)
		if len(cpus) == 0 {
			continue
		}
		dstCPU := cpus[s.Rand.Intn(len(cpus))]
		pid := s.PIDOf[tid]
		move := domain.SimpleMove{TID: tid, PID: pid, SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: s.Threads.Performance(tid)}
		migrations = append(migrations, domain.ThreadMigration{Kind: domain.MigrationSimple, Moves: []domain.SimpleMove{move}})
		count++
	}
	return migrations
}
