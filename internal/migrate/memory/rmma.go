package memory

import (
	"github.com/numaopt/agent/internal/domain"
)

// RMMA (Random Memory pages Migration Algorithm) is the baseline:
// move a random sample of tracked pages to a uniformly random node,
// skipping any that land back on the node they started from. Used to
// benchmark TMMA/LMMA against pure chance. Grounded on
// memory_strats/rmma.hpp.
type RMMA struct{}

func NewRMMA() *RMMA { return &RMMA{} }

func (r *RMMA) Plan(s *State) []domain.MemoryMigration {
	if s.Topo.NumNodes() == 1 {
		return nil
	}
	n := maxPagesToMigrate(s)
	if n <= 0 {
		return nil
	}

	addrs := s.Pages.Addrs()
	if len(addrs) == 0 {
		return nil
	}
	nodes := s.Topo.Nodes()

	var out []domain.MemoryMigration
	seen := map[uintptr]bool{}
	attempts := n
	if attempts > len(addrs) {
		attempts = len(addrs)
	}

	for i := 0; i < attempts; i++ {
		addr := addrs[s.Rand.Intn(len(addrs))]
		if seen[addr] {
			continue
		}
		seen[addr] = true

		row, ok := s.Pages.Row(addr)
		if !ok {
			continue
		}
		dst := nodes[s.Rand.Intn(len(nodes))]
		src := row.LastNode()
		if dst == src {
			continue
		}

		out = append(out, domain.MemoryMigration{
			PID:     row.LastPID(),
			SrcNode: src,
			DstNode: dst,
			Pages:   []uintptr{addr},
			Ratios:  row.Ratios(),
		})
	}
	return out
}
