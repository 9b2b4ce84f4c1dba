package memory

import (
	"sort"

	"github.com/numaopt/agent/internal/domain"
)

const (
	lmmaRelLatencyThreshold  = 130.0 // percent of system-wide average
	lmmaSaturatedNodeThresh  = 130.0 // percent of system-wide average
)

// LMMA (Latency Memory pages Migration Algorithm) moves a page once its
// relative latency exceeds 130% of the system-wide average, preferring
// its preferred node unless that node is itself saturated (its own
// average latency > 130% of system-wide), in which case it targets the
// least-saturated node instead. Grounded on memory_strats/lmma.hpp.
type LMMA struct{}

func NewLMMA() *LMMA { return &LMMA{} }

func (l *LMMA) isNodeSaturated(s *State, node domain.NodeID) bool {
	nodeLat := s.Pages.AvLatencyNode(node)
	sysLat := s.Pages.AvLatency()
	if sysLat == 0 {
		return false
	}
	return float64(nodeLat)*100/float64(sysLat) > lmmaSaturatedNodeThresh
}

func (l *LMMA) Plan(s *State) []domain.MemoryMigration {
	if s.Topo.NumNodes() == 1 {
		return nil
	}

	leastSaturated := s.Pages.NodeMinAvLatency()

	type candidate struct {
		mig  domain.MemoryMigration
		rank float64
	}
	var candidates []candidate
	migrating := map[uintptr]bool{}

	for _, addr := range s.Pages.Addrs() {
		if migrating[addr] {
			continue
		}
		row, ok := s.Pages.Row(addr)
		if !ok || !row.EnoughInfo(0) {
			continue
		}

		relLatency := s.Pages.RelLatency(addr)
		if relLatency <= lmmaRelLatencyThreshold {
			continue
		}

		pref := row.PreferredNode()
		curr := row.LastNode()
		if pref == curr {
			continue
		}
		ratios := row.Ratios()

		dst := pref
		if l.isNodeSaturated(s, pref) {
			dst = leastSaturated
		}

		pages := []uintptr{addr}
		pages = append(pages, prefetchCandidates(s, addr, dst)...)
		for _, p := range pages {
			migrating[p] = true
		}

		candidates = append(candidates, candidate{
			mig:  domain.MemoryMigration{PID: row.LastPID(), SrcNode: curr, DstNode: dst, Pages: pages, Ratios: ratios},
			rank: ratios[pref],
		})
		row.Clear()
	}

	n := maxPagesToMigrate(s)
	if n <= 0 {
		return nil
	}
	if n < len(candidates) {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].rank > candidates[j].rank })
		candidates = candidates[:n]
	}

	out := make([]domain.MemoryMigration, len(candidates))
	for i, c := range candidates {
		out[i] = c.mig
	}
	return out
}
