package memory

import (
	"sort"

	"github.com/numaopt/agent/internal/domain"
)

// TMMA (Threshold Memory pages Migration Algorithm) moves a page to its
// preferred node whenever that node's share of the page's aged accesses
// exceeds min(2/3, 2/N) — the more NUMA nodes there are, the smaller a
// majority it takes to justify a move. Grounded on
// memory_strats/tmma.hpp.
type TMMA struct{}

func NewTMMA() *TMMA { return &TMMA{} }

// minRatioToMigrate mirrors min_ratio_to_mig(): min(2/3, 2/N).
func minRatioToMigrate(numNodes int) float64 {
	if numNodes < 1 {
		numNodes = 1
	}
	r := 2.0 / float64(numNodes)
	if r > 2.0/3.0 {
		r = 2.0 / 3.0
	}
	return r
}

func (t *TMMA) Plan(s *State) []domain.MemoryMigration {
	if s.Topo.NumNodes() == 1 {
		return nil
	}
	threshold := minRatioToMigrate(s.Topo.NumNodes())

	type candidate struct {
		addr domain.MemoryMigration
		page uintptr
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
		curr := row.LastNode()
		pref := row.PreferredNode()
		ratios := row.Ratios()
		maxRatio := ratios[pref]

		if pref == curr || maxRatio <= threshold {
			continue
		}

		pages := []uintptr{addr}
		pages = append(pages, prefetchCandidates(s, addr, pref)...)
		for _, p := range pages {
			migrating[p] = true
		}

		candidates = append(candidates, candidate{
			addr: domain.MemoryMigration{PID: row.LastPID(), SrcNode: curr, DstNode: pref, Pages: pages, Ratios: ratios},
			page: addr,
			rank: maxRatio,
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
		out[i] = c.addr
	}
	return out
}
