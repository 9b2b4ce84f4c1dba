package thread

import (
	"math"
	"sort"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/tickets"
)

// Candidate is one weighed option a strategy is choosing between: move (or
// swap) tid from src to dst, worth the given Tickets score.
type Candidate struct {
	Move    domain.SimpleMove
	Swap    *domain.SimpleMove // non-nil for an interchange candidate
	Tickets tickets.Tickets
}

// selectMigration runs the weighted lottery over candidates: each
// candidate's ticket value is its slice of [0, total); selectMigration
// draws a point in that range and returns the candidate it lands in.
// Ties (equal values) are broken by the first candidate reached during
// the cumulative walk, the same way the original's
// map<tickets_val_t, migration_cell, greater<>> iterates highest-value
// first. Grounded on thread_strategy.hpp's select_migration.
func selectMigration(s *State, candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Tickets.Value > sorted[j].Tickets.Value
	})

	total := 0.0
	for _, c := range sorted {
		total += math.Max(c.Tickets.Value, 0)
	}
	if total <= 0 {
		return sorted[0], true
	}

	draw := s.Rand.Float64() * total
	cum := 0.0
	for _, c := range sorted {
		cum += math.Max(c.Tickets.Value, 0)
		if draw < cum {
			return c, true
		}
	}
	return sorted[len(sorted)-1], true
}

// mutateTicket implements IMAR2's mutate_ticket: nudges a ticket's value
// up or down by a random fraction of range, in the direction diff sign
// points, so next tick's lottery favors (or disfavors) whichever weight
// produced a migration that did (or didn't) pay off.
func mutateTicket(s *State, value float64, rng float64, diff float64) float64 {
	sign := 0.0
	switch {
	case diff > 0:
		sign = 1
	case diff < 0:
		sign = -1
	default:
		return value
	}
	frac := s.Rand.Float64() * rng
	return value * (1 + sign*frac)
}

// mutateTickets applies mutateTicket to every weight named by mask,
// given the realized performance improvement (diff = newPerf - prevPerf)
// a prior migration produced.
func mutateTickets(s *State, mask tickets.Mask, rng float64, diff float64) {
	cfg := &s.Tickets
	if mask&tickets.MaskMemCellWorse != 0 {
		cfg.MemCellWorse = mutateTicket(s, cfg.MemCellWorse, rng, diff)
	}
	if mask&tickets.MaskMemCellNoData != 0 {
		cfg.MemCellNoData = mutateTicket(s, cfg.MemCellNoData, rng, diff)
	}
	if mask&tickets.MaskMemCellBetter != 0 {
		cfg.MemCellBetter = mutateTicket(s, cfg.MemCellBetter, rng, diff)
	}
	if mask&tickets.MaskFreeCore != 0 {
		cfg.FreeCore = mutateTicket(s, cfg.FreeCore, rng, diff)
	}
	if mask&tickets.MaskPrefNode != 0 {
		cfg.PrefNode = mutateTicket(s, cfg.PrefNode, rng, diff)
	}
	if mask&tickets.MaskUnderPerf != 0 {
		cfg.UnderPerf = mutateTicket(s, cfg.UnderPerf, rng, diff)
	}
}
