// Package memory implements the page-migration strategies of spec §4.8:
// TMMA, LMMA and RMMA, plus the shared prefetch-candidate search and
// move_pages(2) flush every strategy funnels its output through.
//
// Grounded on
// original_source/src/migration/strategies/{memory_strategy.hpp,
// memory_strats/*}.
package memory

import (
	"math/rand"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/memmap"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/topology"
)

// State is the read-only view every memory strategy plans against.
type State struct {
	Topo    *topology.Topology
	Pages   *perfmodel.PagePerfTable
	Tracker *memmap.Tracker

	// PortionMemoryMigrations is the fraction (0,1] of tracked pages a
	// strategy is allowed to move in one tick (spec's
	// portion_memory_migrations flag).
	PortionMemoryMigrations float64

	// MaxPrefetch bounds how many sibling pages are dragged along with a
	// migrating page (spec's memory_prefetch_size flag).
	MaxPrefetch int

	// GroupBytes is the byte stride between consecutive page-group keys
	// in Pages (pageSize * groupLen, matching internal/memmap.Process's
	// fake-THP grouping).
	GroupBytes uintptr

	Rand *rand.Rand
}

// Strategy plans a batch of page migrations against the current State.
type Strategy interface {
	Plan(s *State) []domain.MemoryMigration
}

// maxPagesToMigrate applies PortionMemoryMigrations to the table's
// current size, per perform_migration_algorithm's
// "portion_memory_migrations * perf_table.size()".
func maxPagesToMigrate(s *State) int {
	return int(s.PortionMemoryMigrations * float64(s.Pages.Size()))
}

// prefetchCandidates gathers up to MaxPrefetch pages immediately
// following initial whose preferred node already agrees with dst (a page
// with no table row yet is included too), stopping at the first page
// whose preferred node differs, mirroring Istrategy::prefetch_candidates (the fake-THP grouping branch
// is handled upstream by internal/memmap.Process.PageGroup: every
// "page" this package sees is already group-sized, so plain linear
// stepping through GroupBytes strides reproduces both the huge-page and
// small-page cases of the original).
func prefetchCandidates(s *State, initial uintptr, dst domain.NodeID) []uintptr {
	var pages []uintptr
	for i := 1; i <= s.MaxPrefetch; i++ {
		candidate := initial + uintptr(i)*s.GroupBytes
		row, ok := s.Pages.Row(candidate)
		if !ok {
			pages = append(pages, candidate)
			continue
		}
		if row.PreferredNode() == dst {
			pages = append(pages, candidate)
			continue
		}
		break
	}
	return pages
}
