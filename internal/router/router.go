// Package router resolves raw sampler records into performance-table
// updates: routing a memory sample to its page's node via internal/memmap,
// and folding instruction/request/memory samples into the thread and page
// performance tables maintained by internal/perfmodel.
//
// Grounded on original_source/src/migration/utils/mem_sample.hpp (the
// fields a raw memory sample carries before it is enriched with a resolved
// page/node) and on migration_cell.hpp's aging-factor formula.
package router

import (
	"time"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/memmap"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/sampler"
)

// Router owns the aging-factor state and fans sampler.Sample values out
// to the two performance tables.
type Router struct {
	threads *perfmodel.ThreadPerfTable
	pages   *perfmodel.PagePerfTable
	tracker *memmap.Tracker

	minMemMigrationInterval time.Duration
	lastMemMigration        time.Time

	nodeCache map[uintptr]domain.NodeID // addr -> node, refreshed once per tick
}

func New(threads *perfmodel.ThreadPerfTable, pages *perfmodel.PagePerfTable, tracker *memmap.Tracker, minMemMigrationInterval time.Duration) *Router {
	return &Router{
		threads:                 threads,
		pages:                   pages,
		tracker:                 tracker,
		minMemMigrationInterval: minMemMigrationInterval,
		nodeCache:               map[uintptr]domain.NodeID{},
	}
}

// NotifyMemoryMigration resets the aging clock after a memory migration
// strategy has acted, per spec §4.5's "time_since_last_memory_migration"
// term.
func (r *Router) NotifyMemoryMigration(at time.Time) {
	r.lastMemMigration = at
}

// AgingFactor implements spec §4.5:
// 1 / (1 + max(0, min_memory_migration_interval - time_since_last_migration)).
// Freshly-migrated pages are weighted down so their histogram isn't
// immediately re-biased by residual stale-locality samples.
func (r *Router) AgingFactor(now time.Time) float64 {
	if r.lastMemMigration.IsZero() {
		return 1.0
	}
	since := now.Sub(r.lastMemMigration)
	remaining := r.minMemMigrationInterval - since
	if remaining < 0 {
		remaining = 0
	}
	return 1.0 / (1.0 + remaining.Seconds())
}

// BeginTick clears the per-tick address->node cache; call once before
// routing a batch of samples.
func (r *Router) BeginTick() {
	r.nodeCache = map[uintptr]domain.NodeID{}
}

// Route resolves one sampler.Sample and applies it to the relevant
// performance table(s).
func (r *Router) Route(s sampler.Sample, now time.Time) {
	switch s.Group {
	case sampler.GroupMem:
		r.routeMemory(s.Mem, now)
	case sampler.GroupReq:
		r.threads.AddRequest(s.Req, 0)
	default:
		r.threads.AddInstruction(s.Ins, 0)
	}
}

func (r *Router) routeMemory(m domain.MemorySample, now time.Time) {
	proc, ok := r.tracker.Process(m.PID)
	if !ok {
		return
	}
	region, found := proc.RegionOf(m.Address)
	if !found {
		return
	}
	_ = region

	page := proc.PageGroup(m.Address)
	node, cached := r.nodeCache[page]
	if !cached {
		nodes, err := r.tracker.QueryNodes(m.PID, []uintptr{page})
		if err != nil || len(nodes) == 0 {
			return
		}
		node = nodes[0]
		r.nodeCache[page] = node
	}

	m.Page = page
	m.PageNode = node

	aging := r.AgingFactor(now)
	r.pages.AddData(m, aging)
	r.threads.AddMemory(m, node)
}
