package thread

import (
	"math/rand"
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/tickets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCIMARMovesOnlyUnderperformingThreadToAStrictlyBetterCPU(t *testing.T) {
	topo := twoNodeTopology(t)
	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())

	const tidA, pidA domain.TID = 1, 1
	const tidB, pidB domain.TID = 2, 1

	threads.AddRequest(domain.RequestSample{PID: pidA, TID: tidA}, 0) // keeps a row, perf stays invalid
	threads.SetCPUUse(tidA, 0.1)
	threads.AddMemory(domain.MemorySample{PID: pidA, TID: tidA, Reqs: 10, LatencyNS: 5, PageNode: 1}, 0)

	threads.AddRequest(domain.RequestSample{PID: pidB, TID: tidB}, 0)
	threads.SetCPUUse(tidB, 0.9)

	threads.CalcPerf(func(domain.TID) domain.NodeID { return 0 })

	require.Less(t, threads.RelPerformance(tidA), tickets.Default().PerfThreshold)
	require.GreaterOrEqual(t, threads.RelPerformance(tidB), tickets.Default().PerfThreshold)

	s := &State{
		Topo:    topo,
		Threads: threads,
		Tickets: tickets.Default(),
		PinnedCPU: map[domain.TID]domain.CPUID{
			tidA: 0,
			tidB: 1,
		},
		Migratable: map[domain.TID]bool{tidA: true, tidB: true},
		Idle:       map[domain.TID]bool{tidA: false, tidB: false},
		PIDOf:      map[domain.TID]domain.PID{tidA: pidA, tidB: pidB},
		CPUFree:    map[domain.CPUID]bool{0: false, 1: false, 2: true, 3: true},
		Rand:       rand.New(rand.NewSource(1)),
	}

	migrations := NewCIMAR(false).Plan(s)
	require.Len(t, migrations, 1)
	mv := migrations[0].Moves[0]
	assert.Equal(t, tidA, mv.TID)
	assert.Equal(t, domain.CPUID(0), mv.SrcCPU)
	assert.Contains(t, []domain.CPUID{2, 3}, mv.DstCPU)
}

func TestNIMARPlacesAtNodeGranularityNotCPU(t *testing.T) {
	topo := twoNodeTopology(t)
	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())

	const tidA, pidA domain.TID = 1, 1
	const tidB, pidB domain.TID = 2, 1

	threads.AddRequest(domain.RequestSample{PID: pidA, TID: tidA}, 0)
	threads.SetCPUUse(tidA, 0.1)
	threads.AddMemory(domain.MemorySample{PID: pidA, TID: tidA, Reqs: 10, LatencyNS: 5, PageNode: 1}, 0)

	threads.AddRequest(domain.RequestSample{PID: pidB, TID: tidB}, 0)
	threads.SetCPUUse(tidB, 0.9)

	threads.CalcPerf(func(domain.TID) domain.NodeID { return 0 })

	require.Less(t, threads.RelPerformance(tidA), tickets.Default().PerfThreshold)

	// Node 1 has one busy CPU (2) and one free CPU (3). A CPU-granularity
	// strategy scans each CPU individually and would land tidA on the
	// actually-free CPU 3; NIMAR decides "is node 1 free anywhere" and then
	// always pins to node 1's first CPU, so the destination is CPU 2 even
	// though it is the busy one — node granularity, not CPU granularity.
	s := &State{
		Topo:    topo,
		Threads: threads,
		Tickets: tickets.Default(),
		PinnedCPU: map[domain.TID]domain.CPUID{
			tidA: 0,
			tidB: 1,
		},
		Migratable: map[domain.TID]bool{tidA: true, tidB: true},
		Idle:       map[domain.TID]bool{tidA: false, tidB: false},
		PIDOf:      map[domain.TID]domain.PID{tidA: pidA, tidB: pidB},
		CPUFree:    map[domain.CPUID]bool{0: false, 1: false, 2: false, 3: true},
		Rand:       rand.New(rand.NewSource(1)),
	}

	migrations := NewNIMAR().Plan(s)
	require.Len(t, migrations, 1)
	mv := migrations[0].Moves[0]
	assert.Equal(t, tidA, mv.TID)
	assert.Equal(t, domain.CPUID(0), mv.SrcCPU)
	assert.Equal(t, domain.CPUID(2), mv.DstCPU)
}

func TestIMAR2IsNodeLevelAndEvolvesTickets(t *testing.T) {
	c := NewIMAR2()
	assert.True(t, c.NodeLevel)
	assert.True(t, c.EvolveTickets)
	assert.True(t, c.Rollback)

	n := NewNIMAR()
	assert.True(t, n.NodeLevel)
	assert.False(t, n.EvolveTickets)
	assert.False(t, n.Rollback)
}

func TestCIMARMutateAfterNoopWhenNotEvolvingOrNoBaseline(t *testing.T) {
	s := &State{Tickets: tickets.Default(), Rand: rand.New(rand.NewSource(1))}
	before := s.Tickets

	plain := NewCIMAR(false)
	plain.MutateAfter(s, []domain.ThreadMigration{{Mask: uint8(tickets.MaskFreeCore)}}, 10, 20)
	assert.Equal(t, before, s.Tickets)

	evolving := NewCIMAR(true)
	evolving.MutateAfter(s, []domain.ThreadMigration{{Mask: uint8(tickets.MaskFreeCore)}}, 0, 20)
	assert.Equal(t, before, s.Tickets)
}

func TestCIMARMutateAfterNudgesMaskedWeightsByOutcome(t *testing.T) {
	s := &State{Tickets: tickets.Default(), Rand: rand.New(rand.NewSource(1))}
	before := s.Tickets.FreeCore

	evolving := NewCIMAR(true)
	evolving.MutateAfter(s, []domain.ThreadMigration{{Mask: uint8(tickets.MaskFreeCore)}}, 10, 20)
	assert.Greater(t, s.Tickets.FreeCore, before)
}
