package thread

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/tickets"
	"github.com/numaopt/agent/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoNodeTopology(t *testing.T) *topology.Topology {
	t.Helper()
	sys := t.TempDir()
	nodeRoot := filepath.Join(sys, "devices", "system", "node")
	write := func(path, contents string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	}
	write(filepath.Join(nodeRoot, "node0", "cpulist"), "0-1\n")
	write(filepath.Join(nodeRoot, "node0", "distance"), "10 20\n")
	write(filepath.Join(nodeRoot, "node1", "cpulist"), "2-3\n")
	write(filepath.Join(nodeRoot, "node1", "distance"), "20 10\n")

	topo, err := topology.Discover(sys)
	require.NoError(t, err)
	return topo
}

func TestRM3DMovesToTheHigherScoringNode(t *testing.T) {
	topo := twoNodeTopology(t)
	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())

	const tid domain.TID = 5
	const pid domain.PID = 1
	// node0: little work, few requests -> low score.
	threads.AddInstruction(domain.InstructionSample{PID: pid, TID: tid, TimeRunningNS: 1_000_000, Inst: 10}, 0)
	threads.AddRequest(domain.RequestSample{PID: pid, TID: tid, Reqs: 1}, 0)
	// node1: much more work per unit time, more requests -> high score, and
	// where most of its memory requests land, making it the preferred node.
	threads.AddInstruction(domain.InstructionSample{PID: pid, TID: tid, TimeRunningNS: 1_000, Inst: 10_000}, 1)
	threads.AddRequest(domain.RequestSample{PID: pid, TID: tid, Reqs: 50}, 1)
	threads.AddMemory(domain.MemorySample{PID: pid, TID: tid, Reqs: 100, LatencyNS: 50, PageNode: 1}, 1)

	threads.CalcPerf(func(domain.TID) domain.NodeID { return threads.PreferredNode(tid) })

	require.Greater(t, threads.PerformanceAt(tid, 1), threads.PerformanceAt(tid, 0))

	s := &State{
		Topo:       topo,
		Threads:    threads,
		Tickets:    tickets.Default(),
		PinnedCPU:  map[domain.TID]domain.CPUID{tid: 0},
		Migratable: map[domain.TID]bool{tid: true},
		Idle:       map[domain.TID]bool{tid: false},
		PIDOf:      map[domain.TID]domain.PID{tid: pid},
		CPUFree:    map[domain.CPUID]bool{0: false, 1: false, 2: true, 3: true},
		Rand:       rand.New(rand.NewSource(1)),
	}

	migrations := NewRM3D().Plan(s)
	require.Len(t, migrations, 1)
	mv := migrations[0].Moves[0]
	assert.Equal(t, tid, mv.TID)
	assert.Equal(t, domain.CPUID(0), mv.SrcCPU)
	assert.Contains(t, []domain.CPUID{2, 3}, mv.DstCPU)
}

func TestRM3DDoesNothingOnSingleNode(t *testing.T) {
	sys := t.TempDir()
	cpuRoot := filepath.Join(sys, "devices", "system", "cpu")
	require.NoError(t, os.MkdirAll(filepath.Join(cpuRoot, "cpu0"), 0o755))
	topo, err := topology.Discover(sys)
	require.NoError(t, err)

	s := &State{
		Topo:       topo,
		Threads:    perfmodel.NewThreadPerfTable(topo.NumNodes()),
		Tickets:    tickets.Default(),
		PinnedCPU:  map[domain.TID]domain.CPUID{1: 0},
		Migratable: map[domain.TID]bool{1: true},
		Idle:       map[domain.TID]bool{1: false},
		PIDOf:      map[domain.TID]domain.PID{1: 1},
		CPUFree:    map[domain.CPUID]bool{0: true},
		Rand:       rand.New(rand.NewSource(1)),
	}

	assert.Empty(t, NewRM3D().Plan(s))
}

func TestRM3DSkipsIdleAndNonMigratableThreads(t *testing.T) {
	topo := twoNodeTopology(t)
	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())

	s := &State{
		Topo:    topo,
		Threads: threads,
		Tickets: tickets.Default(),
		PinnedCPU: map[domain.TID]domain.CPUID{
			1: 0, // idle
			2: 0, // not migratable
		},
		Migratable: map[domain.TID]bool{1: true, 2: false},
		Idle:       map[domain.TID]bool{1: true, 2: false},
		PIDOf:      map[domain.TID]domain.PID{1: 1, 2: 1},
		CPUFree:    map[domain.CPUID]bool{0: true, 1: true, 2: true, 3: true},
		Rand:       rand.New(rand.NewSource(1)),
	}

	assert.Empty(t, NewRM3D().Plan(s))
}
