package memory

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/perfmodel"
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

func TestTMMAMigratesWhenPreferredNodeExceedsThreshold(t *testing.T) {
	topo := twoNodeTopology(t)
	pages := perfmodel.NewPagePerfTable(topo.NumNodes())

	const addr uintptr = 0x1000
	// 11 samples landing on node 1, current residency node 0: node1's aged
	// share clears min(2/3, 2/N)=2/3 for N=2 nodes, and enough samples pass
	// EnoughInfo's default threshold of 10.
	for i := 0; i < 11; i++ {
		pages.AddData(domain.MemorySample{PID: 7, Page: addr, PageNode: 1, LatencyNS: 5}, 1.0)
	}
	row, ok := pages.Row(addr)
	require.True(t, ok)
	row.AddData(domain.MemorySample{PID: 7, Page: addr, PageNode: 0, LatencyNS: 5}, 1.0)

	s := &State{
		Topo:                    topo,
		Pages:                   pages,
		PortionMemoryMigrations: 1.0,
		MaxPrefetch:             0,
		GroupBytes:              4096,
		Rand:                    rand.New(rand.NewSource(1)),
	}

	migrations := NewTMMA().Plan(s)
	require.Len(t, migrations, 1)
	mig := migrations[0]
	assert.Equal(t, domain.NodeID(0), mig.SrcNode)
	assert.Equal(t, domain.NodeID(1), mig.DstNode)
	assert.Equal(t, []uintptr{addr}, mig.Pages)

	// the row was cleared once a migration decision was made for it
	row, _ = pages.Row(addr)
	assert.Equal(t, 0, row.SampleCount())
}

func TestTMMASkipsWhenAlreadyOnPreferredNode(t *testing.T) {
	topo := twoNodeTopology(t)
	pages := perfmodel.NewPagePerfTable(topo.NumNodes())

	const addr uintptr = 0x2000
	for i := 0; i < 11; i++ {
		pages.AddData(domain.MemorySample{PID: 7, Page: addr, PageNode: 1, LatencyNS: 5}, 1.0)
	}

	s := &State{
		Topo:                    topo,
		Pages:                   pages,
		PortionMemoryMigrations: 1.0,
		Rand:                    rand.New(rand.NewSource(1)),
	}

	assert.Empty(t, NewTMMA().Plan(s))
}

func TestTMMASkipsSingleNode(t *testing.T) {
	sys := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "devices", "system", "cpu", "cpu0"), 0o755))
	topo, err := topology.Discover(sys)
	require.NoError(t, err)

	s := &State{Topo: topo, Pages: perfmodel.NewPagePerfTable(1), PortionMemoryMigrations: 1.0}
	assert.Empty(t, NewTMMA().Plan(s))
}

func TestLMMAMigratesHighLatencyPageToPreferredNode(t *testing.T) {
	topo := twoNodeTopology(t)
	pages := perfmodel.NewPagePerfTable(topo.NumNodes())

	// A calm page on node 0 and a heavily diluting page on node 1 both sit
	// at a low, shared baseline latency, so neither node's own average
	// drifts far from the system-wide average.
	const calm uintptr = 0x1000
	for i := 0; i < 100; i++ {
		pages.AddData(domain.MemorySample{PID: 1, Page: calm, PageNode: 0, LatencyNS: 10}, 1.0)
	}
	const dilution uintptr = 0x4000
	for i := 0; i < 1000; i++ {
		pages.AddData(domain.MemorySample{PID: 4, Page: dilution, PageNode: 1, LatencyNS: 10}, 1.0)
	}

	// A hot page whose samples mostly land on node 1 at far higher latency:
	// its relative latency clears 130% of the system average, and its
	// preferred node (1) differs from its current residency (0), while
	// node 1 as a whole is kept far from saturated by the dilution above.
	const hot uintptr = 0x2000
	for i := 0; i < 11; i++ {
		pages.AddData(domain.MemorySample{PID: 2, Page: hot, PageNode: 1, LatencyNS: 500}, 1.0)
	}
	row, ok := pages.Row(hot)
	require.True(t, ok)
	row.AddData(domain.MemorySample{PID: 2, Page: hot, PageNode: 0, LatencyNS: 500}, 1.0)

	require.Equal(t, domain.NodeID(1), row.PreferredNode())
	require.Greater(t, pages.RelLatency(hot), 130.0)

	s := &State{
		Topo:                    topo,
		Pages:                   pages,
		PortionMemoryMigrations: 1.0,
		Rand:                    rand.New(rand.NewSource(1)),
	}

	migrations := NewLMMA().Plan(s)
	require.Len(t, migrations, 1)
	mig := migrations[0]
	assert.Equal(t, hot, mig.Pages[0])
	assert.Equal(t, domain.NodeID(0), mig.SrcNode)
	assert.Equal(t, domain.NodeID(1), mig.DstNode)
}

func TestLMMARedirectsToLeastSaturatedNodeWhenPreferredIsSaturated(t *testing.T) {
	topo := twoNodeTopology(t)
	pages := perfmodel.NewPagePerfTable(topo.NumNodes())

	// A calm page on node 0 keeps the system-wide average low. A lightly
	// sampled but very slow page on node 1 is enough to push node 1's own
	// average well past 130% of that low system-wide average, without
	// itself outweighing the system aggregate.
	const calm uintptr = 0x1000
	for i := 0; i < 100; i++ {
		pages.AddData(domain.MemorySample{PID: 1, Page: calm, PageNode: 0, LatencyNS: 10}, 1.0)
	}
	const saturator uintptr = 0x3000
	for i := 0; i < 100; i++ {
		pages.AddData(domain.MemorySample{PID: 3, Page: saturator, PageNode: 1, LatencyNS: 50}, 1.0)
	}

	const hot uintptr = 0x2000
	for i := 0; i < 11; i++ {
		pages.AddData(domain.MemorySample{PID: 2, Page: hot, PageNode: 1, LatencyNS: 500}, 1.0)
	}
	row, ok := pages.Row(hot)
	require.True(t, ok)
	row.AddData(domain.MemorySample{PID: 2, Page: hot, PageNode: 0, LatencyNS: 500}, 1.0)

	require.Equal(t, domain.NodeID(1), row.PreferredNode())
	require.Greater(t, pages.RelLatency(hot), 130.0)

	s := &State{
		Topo:                    topo,
		Pages:                   pages,
		PortionMemoryMigrations: 1.0,
		Rand:                    rand.New(rand.NewSource(1)),
	}

	migrations := NewLMMA().Plan(s)
	require.Len(t, migrations, 1)
	assert.Equal(t, domain.NodeID(0), migrations[0].DstNode)
}

func TestRMMASkipsSingleNodeAndNeverMovesToSameNode(t *testing.T) {
	sys := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "devices", "system", "cpu", "cpu0"), 0o755))
	uma, err := topology.Discover(sys)
	require.NoError(t, err)

	pages := perfmodel.NewPagePerfTable(1)
	pages.AddData(domain.MemorySample{PID: 1, Page: 0x1000, PageNode: 0, LatencyNS: 5}, 1.0)
	s := &State{Topo: uma, Pages: pages, PortionMemoryMigrations: 1.0, Rand: rand.New(rand.NewSource(1))}
	assert.Empty(t, NewRMMA().Plan(s))

	topo := twoNodeTopology(t)
	pages = perfmodel.NewPagePerfTable(topo.NumNodes())
	pages.AddData(domain.MemorySample{PID: 1, Page: 0x1000, PageNode: 0, LatencyNS: 5}, 1.0)
	pages.AddData(domain.MemorySample{PID: 1, Page: 0x2000, PageNode: 1, LatencyNS: 5}, 1.0)

	s = &State{
		Topo:                    topo,
		Pages:                   pages,
		PortionMemoryMigrations: 1.0,
		Rand:                    rand.New(rand.NewSource(1)),
	}
	migrations := NewRMMA().Plan(s)
	for _, m := range migrations {
		assert.NotEqual(t, m.SrcNode, m.DstNode)
		assert.Len(t, m.Pages, 1)
	}
}

func TestPrefetchCandidatesStopsAtFirstMismatchedNode(t *testing.T) {
	pages := perfmodel.NewPagePerfTable(2)
	const groupBytes uintptr = 4096
	const base uintptr = 0x10000

	pages.AddData(domain.MemorySample{Page: base + groupBytes, PageNode: 1, LatencyNS: 5}, 1.0)
	pages.AddData(domain.MemorySample{Page: base + 2*groupBytes, PageNode: 1, LatencyNS: 5}, 1.0)
	pages.AddData(domain.MemorySample{Page: base + 3*groupBytes, PageNode: 0, LatencyNS: 5}, 1.0)

	s := &State{Pages: pages, MaxPrefetch: 3, GroupBytes: groupBytes}
	got := prefetchCandidates(s, base, 1)
	assert.Equal(t, []uintptr{base + groupBytes, base + 2*groupBytes}, got)
}
