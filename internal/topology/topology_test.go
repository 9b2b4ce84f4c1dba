package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestDiscoverNUMA(t *testing.T) {
	sys := t.TempDir()
	nodeRoot := filepath.Join(sys, "devices", "system", "node")

	writeFile(t, filepath.Join(nodeRoot, "node0", "cpulist"), "0-1\n")
	writeFile(t, filepath.Join(nodeRoot, "node0", "distance"), "10 20\n")
	writeFile(t, filepath.Join(nodeRoot, "node1", "cpulist"), "2-3\n")
	writeFile(t, filepath.Join(nodeRoot, "node1", "distance"), "20 10\n")

	topo, err := Discover(sys)
	require.NoError(t, err)

	assert.Equal(t, []NodeID{0, 1}, topo.Nodes())
	assert.Equal(t, []CPUID{0, 1, 2, 3}, topo.CPUs())

	node, ok := topo.NodeOf(2)
	require.True(t, ok)
	assert.Equal(t, NodeID(1), node)

	assert.Equal(t, []CPUID{0, 1}, topo.CPUsOf(0))
	assert.Equal(t, 20, topo.Distance(0, 1))
	assert.Equal(t, 10, topo.LocalDistance(0))
	assert.Equal(t, []NodeID{0, 1}, topo.ByDistance(0))
	assert.Equal(t, []NodeID{1, 0}, topo.ByDistance(1))
}

func TestDiscoverUMA(t *testing.T) {
	sys := t.TempDir()
	cpuRoot := filepath.Join(sys, "devices", "system", "cpu")
	for _, dir := range []string{"cpu0", "cpu1", "cpufreq"} {
		require.NoError(t, os.MkdirAll(filepath.Join(cpuRoot, dir), 0o755))
	}

	topo, err := Discover(sys)
	require.NoError(t, err)

	assert.Equal(t, []NodeID{0}, topo.Nodes())
	assert.Equal(t, []CPUID{0, 1}, topo.CPUs())
	assert.Equal(t, 1, topo.NumNodes())

	n, ok := topo.NodeOf(1)
	require.True(t, ok)
	assert.Equal(t, NodeID(0), n)
}
