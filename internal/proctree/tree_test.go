package proctree

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/stretchr/testify/require"
)

// fakeProc lays out a minimal /proc tree: cpu stat line, a root pid and
// one child pid, each with stat/cmdline/task/<tid>/children files.
func fakeProc(t *testing.T, pids map[int]struct {
	ppid    int
	cmdline string
	utime   int
	stime   int
	child   int
}) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  100 0 100 800 0 0 0 0 0 0\n"), 0o644))

	for pid, info := range pids {
		dir := filepath.Join(root, strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))

		statLine := strconv.Itoa(pid) + " (proc) S " + strconv.Itoa(info.ppid) +
			" 0 0 0 -1 0 0 0 0 0 " + strconv.Itoa(info.utime) + " " + strconv.Itoa(info.stime) +
			" 0 0 20 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(statLine), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(info.cmdline+"\x00"), 0o644))

		taskDir := filepath.Join(dir, "task", strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(taskDir, 0o755))
		childContent := ""
		if info.child != 0 {
			childContent = strconv.Itoa(info.child)
		}
		require.NoError(t, os.WriteFile(filepath.Join(taskDir, "children"), []byte(childContent), 0o644))
	}

	return root
}

func TestUpdateDiscoversChildAndTagsLWP(t *testing.T) {
	root := fakeProc(t, map[int]struct {
		ppid    int
		cmdline string
		utime   int
		stime   int
		child   int
	}{
		1: {ppid: 0, cmdline: "worker", utime: 10, stime: 5, child: 2},
		2: {ppid: 1, cmdline: "worker", utime: 1, stime: 1, child: 0},
	})

	tree := New(root, domain.PID(1), 4, func(domain.NodeID) []domain.CPUID { return []domain.CPUID{0, 1} })
	require.NoError(t, tree.Start())

	require.True(t, tree.IsAlive(domain.PID(2)))
	children := tree.Children(domain.PID(1))
	require.Equal(t, []domain.PID{2}, children)

	child, ok := tree.Get(domain.PID(2))
	require.True(t, ok)
	require.True(t, child.IsLWP, "child shares root's cmdline so it should be tagged an LWP")

	root1, ok := tree.Get(domain.PID(1))
	require.True(t, ok)
	require.False(t, root1.IsLWP)
}

func TestUpdateDropsDisappearedPID(t *testing.T) {
	root := fakeProc(t, map[int]struct {
		ppid    int
		cmdline string
		utime   int
		stime   int
		child   int
	}{
		1: {ppid: 0, cmdline: "worker", utime: 10, stime: 5, child: 2},
		2: {ppid: 1, cmdline: "helper", utime: 1, stime: 1, child: 0},
	})

	tree := New(root, domain.PID(1), 4, nil)
	require.NoError(t, tree.Start())
	require.True(t, tree.IsAlive(domain.PID(2)))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "2")))

	disappeared, changed, err := tree.Update()
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, disappeared, domain.PID(2))
	require.False(t, tree.IsAlive(domain.PID(2)))
}

func TestParseStat(t *testing.T) {
	line := "42 (my proc) S 7 0 0 0 -1 0 0 0 0 0 11 22 0 0 20 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n"
	_, ppid, state, prio, utime, stime, _, ok := parseStat(line)
	require.True(t, ok)
	require.Equal(t, 7, ppid)
	require.Equal(t, byte('S'), state)
	require.Equal(t, 20, prio)
	require.Equal(t, uint64(11), utime)
	require.Equal(t, uint64(22), stime)
}
