package tickets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSubCommutativeAssociative(t *testing.T) {
	a := New(3, MaskPrefNode)
	b := New(5, MaskFreeCore)
	c := New(2, MaskUnderPerf)

	assert.Equal(t, a.Add(b), b.Add(a))
	assert.Equal(t, a.Add(b).Add(c), a.Add(b.Add(c)))

	sum := a.Add(b)
	restored := sum.Sub(b)
	assert.Equal(t, a.Value, restored.Value)
	assert.Equal(t, a.Mask, restored.Mask)
}

func TestCompareByValueOnly(t *testing.T) {
	a := New(1, MaskFreeCore|MaskPrefNode)
	b := New(2, MaskUnderPerf)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestReadFileDefaultsOnError(t *testing.T) {
	cfg, err := ReadFile(filepath.Join(t.TempDir(), "missing.opt"))
	assert.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.opt")
	want := Config{
		MemCellWorse: 1, MemCellNoData: 2, MemCellBetter: 4,
		FreeCore: 2, PrefNode: 4, UnderPerf: 3,
		PerfThreshold: 0.8, UndoThreshold: 0.9,
	}
	require.NoError(t, WriteFile(path, want))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadFileMalformedUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.opt")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number\n"), 0o644))

	cfg, err := ReadFile(path)
	assert.Error(t, err)
	assert.Equal(t, Default(), cfg)
}
