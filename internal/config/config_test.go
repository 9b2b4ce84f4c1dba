package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsAndChildSplit(t *testing.T) {
	cfg, err := Parse([]string{"--", "sleep", "10"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sleep", "10"}, cfg.Child)
	assert.Equal(t, ThreadNIMAR, cfg.ThreadStrategy)
	assert.Equal(t, MemoryLMMA, cfg.MemoryStrategy)
	assert.False(t, cfg.RealTimeSched)
	assert.False(t, cfg.THP)
}

func TestParseMissingChildIsFatal(t *testing.T) {
	_, err := Parse([]string{"-v", "1"})
	assert.Error(t, err)
}

func TestParseStrategyShorthandsAndCase(t *testing.T) {
	cfg, err := Parse([]string{"-s", "cimar", "-S", "tmma", "--", "echo"})
	require.NoError(t, err)
	assert.Equal(t, ThreadCIMAR, cfg.ThreadStrategy)
	assert.Equal(t, MemoryTMMA, cfg.MemoryStrategy)
}

func TestParseUnknownStrategyIsFatal(t *testing.T) {
	_, err := Parse([]string{"-s", "NOPE", "--", "echo"})
	assert.Error(t, err)
}

func TestParseOutOfRangeIsFatal(t *testing.T) {
	_, err := Parse([]string{"-f", "0", "--", "echo"})
	assert.Error(t, err)

	_, err = Parse([]string{"-v", "9", "--", "echo"})
	assert.Error(t, err)

	_, err = Parse([]string{"-M", "1.5", "--", "echo"})
	assert.Error(t, err)
}

func TestParseOptionalValueFlags(t *testing.T) {
	cfg, err := Parse([]string{"-R", "--", "echo"})
	require.NoError(t, err)
	assert.True(t, cfg.RealTimeSched)
	assert.Equal(t, 50, cfg.RealTimePriority)

	cfg, err = Parse([]string{"-R", "20", "--", "echo"})
	require.NoError(t, err)
	assert.True(t, cfg.RealTimeSched)
	assert.Equal(t, 20, cfg.RealTimePriority)

	cfg, err = Parse([]string{"--thp=4096", "--", "echo"})
	require.NoError(t, err)
	assert.True(t, cfg.THP)
	assert.Equal(t, 4096, cfg.THPPages)

	cfg, err = Parse([]string{"--thp", "--", "echo"})
	require.NoError(t, err)
	assert.True(t, cfg.THP)
	assert.Equal(t, 0, cfg.THPPages)
}

func TestParseStderrStdoutChildSetFlags(t *testing.T) {
	cfg, err := Parse([]string{"--", "echo"})
	require.NoError(t, err)
	assert.False(t, cfg.StdoutChildSet)
	assert.False(t, cfg.StderrChildSet)

	cfg, err = Parse([]string{"-o", "/tmp/out.log", "--", "echo"})
	require.NoError(t, err)
	assert.True(t, cfg.StdoutChildSet)
	assert.Equal(t, "/tmp/out.log", cfg.StdoutChild)
}
