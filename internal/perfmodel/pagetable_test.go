package perfmodel

import (
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageRowRatiosSumToOne(t *testing.T) {
	row := NewPageRow(3)
	for i := 0; i < 95; i++ {
		row.AddData(domain.MemorySample{PageNode: 1, LatencyNS: 100}, 1.0)
	}
	for i := 0; i < 5; i++ {
		row.AddData(domain.MemorySample{PageNode: 0, LatencyNS: 100}, 1.0)
	}

	ratios := row.Ratios()
	var sum float64
	for _, r := range ratios {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, domain.NodeID(1), row.PreferredNode())
	assert.True(t, row.EnoughInfo(DefaultSamplesEnoughInfo))
}

func TestPagePerfTableGC(t *testing.T) {
	table := NewPagePerfTable(2)
	table.AddData(domain.MemorySample{Page: 0x1000, PageNode: 0, LatencyNS: 10}, 1.0)
	table.AddData(domain.MemorySample{Page: 0x2000, PageNode: 1, LatencyNS: 10}, 1.0)
	require.Equal(t, 2, table.Size())

	table.GC(func(addr uintptr) bool { return addr == 0x1000 })
	assert.Equal(t, 1, table.Size())
	_, ok := table.Row(0x2000)
	assert.False(t, ok)
}
