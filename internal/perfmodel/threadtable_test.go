package perfmodel

import (
	"testing"
	"time"

	"github.com/numaopt/agent/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadPerfTableRelPerformanceFallsBackToCPUUse(t *testing.T) {
	table := NewThreadPerfTable(2)
	table.AddInstruction(domain.InstructionSample{PID: 1, TID: 10}, 0) // no time => invalid score
	table.SetCPUUse(10, 0.5)

	table.AddInstruction(domain.InstructionSample{PID: 1, TID: 11}, 0)
	table.SetCPUUse(11, 0.1)

	table.CalcPerf(func(domain.TID) domain.NodeID { return 0 })

	rel := table.RelPerformance(10)
	assert.NotEqual(t, InvalidPerformance, rel)
}

func TestThreadPerfTableTelemetryAccessors(t *testing.T) {
	table := NewThreadPerfTable(1)
	table.AddInstruction(domain.InstructionSample{PID: 1, TID: 10, Inst: 1000, TimeRunningNS: int64(time.Second)}, 0)
	table.AddRequest(domain.RequestSample{PID: 1, TID: 10, Reqs: 4}, 0)
	table.AddMemory(domain.MemorySample{PID: 1, TID: 10, PageNode: 0, LatencyNS: 250, Reqs: 1}, 0)

	assert.Greater(t, table.OpsPerSecond(10, 0), 0.0)
	assert.Greater(t, table.OpsPerByte(10, 0), 0.0)
	assert.EqualValues(t, 250, table.AvLatencyAt(10, 0))

	// unknown TID falls back to zero/MinimumLatencyNS rather than panicking
	assert.Equal(t, 0.0, table.OpsPerSecond(99, 0))
	assert.Equal(t, 0.0, table.OpsPerByte(99, 0))
	assert.Equal(t, MinimumLatencyNS, table.AvLatencyAt(99, 0))
}

func TestThreadPerfTableRemoveAndCheckAlive(t *testing.T) {
	table := NewThreadPerfTable(1)
	table.AddRequest(domain.RequestSample{PID: 1, TID: 1, Reqs: 1}, 0)
	table.AddRequest(domain.RequestSample{PID: 1, TID: 2, Reqs: 1}, 0)
	require.Equal(t, 2, table.Size())

	table.CheckAliveTIDs(map[domain.TID]struct{}{1: {}})
	assert.Equal(t, 1, table.Size())
	_, ok := table.PID(2)
	assert.False(t, ok)
}
