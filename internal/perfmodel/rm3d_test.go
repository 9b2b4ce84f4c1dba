package perfmodel

import (
	"testing"
	"time"

	"github.com/numaopt/agent/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCalcPerfInvalidOnZeroInputs(t *testing.T) {
	assert.Equal(t, InvalidPerformance, CalcPerf(0, 0, MinimumLatencyNS))
}

func TestCalcPerfPositiveInputs(t *testing.T) {
	got := CalcPerf(1000, 10, 100)
	assert.Greater(t, got, 0.0)
}

func TestThreadRowDecayGracePeriod(t *testing.T) {
	row := NewThreadRow(2)
	fixed := time.Now()
	row.now = func() time.Time { return fixed }

	row.AddInstruction(domain.InstructionSample{TimeRunningNS: int64(time.Second), Inst: 1_000_000}, 0)
	row.AddRequest(domain.RequestSample{Reqs: 1000}, 0)
	row.RecalcNode(0)

	// Still inside the t_min=1s grace period: decay factor is exactly 1.
	assert.Equal(t, row.RawPerfNode(0), row.PerfNode(0))
}

func TestThreadRowDecayAfterGracePeriod(t *testing.T) {
	row := NewThreadRow(2)
	start := time.Now()
	row.now = func() time.Time { return start }

	row.AddInstruction(domain.InstructionSample{TimeRunningNS: int64(time.Second), Inst: 1_000_000}, 0)
	row.AddRequest(domain.RequestSample{Reqs: 1000}, 0)
	row.RecalcNode(0)

	row.now = func() time.Time { return start.Add(5 * time.Second) }
	assert.Less(t, row.PerfNode(0), row.RawPerfNode(0))
}

func TestThreadRowPreferredNode(t *testing.T) {
	row := NewThreadRow(3)
	row.AddMemory(domain.MemorySample{PageNode: 2, Reqs: 10, LatencyNS: 50}, 0)
	row.AddMemory(domain.MemorySample{PageNode: 1, Reqs: 1, LatencyNS: 50}, 0)
	assert.Equal(t, domain.NodeID(2), row.PreferredNode())
}
