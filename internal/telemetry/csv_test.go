package telemetry

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaopt/agent/internal/domain"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestThreadCSVHeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.csv")

	w, err := OpenThreadCSV(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteThreadRow(ThreadRow{
		Timestamp: time.Unix(0, 0),
		TID:       domain.TID(10),
		PID:       domain.PID(1),
		Cmdline:   "worker",
		Node:      1,
		PrefNode:  1,
	}))
	require.NoError(t, w.Close())

	w2, err := OpenThreadCSV(path)
	require.NoError(t, err)
	require.NoError(t, w2.WriteThreadRow(ThreadRow{
		Timestamp: time.Unix(1, 0),
		TID:       domain.TID(11),
		PID:       domain.PID(1),
	}))
	require.NoError(t, w2.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 3) // header + 2 rows
	assert.Equal(t, threadHeader, rows[0])
	assert.Equal(t, "10", rows[1][1])
	assert.Equal(t, "true", rows[1][8]) // InPrefNode: Node==PrefNode
	assert.Equal(t, "11", rows[2][1])
}

func TestMemoryCSVHeaderSizedToNodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.csv")

	w, err := OpenMemoryCSV(path, 3)
	require.NoError(t, err)
	require.NoError(t, w.WriteMemoryRow(MemoryRow{
		Timestamp:    time.Unix(0, 0),
		Address:      0x1000,
		Node:         0,
		PrefNode:     1,
		ReqsNode:     []uint64{1, 2, 3},
		AgedReqsNode: []float64{1, 2, 3},
		RatioNode:    []float64{0.1, 0.2, 0.7},
		AvLatNode:    []int64{10, 20, 30},
		AvLat:        15,
		Samples:      6,
	}))
	require.NoError(t, w.Close())

	rows := readRows(t, path)
	require.Len(t, rows, 2)
	header := memoryHeader(3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, len(header), len(rows[1]))
	assert.Equal(t, "false", rows[1][4]) // InPrefNode: Node(0) != PrefNode(1)
}
