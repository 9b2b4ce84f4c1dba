// Package telemetry exports the optimizer's per-tick state: the two
// semicolon-separated CSV schemas (thread and memory) and a Prometheus
// metrics registry, plus an optional badger-backed rolling history of
// recent ticks.
//
// Grounded on original_source/src/migration/tickets.cpp's
// write_tickets_csv_header/write_tickets_csv (open-once, append
// thereafter, write the header only when the file didn't already have
// one) and cmd/consumption/main.go's encoding/csv usage for the wider
// ecosystem convention this repo otherwise has no direct precedent for.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/numaopt/agent/internal/domain"
)

// ThreadRow is one line of the thread CSV: Timestamp, TID, PID, CMDLINE,
// State, CPU, Node, PrefNode, InPrefNode, Perf, CPU%, RelPerf, Ops,
// OpIntensity, AvLat.
type ThreadRow struct {
	Timestamp   time.Time
	TID         domain.TID
	PID         domain.PID
	Cmdline     string
	State       byte
	CPU         domain.CPUID
	Node        domain.NodeID
	PrefNode    domain.NodeID
	Perf        float64
	CPUPercent  float64
	RelPerf     float64
	Ops         float64
	OpIntensity float64
	AvLatNS     int64
}

func (r ThreadRow) fields() []string {
	return []string{
		r.Timestamp.Format(time.RFC3339Nano),
		strconv.Itoa(int(r.TID)),
		strconv.Itoa(int(r.PID)),
		r.Cmdline,
		string(r.State),
		strconv.Itoa(int(r.CPU)),
		strconv.Itoa(int(r.Node)),
		strconv.Itoa(int(r.PrefNode)),
		strconv.FormatBool(r.Node == r.PrefNode),
		strconv.FormatFloat(r.Perf, 'g', -1, 64),
		strconv.FormatFloat(r.CPUPercent, 'g', -1, 64),
		strconv.FormatFloat(r.RelPerf, 'g', -1, 64),
		strconv.FormatFloat(r.Ops, 'g', -1, 64),
		strconv.FormatFloat(r.OpIntensity, 'g', -1, 64),
		strconv.FormatInt(r.AvLatNS, 10),
	}
}

var threadHeader = []string{
	"Timestamp", "TID", "PID", "CMDLINE", "State", "CPU", "Node", "PrefNode",
	"InPrefNode", "Perf", "CPU%", "RelPerf", "Ops", "OpIntensity", "AvLat",
}

// MemoryRow is one line of the memory CSV: Timestamp, Address, Node,
// PrefNode, InPrefNode, ReqsNode_i(xN), AgedReqsNode_i(xN),
// RatioNode_i(xN), AvLatencyNode_i(xN), AvLatency, Samples.
type MemoryRow struct {
	Timestamp    time.Time
	Address      uintptr
	Node         domain.NodeID
	PrefNode     domain.NodeID
	ReqsNode     []uint64
	AgedReqsNode []float64
	RatioNode    []float64
	AvLatNode    []int64
	AvLat        int64
	Samples      int
}

func (r MemoryRow) fields() []string {
	out := make([]string, 0, 10+4*len(r.ReqsNode))
	out = append(out,
		r.Timestamp.Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(r.Address), 10),
		strconv.Itoa(int(r.Node)),
		strconv.Itoa(int(r.PrefNode)),
		strconv.FormatBool(r.Node == r.PrefNode),
	)
	for _, v := range r.ReqsNode {
		out = append(out, strconv.FormatUint(v, 10))
	}
	for _, v := range r.AgedReqsNode {
		out = append(out, strconv.FormatFloat(v, 'g', -1, 64))
	}
	for _, v := range r.RatioNode {
		out = append(out, strconv.FormatFloat(v, 'g', -1, 64))
	}
	for _, v := range r.AvLatNode {
		out = append(out, strconv.FormatInt(v, 10))
	}
	out = append(out, strconv.FormatInt(r.AvLat, 10), strconv.Itoa(r.Samples))
	return out
}

func memoryHeader(numNodes int) []string {
	out := []string{"Timestamp", "Address", "Node", "PrefNode", "InPrefNode"}
	for i := 0; i < numNodes; i++ {
		out = append(out, fmt.Sprintf("ReqsNode_%d", i))
	}
	for i := 0; i < numNodes; i++ {
		out = append(out, fmt.Sprintf("AgedReqsNode_%d", i))
	}
	for i := 0; i < numNodes; i++ {
		out = append(out, fmt.Sprintf("RatioNode_%d", i))
	}
	for i := 0; i < numNodes; i++ {
		out = append(out, fmt.Sprintf("AvLatencyNode_%d", i))
	}
	return append(out, "AvLatency", "Samples")
}

// Writer appends semicolon-separated rows to a CSV file opened once at
// startup, writing the header only the first time (mirroring
// write_tickets_csv's "write header iff the file is new or empty" check).
type Writer struct {
	f *os.File
	w *csv.Writer
}

// OpenThreadCSV opens or creates path, writing the thread header exactly
// once.
func OpenThreadCSV(path string) (*Writer, error) {
	return open(path, threadHeader)
}

// OpenMemoryCSV opens or creates path, writing the memory header (sized
// to numNodes) exactly once.
func OpenMemoryCSV(path string, numNodes int) (*Writer, error) {
	return open(path, memoryHeader(numNodes))
}

func open(path string, header []string) (*Writer, error) {
	needsHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	w.Comma = ';'

	out := &Writer{f: f, w: w}
	if needsHeader {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("telemetry: writing header to %s: %w", path, err)
		}
		w.Flush()
	}
	return out, nil
}

// WriteThreadRow appends one thread row and flushes.
func (w *Writer) WriteThreadRow(r ThreadRow) error {
	return w.writeFlush(r.fields())
}

// WriteMemoryRow appends one memory row and flushes.
func (w *Writer) WriteMemoryRow(r MemoryRow) error {
	return w.writeFlush(r.fields())
}

func (w *Writer) writeFlush(fields []string) error {
	if err := w.w.Write(fields); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.w.Flush()
	return w.f.Close()
}
