// Package tickets implements the weighted-lottery scoring type used by the
// thread-migration strategies (see internal/migrate/thread) and its file
// persistence format.
//
// Grounded on original_source/src/migration/tickets.{hpp,cpp}: the value/
// mask semantics, default weights, and the 8-scalar file format are kept
// bit-for-bit; the global mutable weights become fields of Config so the
// optimizer stays reentrant and testable (see SPEC_FULL.md / DESIGN.md).
package tickets

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mask records which ticket constants contributed to a score.
type Mask uint8

const (
	MaskMemCellWorse  Mask = 1 << 0
	MaskMemCellNoData Mask = 1 << 1
	MaskMemCellBetter Mask = 1 << 2
	MaskFreeCore      Mask = 1 << 3
	MaskPrefNode      Mask = 1 << 4
	MaskUnderPerf     Mask = 1 << 5
)

// Tickets is a weighted lottery score: addition sums values and ORs masks,
// subtraction subtracts values and XORs masks, comparison is by value only.
type Tickets struct {
	Value float64
	Mask  Mask
}

func New(value float64, mask Mask) Tickets {
	return Tickets{Value: value, Mask: mask}
}

func (t Tickets) Add(rhs Tickets) Tickets {
	return Tickets{Value: t.Value + rhs.Value, Mask: t.Mask | rhs.Mask}
}

func (t Tickets) Sub(rhs Tickets) Tickets {
	return Tickets{Value: t.Value - rhs.Value, Mask: t.Mask ^ rhs.Mask}
}

// Less reports whether t sorts before rhs; comparison is by value only.
func (t Tickets) Less(rhs Tickets) bool { return t.Value < rhs.Value }

// Config holds the runtime-mutable ticket weights and thresholds. It
// replaces the original's global tickets_t instances (see DESIGN.md).
type Config struct {
	MemCellWorse   float64
	MemCellNoData  float64
	MemCellBetter  float64
	FreeCore       float64
	PrefNode       float64
	UnderPerf      float64
	PerfThreshold  float64
	UndoThreshold  float64
}

// Default matches original_source/src/migration/tickets.cpp's defaults.
func Default() Config {
	return Config{
		MemCellWorse:  1,
		MemCellNoData: 2,
		MemCellBetter: 4,
		FreeCore:      2,
		PrefNode:      4,
		UnderPerf:     3,
		PerfThreshold: 0.8,
		UndoThreshold: 0.9,
	}
}

const (
	numScalars = 8
)

// ReadFile parses the 8-scalar tickets file format: one value per line, in
// order MEM_CELL_WORSE, MEM_CELL_NO_DATA, MEM_CELL_BETTER, FREE_CORE,
// PREF_NODE, UNDER_PERF, PERF_THRESHOLD, UNDO_THRESHOLD. On any parse
// error it returns Default() with the error, per spec §6 "on parse error,
// defaults are used."
func ReadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), fmt.Errorf("tickets: opening %s: %w", path, err)
	}
	defer f.Close()

	values := make([]float64, 0, numScalars)
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(values) < numScalars {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return Default(), fmt.Errorf("tickets: parsing line %q in %s: %w", line, path, err)
		}
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return Default(), err
	}
	if len(values) != numScalars {
		return Default(), fmt.Errorf("tickets: %s has %d scalars, want %d", path, len(values), numScalars)
	}

	return Config{
		MemCellWorse:  values[0],
		MemCellNoData: values[1],
		MemCellBetter: values[2],
		FreeCore:      values[3],
		PrefNode:      values[4],
		UnderPerf:     values[5],
		PerfThreshold: values[6],
		UndoThreshold: values[7],
	}, nil
}

// WriteFile persists cfg in the same 8-scalar format ReadFile expects,
// overwriting path. Called at shutdown so IMAR2's learned ticket weights
// survive across runs (spec §6).
func WriteFile(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tickets: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, v := range []float64{
		cfg.MemCellWorse, cfg.MemCellNoData, cfg.MemCellBetter,
		cfg.FreeCore, cfg.PrefNode, cfg.UnderPerf,
		cfg.PerfThreshold, cfg.UndoThreshold,
	} {
		if _, err := fmt.Fprintf(w, "%g\n", v); err != nil {
			return err
		}
	}
	return w.Flush()
}
