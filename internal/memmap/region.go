// Package memmap tracks each monitored process's memory regions and
// resolves sampled addresses to pages and the NUMA node currently backing
// them.
//
// Grounded on original_source/src/system_info/memory/{mem_region,
// mem_region_maps,mem_region_numa_maps}.hpp for the /proc/<pid>/maps and
// /proc/<pid>/numa_maps line formats, and on move_pages(2) (queried through
// golang.org/x/sys/unix) for resolving a page's live node without having
// re-parsed numa_maps since the last sample.
package memmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/numaopt/agent/internal/domain"
)

// Region is one VMA of a process, as listed in /proc/<pid>/maps.
type Region struct {
	Index   int
	Begin   uintptr
	End     uintptr
	Read    bool
	Write   bool
	Execute bool
	Shared  bool
	Path    string
}

func (r Region) Bytes() uintptr { return r.End - r.Begin }

func (r Region) Heap() bool  { return r.Path == "[heap]" }
func (r Region) Stack() bool { return r.Path == "[stack]" }
func (r Region) VDSO() bool  { return r.Path == "[vdso]" }

// Contains reports whether addr falls within [Begin, End).
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Begin && addr < r.End
}

// parseMapsLine mirrors mem_region_maps::parse_line's sscanf format:
// "%lx-%lx %4c %x %x:%x %x %s".
func parseMapsLine(index int, line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}
	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Region{}, false
	}
	begin, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Region{}, false
	}
	flags := fields[1]
	r := Region{
		Index: index,
		Begin: uintptr(begin),
		End:   uintptr(end),
	}
	if len(flags) >= 4 {
		r.Read = flags[0] == 'r'
		r.Write = flags[1] == 'w'
		r.Execute = flags[2] == 'x'
		r.Shared = flags[3] == 's'
	}
	if len(fields) >= 6 {
		r.Path = fields[len(fields)-1]
	}
	return r, true
}

// ReadMaps parses /proc/<pid>/maps into an ordered list of Regions.
func ReadMaps(procPath string, pid domain.PID) ([]Region, error) {
	path := fmt.Sprintf("%s/%d/maps", procPath, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	idx := 0
	for scanner.Scan() {
		idx++
		if r, ok := parseMapsLine(idx, scanner.Text()); ok {
			regions = append(regions, r)
		}
	}
	return regions, scanner.Err()
}

// NumaMapsLine is one parsed line of /proc/<pid>/numa_maps: the per-node
// page counts for one region, as mem_region_numa_maps::parse_parameter
// reads "N<node>=<pages>" tokens.
type NumaMapsLine struct {
	Address      uintptr
	Policy       string
	PagesPerNode []uint64
	Heap         bool
	Stack        bool
	Huge         bool
}

// ReadNumaMaps parses /proc/<pid>/numa_maps, sizing PagesPerNode to
// numNodes entries per line.
func ReadNumaMaps(procPath string, pid domain.PID, numNodes int) ([]NumaMapsLine, error) {
	path := fmt.Sprintf("%s/%d/numa_maps", procPath, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []NumaMapsLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		l, ok := parseNumaMapsLine(scanner.Text(), numNodes)
		if ok {
			lines = append(lines, l)
		}
	}
	return lines, scanner.Err()
}

func parseNumaMapsLine(line string, numNodes int) (NumaMapsLine, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return NumaMapsLine{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return NumaMapsLine{}, false
	}
	result := NumaMapsLine{
		Address:      uintptr(addr),
		Policy:       fields[1],
		PagesPerNode: make([]uint64, numNodes),
	}
	for _, tok := range fields[2:] {
		switch {
		case strings.HasPrefix(tok, "N"):
			var node int
			var pages uint64
			if n, _ := fmt.Sscanf(tok, "N%d=%d", &node, &pages); n == 2 && node >= 0 && node < numNodes {
				result.PagesPerNode[node] = pages
			}
		case strings.Contains(tok, "stack"):
			result.Stack = true
		case strings.Contains(tok, "heap"):
			result.Heap = true
		case strings.Contains(tok, "huge"):
			result.Huge = true
		}
	}
	return result, true
}

// PreferredNode is the node holding the most pages for this region, per
// its numa_maps line.
func (l NumaMapsLine) PreferredNode() domain.NodeID {
	best, bestCount := domain.NodeID(0), uint64(0)
	for n, c := range l.PagesPerNode {
		if c > bestCount {
			best, bestCount = domain.NodeID(n), c
		}
	}
	return best
}
