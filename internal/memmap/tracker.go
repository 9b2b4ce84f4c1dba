package memmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/numaopt/agent/internal/domain"
)

// mpolMFMove is MPOL_MF_MOVE from <linux/mempolicy.h>, not wrapped by
// golang.org/x/sys/unix since mempolicy flags live outside its generated
// constant tables.
const mpolMFMove = 1 << 1

// PageGroupSize is the default number of consecutive pages folded into a
// single migration unit, a "fake transparent huge page" used to keep the
// per-page table from growing one entry per 4K page on processes with
// large working sets. Overridden by the --thp=PAGES flag.
const PageGroupSize = 1

// Process holds one monitored PID's region list, refreshed by
// Tracker.RefreshRegions.
type Process struct {
	PID      domain.PID
	Regions  []Region
	pageSize uintptr
	groupLen int
}

func newProcessTracker(pid domain.PID, pageSize uintptr, groupLen int) *Process {
	if groupLen < 1 {
		groupLen = 1
	}
	return &Process{PID: pid, pageSize: pageSize, groupLen: groupLen}
}

// RegionOf returns the Region containing addr, if any.
func (p *Process) RegionOf(addr uintptr) (Region, bool) {
	for _, r := range p.Regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// PageGroup rounds addr down to the start of its fake-THP group, the key
// used throughout internal/perfmodel's PagePerfTable.
func (p *Process) PageGroup(addr uintptr) uintptr {
	groupBytes := p.pageSize * uintptr(p.groupLen)
	return (addr / groupBytes) * groupBytes
}

// Tracker maintains Process state for every monitored PID and answers
// page-location queries via move_pages(2) in "query" mode (no move, just
// reads back the current node for each address), which is cheaper than
// re-reading numa_maps on every router tick.
type Tracker struct {
	procPath string
	pageSize uintptr
	numNodes int
	groupLen int

	procs map[domain.PID]*Process
}

func New(procPath string, pageSize uintptr, numNodes, groupLen int) *Tracker {
	return &Tracker{
		procPath: procPath,
		pageSize: pageSize,
		numNodes: numNodes,
		groupLen: groupLen,
		procs:    map[domain.PID]*Process{},
	}
}

// Track starts following pid, reading its initial region list.
func (t *Tracker) Track(pid domain.PID) error {
	regions, err := ReadMaps(t.procPath, pid)
	if err != nil {
		return fmt.Errorf("reading maps for pid %d: %w", pid, err)
	}
	p := newProcessTracker(pid, t.pageSize, t.groupLen)
	p.Regions = regions
	t.procs[pid] = p
	return nil
}

func (t *Tracker) Untrack(pid domain.PID) {
	delete(t.procs, pid)
}

func (t *Tracker) Process(pid domain.PID) (*Process, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// RefreshRegions re-reads /proc/<pid>/maps, picking up newly mmap'd or
// munmap'd regions since the last tick.
func (t *Tracker) RefreshRegions(pid domain.PID) error {
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d not tracked", pid)
	}
	regions, err := ReadMaps(t.procPath, pid)
	if err != nil {
		return err
	}
	p.Regions = regions
	return nil
}

// RegionExists answers PagePerfTable.GC's predicate: whether addr still
// falls inside a known region of pid.
func (t *Tracker) RegionExists(pid domain.PID, addr uintptr) bool {
	p, ok := t.procs[pid]
	if !ok {
		return false
	}
	_, found := p.RegionOf(addr)
	return found
}

// QueryNodes looks up the current NUMA node backing each address in
// addrs for pid via move_pages(pid, count, pages, nil, status, 0): a nil
// target-nodes array puts the call in query-only mode, matching
// move_pages(2)'s documented "if nodes is NULL, ... status array...
// without moving" behavior.
func (t *Tracker) QueryNodes(pid domain.PID, addrs []uintptr) ([]domain.NodeID, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	count := len(addrs)
	pages := make([]unsafe.Pointer, count)
	for i, a := range addrs {
		pages[i] = unsafe.Pointer(a)
	}
	status := make([]int32, count)

	_, _, errno := unix.Syscall6(
		unix.SYS_MOVE_PAGES,
		uintptr(pid),
		uintptr(count),
		uintptr(unsafe.Pointer(&pages[0])),
		0, // nodes == NULL => query mode
		uintptr(unsafe.Pointer(&status[0])),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("move_pages query (pid=%d): %w", pid, errno)
	}

	nodes := make([]domain.NodeID, count)
	for i, s := range status {
		if s < 0 || int(s) >= t.numNodes {
			nodes[i] = 0
			continue
		}
		nodes[i] = domain.NodeID(s)
	}
	return nodes, nil
}

// MovePages migrates addrs belonging to pid onto dstNode via a real
// (non-query) move_pages(2) call.
func (t *Tracker) MovePages(pid domain.PID, addrs []uintptr, dstNode domain.NodeID) error {
	if len(addrs) == 0 {
		return nil
	}
	count := len(addrs)
	pages := make([]unsafe.Pointer, count)
	nodes := make([]int32, count)
	status := make([]int32, count)
	for i, a := range addrs {
		pages[i] = unsafe.Pointer(a)
		nodes[i] = int32(dstNode)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_MOVE_PAGES,
		uintptr(pid),
		uintptr(count),
		uintptr(unsafe.Pointer(&pages[0])),
		uintptr(unsafe.Pointer(&nodes[0])),
		uintptr(unsafe.Pointer(&status[0])),
		mpolMFMove,
	)
	if errno != 0 {
		return fmt.Errorf("move_pages migrate (pid=%d -> node=%d): %w", pid, dstNode, errno)
	}
	return nil
}

// VMStat is a snapshot of the node-aggregated counters this system reads
// out of /proc/vmstat on each tick (numa_hit/miss/foreign, pgmigrate_*).
type VMStat map[string]uint64

// ReadVMStat parses /proc/vmstat into a flat counter map.
func ReadVMStat(procPath string) (VMStat, error) {
	f, err := os.Open(procPath + "/vmstat")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat := VMStat{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		stat[fields[0]] = v
	}
	return stat, scanner.Err()
}

// IsHugePage inspects /proc/kpageflags for the page frame backing addr
// in pid's address space, via /proc/<pid>/pagemap, to decide whether it
// should be treated as a single oversized migration unit rather than
// folded into a PageGroupSize-page group.
func IsHugePage(procPath string, pid domain.PID, addr uintptr, pageSize uintptr) (bool, error) {
	pagemapPath := fmt.Sprintf("%s/%d/pagemap", procPath, pid)
	pm, err := os.Open(pagemapPath)
	if err != nil {
		return false, err
	}
	defer pm.Close()

	vpn := addr / pageSize
	if _, err := pm.Seek(int64(vpn*8), 0); err != nil {
		return false, err
	}
	var entry [8]byte
	if _, err := pm.Read(entry[:]); err != nil {
		return false, err
	}
	val := uint64(0)
	for i := 7; i >= 0; i-- {
		val = val<<8 | uint64(entry[i])
	}
	const presentBit = 1 << 63
	if val&presentBit == 0 {
		return false, nil
	}
	pfn := val & ((1 << 55) - 1)

	kpf, err := os.Open(procPath + "/kpageflags")
	if err != nil {
		return false, err
	}
	defer kpf.Close()
	if _, err := kpf.Seek(int64(pfn*8), 0); err != nil {
		return false, err
	}
	var flags [8]byte
	if _, err := kpf.Read(flags[:]); err != nil {
		return false, err
	}
	flagVal := uint64(0)
	for i := 7; i >= 0; i-- {
		flagVal = flagVal<<8 | uint64(flags[i])
	}
	const kpfCompoundHead = 1 << 15 // KPF_COMPOUND_HEAD, set on huge page heads
	return flagVal&kpfCompoundHead != 0, nil
}
