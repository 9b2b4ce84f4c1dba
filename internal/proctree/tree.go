package proctree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/pkg/errors"
	"github.com/numaopt/agent/pkg/procutils"
	"golang.org/x/sys/unix"
)

// PinTarget is either a single CPU (Kind=PinCPU) or an entire node
// (Kind=PinNode), per spec §4.9's two granularities of migration.
type PinTarget struct {
	Kind PinKind
	CPU  domain.CPUID
	Node domain.NodeID
}

type PinKind int

const (
	PinCPU PinKind = iota
	PinNode
)

// cpusOf resolves a PinTarget to the set of CPUs sched_setaffinity should
// be restricted to.
type cpusOf func(domain.NodeID) []domain.CPUID

// Tree tracks every PID/TID descending from a root process, re-read from
// /proc on each Update call. Grounded on
// original_source/src/processes/process_tree.hpp's update loop: walk the
// "children" pseudo-file from the root down, re-stat every known PID,
// drop anything that vanished.
type Tree struct {
	procPath string
	root     domain.PID
	procs    map[domain.PID]*Process
	nodeCPUs cpusOf

	userHZ    int64
	pageSize  int64
	numCPUs   int
	prevTotal uint64

	utils *procutils.ProcUtils
}

// New builds a Tree rooted at rootPID. nodeCPUs resolves a NodeID to its
// member CPUs, used by Pin when the target is node-granularity.
func New(procPath string, rootPID domain.PID, numCPUs int, nodeCPUs cpusOf) *Tree {
	return &Tree{
		procPath: procPath,
		root:     rootPID,
		procs:    map[domain.PID]*Process{},
		nodeCPUs: nodeCPUs,
		numCPUs:  numCPUs,
		utils:    procutils.New(procPath),
	}
}

// Start verifies the root PID exists and performs the first Update.
func (t *Tree) Start() error {
	if _, err := os.Stat(t.statPath(t.root)); err != nil {
		return errors.NewFatal(fmt.Sprintf("root pid %d not found under %s: %v", t.root, t.procPath, err))
	}
	hz, err := t.utils.GetUserHZ()
	if err != nil {
		return errors.NewFatal(fmt.Sprintf("reading USER_HZ: %v", err))
	}
	t.userHZ = hz
	ps, err := t.utils.GetPageSize()
	if err != nil {
		return errors.NewFatal(fmt.Sprintf("reading page size: %v", err))
	}
	t.pageSize = ps

	t.procs[t.root] = newProcess(t.root, 0)
	_, _, err = t.Update()
	return err
}

// PageSize returns the system page size cached at Start.
func (t *Tree) PageSize() int64 { return t.pageSize }

func (t *Tree) statPath(pid domain.PID) string {
	return filepath.Join(t.procPath, strconv.Itoa(int(pid)), "stat")
}

// Update re-discovers descendants via each known PID's children
// pseudo-file, re-reads /proc/<pid>/stat for everything still present,
// and drops anything that disappeared. Returns the PIDs that vanished
// and whether the live set changed at all.
func (t *Tree) Update() (disappeared []domain.PID, changed bool, err error) {
	discovered := map[domain.PID]struct{}{t.root: {}}
	t.discoverChildren(t.root, discovered)

	totalCPU, terr := t.readTotalCPUTime()
	if terr != nil {
		return nil, false, terr
	}
	deltaTotal := totalCPU - t.prevTotal
	if t.prevTotal == 0 {
		deltaTotal = 0
	}
	t.prevTotal = totalCPU

	for pid := range discovered {
		proc, known := t.procs[pid]
		if !known {
			proc = newProcess(pid, 0)
			t.procs[pid] = proc
			changed = true
		}
		if err := t.refresh(proc, deltaTotal); err != nil {
			delete(discovered, pid)
		}
	}

	for pid, proc := range t.procs {
		if _, ok := discovered[pid]; !ok {
			disappeared = append(disappeared, pid)
			changed = true
			if parent, ok := t.procs[proc.PPID]; ok {
				delete(parent.children, pid)
			}
			delete(t.procs, pid)
		}
	}

	for pid, proc := range t.procs {
		if parent, ok := t.procs[proc.PPID]; ok && pid != t.root {
			parent.children[pid] = struct{}{}
		}
	}

	t.tagLWPs()
	return disappeared, changed, nil
}

// discoverChildren walks /proc/<pid>/task/*/children recursively, per
// process_tree.hpp's descent: every thread of every tracked process may
// have spawned children, so every task directory is a fan-out point.
func (t *Tree) discoverChildren(pid domain.PID, seen map[domain.PID]struct{}) {
	taskDir := filepath.Join(t.procPath, strconv.Itoa(int(pid)), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		childrenPath := filepath.Join(taskDir, e.Name(), "children")
		data, err := os.ReadFile(childrenPath)
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			cpid, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			child := domain.PID(cpid)
			if _, already := seen[child]; already {
				continue
			}
			seen[child] = struct{}{}
			t.discoverChildren(child, seen)
		}
	}
}

// refresh re-reads /proc/<pid>/stat and /proc/<pid>/cmdline into proc,
// updating the CPU-use estimate per spec §4.2:
// (Δutime+Δstime) / (Δtotal_cpu_time / N_CPUS), with any ratio above 1
// divided by the process's thread count to attribute parent aggregates
// (a multi-threaded process's utime+stime legitimately sums past one
// CPU's worth of jiffies).
func (t *Tree) refresh(proc *Process, deltaTotal uint64) error {
	data, err := os.ReadFile(t.statPath(proc.PID))
	if err != nil {
		return err
	}
	fields, ppid, state, priority, utime, stime, numThreads, ok := parseStat(string(data))
	if !ok {
		return fmt.Errorf("malformed stat for pid %d", proc.PID)
	}
	_ = fields
	proc.PPID = domain.PID(ppid)
	proc.State = state
	proc.Priority = priority

	if proc.prevUtime != 0 || proc.prevStime != 0 {
		deltaProc := (utime - proc.prevUtime) + (stime - proc.prevStime)
		if deltaTotal > 0 {
			use := float64(deltaProc) / (float64(deltaTotal) / float64(t.numCPUs))
			if use > 1 && numThreads > 0 {
				use /= float64(numThreads)
			}
			proc.CPUUse = use
		}
	}
	proc.prevUtime = utime
	proc.prevStime = stime

	cmdline, _ := os.ReadFile(filepath.Join(t.procPath, strconv.Itoa(int(proc.PID)), "cmdline"))
	proc.Cmdline = strings.ReplaceAll(strings.TrimRight(string(cmdline), "\x00"), "\x00", " ")

	return nil
}

// tagLWPs marks a process as a lightweight thread, per process.hpp, when
// its cmdline is empty or identical to its parent's — a kernel thread or
// a clone()'d thread sharing the parent's address space rather than a
// distinct exec'd program.
func (t *Tree) tagLWPs() {
	for pid, proc := range t.procs {
		if pid == t.root {
			proc.IsLWP = false
			continue
		}
		parent, ok := t.procs[proc.PPID]
		proc.IsLWP = proc.Cmdline == "" || (ok && proc.Cmdline == parent.Cmdline)
	}
}

// readTotalCPUTime sums user+nice+system+idle... jiffies from the first
// line of /proc/stat, used as the Δtotal_cpu_time denominator.
func (t *Tree) readTotalCPUTime() (uint64, error) {
	f, err := os.Open(filepath.Join(t.procPath, "stat"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 2 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}
	var total uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// Children returns the direct children of pid, empty if pid is unknown
// or a leaf.
func (t *Tree) Children(pid domain.PID) []domain.PID {
	proc, ok := t.procs[pid]
	if !ok {
		return nil
	}
	return proc.Children()
}

// IsAlive reports whether pid is still tracked.
func (t *Tree) IsAlive(pid domain.PID) bool {
	_, ok := t.procs[pid]
	return ok
}

// Get returns the tracked Process for pid.
func (t *Tree) Get(pid domain.PID) (*Process, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// TIDs returns every tracked PID/TID, LWPs included.
func (t *Tree) TIDs() []domain.PID {
	out := make([]domain.PID, 0, len(t.procs))
	for pid := range t.procs {
		out = append(out, pid)
	}
	return out
}

// Pin restricts pid to the CPU set implied by target via
// sched_setaffinity, recording the pin so later balance/migration passes
// know where it is placed.
func (t *Tree) Pin(pid domain.PID, target PinTarget) error {
	proc, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d not tracked", pid)
	}

	var cpus []domain.CPUID
	switch target.Kind {
	case PinCPU:
		cpus = []domain.CPUID{target.CPU}
	case PinNode:
		cpus = t.nodeCPUs(target.Node)
	}
	if len(cpus) == 0 {
		return fmt.Errorf("pin target resolves to no CPUs")
	}

	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(int(c))
	}
	if err := unix.SchedSetaffinity(int(pid), &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d): %w", pid, err)
	}

	if target.Kind == PinCPU {
		proc.PinnedCPU = target.CPU
	} else {
		proc.PinnedNode = target.Node
		proc.PinnedCPU = NoPin
	}
	return nil
}

// Unpin restores pid to run on any CPU (full-width affinity mask).
func (t *Tree) Unpin(pid domain.PID) error {
	proc, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d not tracked", pid)
	}
	var set unix.CPUSet
	set.Zero()
	for c := 0; c < t.numCPUs; c++ {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(int(pid), &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d): %w", pid, err)
	}
	proc.PinnedCPU = NoPin
	proc.PinnedNode = NoPin
	return nil
}

// parseStat extracts the fields this package needs from a raw
// /proc/<pid>/stat line. The comm field is skipped over rather than
// parsed since it may itself contain spaces or parentheses; fields are
// counted from the last ')' instead of split naively on whitespace.
func parseStat(raw string) (fields []string, ppid int, state byte, priority int, utime, stime uint64, numThreads int, ok bool) {
	end := strings.LastIndexByte(raw, ')')
	if end < 0 || end+2 >= len(raw) {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	rest := strings.Fields(raw[end+2:])
	// rest[0]=state rest[1]=ppid ... rest[11]=utime rest[12]=stime
	// rest[15]=priority rest[17]=num_threads
	if len(rest) < 18 {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	state = rest[0][0]
	ppidVal, err := strconv.Atoi(rest[1])
	if err != nil {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	utimeVal, err := strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	stimeVal, err := strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	prioVal, err := strconv.Atoi(rest[15])
	if err != nil {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	threadsVal, err := strconv.Atoi(rest[17])
	if err != nil {
		return nil, 0, 0, 0, 0, 0, 0, false
	}
	return rest, ppidVal, state, prioVal, utimeVal, stimeVal, threadsVal, true
}
