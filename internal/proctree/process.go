// Package proctree maintains a live tree of PIDs/TIDs read from /proc,
// rooted at a launched child process.
//
// Grounded on original_source/src/processes/{process,process_tree}.hpp for
// the update procedure (walk the "children" pseudo-file, re-read
// /proc/<pid>/stat, LWP detection) and on pkg/procutils's cached
// boot-time/USER_HZ/page-size reads (adapted here for the Δutime/Δstime
// CPU-use formula spec §4.2 specifies).
package proctree

import (
	"github.com/numaopt/agent/internal/domain"
)

// NoPin marks a Process as not currently pinned to any CPU/node.
const NoPin = -1

// Process is one observed PID/TID. Parent and child references are
// non-owning PIDs looked up through the owning Tree (arena-by-id, per
// spec §9's design note), valid only for the Tree's lifetime.
type Process struct {
	PID      domain.PID
	PPID     domain.PID
	Cmdline  string
	State    byte
	Priority int

	LastCPU    domain.CPUID
	PinnedCPU  domain.CPUID
	PinnedNode domain.NodeID

	CPUUse       float64
	IsLWP        bool
	IsMigratable bool

	children map[domain.PID]struct{}

	prevUtime uint64
	prevStime uint64
}

func newProcess(pid, ppid domain.PID) *Process {
	return &Process{
		PID:          pid,
		PPID:         ppid,
		PinnedCPU:    NoPin,
		PinnedNode:   NoPin,
		IsMigratable: true,
		children:     map[domain.PID]struct{}{},
	}
}

func (p *Process) Children() []domain.PID {
	out := make([]domain.PID, 0, len(p.children))
	for c := range p.children {
		out = append(out, c)
	}
	return out
}

func (p *Process) Pinned() bool { return p.PinnedCPU != NoPin }
