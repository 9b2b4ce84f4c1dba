// Package thread implements the thread-migration strategies of spec §4.9:
// ticket-weighted candidate scoring shared by every strategy, plus LBMA,
// CIMAR, NIMAR, IMAR², Random and a simulated-annealing node-placement
// search. Grounded on
// original_source/src/migration/strategies/{thread_strategy.hpp,
// thread_strats/*}.
package thread

import (
	"math/rand"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/tickets"
	"github.com/numaopt/agent/internal/topology"
)

// State is the read-only view every strategy plans against: the current
// topology, live thread performance table, and a snapshot of which CPU
// each TID currently runs on.
type State struct {
	Topo    *topology.Topology
	Threads *perfmodel.ThreadPerfTable
	Tickets tickets.Config

	// MaxThreadMigrations caps how many candidate TIDs a per-tick strategy
	// considers (spec's max_thread_migrations CLI flag).
	MaxThreadMigrations int

	PinnedCPU  map[domain.TID]domain.CPUID
	Migratable map[domain.TID]bool
	Idle       map[domain.TID]bool
	PIDOf      map[domain.TID]domain.PID

	CPUFree map[domain.CPUID]bool // no non-idle TID currently pinned there

	Rand *rand.Rand
}

func (s *State) cpusOfNode(n domain.NodeID) []domain.CPUID { return s.Topo.CPUsOf(n) }

func (s *State) nodeOfCPU(c domain.CPUID) domain.NodeID {
	n, _ := s.Topo.NodeOf(c)
	return n
}

func (s *State) nodeFreeCPU(n domain.NodeID) bool {
	for _, c := range s.cpusOfNode(n) {
		if s.CPUFree[c] {
			return true
		}
	}
	return false
}

// TIDsOnCPU returns every tracked TID currently pinned to cpu.
func (s *State) TIDsOnCPU(cpu domain.CPUID) []domain.TID {
	var out []domain.TID
	for tid, c := range s.PinnedCPU {
		if c == cpu {
			out = append(out, tid)
		}
	}
	return out
}

// TIDsOnNode returns every tracked TID currently pinned to a CPU of node.
func (s *State) TIDsOnNode(node domain.NodeID) []domain.TID {
	var out []domain.TID
	for _, cpu := range s.cpusOfNode(node) {
		out = append(out, s.TIDsOnCPU(cpu)...)
	}
	return out
}

// Strategy plans a batch of thread migrations against the current State.
type Strategy interface {
	Plan(s *State) []domain.ThreadMigration
}
