package thread

import (
	"github.com/numaopt/agent/internal/domain"
)

// LBMA is the lottery-based migration algorithm: each tick it samples up
// to MaxThreadMigrations random migratable TIDs, scores every foreign CPU
// each could move to (plus, for occupied CPUs, the best candidate to swap
// with), and runs the weighted lottery over the resulting candidates.
// Grounded on thread_strats/lbma.hpp.
type LBMA struct {
	migrated map[domain.TID]bool
}

func NewLBMA() *LBMA { return &LBMA{migrated: map[domain.TID]bool{}} }

func (l *LBMA) Plan(s *State) []domain.ThreadMigration {
	l.migrated = map[domain.TID]bool{}

	candidates := pickRandomCandidates(s, s.MaxThreadMigrations)
	var migrations []domain.ThreadMigration

	for _, tid := range candidates {
		if l.migrated[tid] {
			continue
		}
		opts := l.candidatesFor(s, tid)
		if len(opts) == 0 {
			continue
		}
		chosen, ok := selectMigration(s, opts)
		if !ok {
			continue
		}
		mig := toThreadMigration(chosen)
		for _, t := range mig.TIDs() {
			l.migrated[t] = true
		}
		migrations = append(migrations, mig)
	}

	return migrations
}

// candidatesFor builds every CPU-level candidate for tid: a free-core move
// scored by ticketsCPU, or, on an occupied CPU, an interchange with the
// best swap partner found there.
func (l *LBMA) candidatesFor(s *State, tid domain.TID) []Candidate {
	srcCPU, ok := s.PinnedCPU[tid]
	if !ok {
		return nil
	}
	srcNode := s.nodeOfCPU(srcCPU)
	pid := s.PIDOf[tid]
	currPerf := s.Threads.Performance(tid)

	var out []Candidate
	for _, dstNode := range s.Topo.ByDistance(srcNode) {
		if dstNode == srcNode {
			continue
		}
		for _, dstCPU := range s.cpusOfNode(dstNode) {
			t := ticketsCPU(s, tid, srcCPU, dstCPU)
			move := domain.SimpleMove{TID: tid, PID: pid, SrcCPU: srcCPU, DstCPU: dstCPU, PrevPerf: currPerf}

			if s.CPUFree[dstCPU] {
				out = append(out, Candidate{Move: move, Tickets: t})
				continue
			}

			swapTID, swapTickets, found := bestSwapCandidate(s, srcCPU, dstCPU, l.migrated)
			if !found {
				continue
			}
			swapPID := s.PIDOf[swapTID]
			swapPerf := s.Threads.Performance(swapTID)
			swap := domain.SimpleMove{TID: swapTID, PID: swapPID, SrcCPU: dstCPU, DstCPU: srcCPU, PrevPerf: swapPerf}
			out = append(out, Candidate{Move: move, Swap: &swap, Tickets: t.Add(swapTickets)})
		}
	}
	return out
}

// pickRandomCandidates draws up to n distinct migratable, non-idle TIDs
// from s at random, mirroring perform_migration_algorithm's sampling of
// perf_table rather than always acting on the globally worst threads.
func pickRandomCandidates(s *State, n int) []domain.TID {
	var pool []domain.TID
	for tid := range s.PinnedCPU {
		if s.Migratable[tid] && !s.Idle[tid] {
			pool = append(pool, tid)
		}
	}
	if n <= 0 || n > len(pool) {
		n = len(pool)
	}
	s.Rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n]
}

func toThreadMigration(c Candidate) domain.ThreadMigration {
	moves := []domain.SimpleMove{c.Move}
	kind := domain.MigrationSimple
	if c.Swap != nil {
		moves = append(moves, *c.Swap)
		kind = domain.MigrationInterchange
	}
	return domain.ThreadMigration{
		Kind:   kind,
		Moves:  moves,
		Ticket: c.Tickets.Value,
		Mask:   uint8(c.Tickets.Mask),
	}
}
