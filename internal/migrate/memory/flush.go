package memory

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/numaopt/agent/internal/domain"
)

// Flush groups migrations by PID and issues one move_pages(2) call per
// PID concurrently, mirroring Istrategy::gather_and_perform_migrations'
// per-PID batching (the original calls move_pages once per PID too,
// just sequentially; fanning the PIDs out over errgroup keeps a
// many-process workload from serializing on syscall latency). Returns
// the number of pages successfully migrated.
func Flush(ctx context.Context, s *State, migrations []domain.MemoryMigration) (int, error) {
	byPID := map[domain.PID][]domain.MemoryMigration{}
	for _, m := range migrations {
		byPID[m.PID] = append(byPID[m.PID], m)
	}

	var migrated int64
	g, _ := errgroup.WithContext(ctx)
	for pid, ms := range byPID {
		pid, ms := pid, ms
		g.Go(func() error {
			for _, m := range ms {
				if err := s.Tracker.MovePages(pid, m.Pages, m.DstNode); err != nil {
					continue
				}
				atomic.AddInt64(&migrated, int64(len(m.Pages)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(atomic.LoadInt64(&migrated)), err
	}
	return int(atomic.LoadInt64(&migrated)), nil
}
