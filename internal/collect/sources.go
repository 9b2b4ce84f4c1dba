package collect

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/memmap"
	"github.com/numaopt/agent/internal/proctree"
	"github.com/numaopt/agent/internal/topology"
)

// TopologySource discovers the NUMA node/CPU layout once at startup.
type TopologySource struct {
	Base
	sysPath string
}

func NewTopologySource(sysPath string, logger logr.Logger) *TopologySource {
	return &TopologySource{Base: NewBase(KindTopology, "topology", logger), sysPath: sysPath}
}

func (s *TopologySource) Collect(ctx context.Context) (any, error) {
	return topology.Discover(s.sysPath)
}

// ProcTreeUpdate is what ProcTreeSource.Collect returns each tick.
type ProcTreeUpdate struct {
	Disappeared []domain.PID
	Changed     bool
}

// ProcTreeSource re-walks /proc for the tracked process tree once per
// call, wrapping proctree.Tree.Update as a PointSource so it can be
// driven by a TickingSource on the same cadence as the control loop, or
// called directly from it.
type ProcTreeSource struct {
	Base
	tree *proctree.Tree
}

func NewProcTreeSource(tree *proctree.Tree, logger logr.Logger) *ProcTreeSource {
	return &ProcTreeSource{Base: NewBase(KindProcTree, "proctree", logger), tree: tree}
}

func (s *ProcTreeSource) Collect(ctx context.Context) (any, error) {
	disappeared, changed, err := s.tree.Update()
	if err != nil {
		return nil, err
	}
	return ProcTreeUpdate{Disappeared: disappeared, Changed: changed}, nil
}

// RegionRefreshSource re-reads a tracked process's /proc/<pid>/maps,
// wrapping memmap.Tracker.RefreshRegions.
type RegionRefreshSource struct {
	Base
	tracker *memmap.Tracker
	pid     domain.PID
}

func NewRegionRefreshSource(tracker *memmap.Tracker, pid domain.PID, logger logr.Logger) *RegionRefreshSource {
	return &RegionRefreshSource{Base: NewBase(KindRegions, "regions", logger), tracker: tracker, pid: pid}
}

func (s *RegionRefreshSource) Collect(ctx context.Context) (any, error) {
	return nil, s.tracker.RefreshRegions(s.pid)
}
