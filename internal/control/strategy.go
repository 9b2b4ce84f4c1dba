package control

import (
	"github.com/numaopt/agent/internal/config"
	"github.com/numaopt/agent/internal/migrate/memory"
	"github.com/numaopt/agent/internal/migrate/thread"
)

// newThreadStrategy builds the concrete thread.Strategy named by name.
// NIMAR is CIMAR generalized to node granularity (thread.NewNIMAR); IMAR2
// is NIMAR plus per-migration rollback and ticket mutation
// (thread.NewIMAR2). The pack carries no separate nimar.hpp/imar2.hpp —
// CIMAR's EVOLVE_TICKETS compile-time flag and the node/CPU granularity
// split are exactly what the spec's NIMAR/IMAR2 choices turn on (see
// DESIGN.md). For NIMAR, IMAR2 and the fallback default the returned
// *thread.CIMAR is the concrete value behind the Strategy, so the control
// loop can call MutateAfter and check Rollback once per tick; every other
// choice, plain CIMAR included, returns nil for it.
func newThreadStrategy(name config.ThreadStrategy) (thread.Strategy, *thread.CIMAR) {
	switch name {
	case config.ThreadLBMA:
		return thread.NewLBMA(), nil
	case config.ThreadCIMAR:
		return thread.NewCIMAR(false), nil
	case config.ThreadNIMAR:
		c := thread.NewNIMAR()
		return c, c
	case config.ThreadIMAR2:
		c := thread.NewIMAR2()
		return c, c
	case config.ThreadRandom:
		return thread.NewRandom(), nil
	case config.ThreadRM3D:
		return thread.NewRM3D(), nil
	case config.ThreadAnneal:
		return thread.NewAnnealingNode(), nil
	default:
		c := thread.NewNIMAR()
		return c, c
	}
}

func newMemoryStrategy(name config.MemoryStrategy) memory.Strategy {
	switch name {
	case config.MemoryTMMA:
		return memory.NewTMMA()
	case config.MemoryRMMA:
		return memory.NewRMMA()
	case config.MemoryLMMA:
		return memory.NewLMMA()
	default:
		return memory.NewLMMA()
	}
}
