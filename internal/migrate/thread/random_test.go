package thread

import (
	"math/rand"
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/perfmodel"
	"github.com/numaopt/agent/internal/tickets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomMovesExactlyOneCandidateWithMatchingSrcCPU(t *testing.T) {
	topo := twoNodeTopology(t)
	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())

	pinned := map[domain.TID]domain.CPUID{1: 0, 2: 1, 3: 2, 4: 3}
	s := &State{
		Topo:                topo,
		Threads:             threads,
		Tickets:             tickets.Default(),
		MaxThreadMigrations: 1,
		PinnedCPU:           pinned,
		Migratable:          map[domain.TID]bool{1: true, 2: true, 3: true, 4: true},
		Idle:                map[domain.TID]bool{1: false, 2: false, 3: false, 4: false},
		PIDOf:               map[domain.TID]domain.PID{1: 1, 2: 1, 3: 1, 4: 1},
		CPUFree:             map[domain.CPUID]bool{0: false, 1: true, 2: true, 3: true},
		Rand:                rand.New(rand.NewSource(7)),
	}

	migrations := NewRandom().Plan(s)
	require.Len(t, migrations, 1)
	mv := migrations[0].Moves[0]
	assert.Equal(t, pinned[mv.TID], mv.SrcCPU)
	if migrations[0].Kind == domain.MigrationInterchange {
		assert.Len(t, migrations[0].Moves, 2)
	}
}

func TestRandomSwapsWhenEveryCPUIsOccupied(t *testing.T) {
	topo := twoNodeTopology(t)
	threads := perfmodel.NewThreadPerfTable(topo.NumNodes())

	pinned := map[domain.TID]domain.CPUID{1: 0, 2: 1, 3: 2, 4: 3}
	s := &State{
		Topo:                topo,
		Threads:             threads,
		Tickets:             tickets.Default(),
		MaxThreadMigrations: 1,
		PinnedCPU:           pinned,
		Migratable:          map[domain.TID]bool{1: true, 2: true, 3: true, 4: true},
		Idle:                map[domain.TID]bool{1: false, 2: false, 3: false, 4: false},
		PIDOf:               map[domain.TID]domain.PID{1: 1, 2: 1, 3: 1, 4: 1},
		CPUFree:             map[domain.CPUID]bool{0: false, 1: false, 2: false, 3: false},
		Rand:                rand.New(rand.NewSource(7)),
	}

	migrations := NewRandom().Plan(s)
	require.Len(t, migrations, 1)
	// every CPU is occupied, so whichever candidate is drawn must either
	// be rejected (no migratable occupant left to swap with) or resolved
	// as an interchange — never a plain free-core move.
	assert.NotEqual(t, domain.MigrationSimple, migrations[0].Kind)
}

func TestRandomSkipsTIDsWithNoPinnedCPU(t *testing.T) {
	topo := twoNodeTopology(t)
	s := &State{
		Topo:                topo,
		Threads:             perfmodel.NewThreadPerfTable(topo.NumNodes()),
		Tickets:             tickets.Default(),
		MaxThreadMigrations: 1,
		PinnedCPU:           map[domain.TID]domain.CPUID{},
		Migratable:          map[domain.TID]bool{},
		Idle:                map[domain.TID]bool{},
		PIDOf:               map[domain.TID]domain.PID{},
		CPUFree:             map[domain.CPUID]bool{},
		Rand:                rand.New(rand.NewSource(1)),
	}
	assert.Empty(t, NewRandom().Plan(s))
}
