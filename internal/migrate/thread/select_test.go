package thread

import (
	"math/rand"
	"testing"

	"github.com/numaopt/agent/internal/domain"
	"github.com/numaopt/agent/internal/tickets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectMigrationEmptyCandidates(t *testing.T) {
	s := &State{Rand: rand.New(rand.NewSource(1))}
	_, ok := selectMigration(s, nil)
	assert.False(t, ok)
}

func TestSelectMigrationPicksDeterministicallyByDraw(t *testing.T) {
	low := Candidate{Move: domain.SimpleMove{TID: 1}, Tickets: tickets.New(1, 0)}
	high := Candidate{Move: domain.SimpleMove{TID: 2}, Tickets: tickets.New(9, 0)}

	// A zero draw always lands in the first cumulative bucket, which after
	// selectMigration's descending sort is the highest-value candidate.
	s := &State{Rand: rand.New(zeroSource{})}
	chosen, ok := selectMigration(s, []Candidate{low, high})
	require.True(t, ok)
	assert.Equal(t, domain.TID(2), chosen.Move.TID)
}

func TestSelectMigrationAllNonPositiveReturnsFirstSorted(t *testing.T) {
	a := Candidate{Move: domain.SimpleMove{TID: 1}, Tickets: tickets.New(-5, 0)}
	b := Candidate{Move: domain.SimpleMove{TID: 2}, Tickets: tickets.New(-1, 0)}
	s := &State{Rand: rand.New(rand.NewSource(1))}
	chosen, ok := selectMigration(s, []Candidate{a, b})
	require.True(t, ok)
	assert.Equal(t, domain.TID(2), chosen.Move.TID)
}

func TestMutateTicketDirectionFollowsDiffSign(t *testing.T) {
	s := &State{Rand: rand.New(rand.NewSource(1))}
	up := mutateTicket(s, 10, 0.5, 1)
	assert.Greater(t, up, 10.0)

	s2 := &State{Rand: rand.New(rand.NewSource(1))}
	down := mutateTicket(s2, 10, 0.5, -1)
	assert.Less(t, down, 10.0)

	s3 := &State{Rand: rand.New(rand.NewSource(1))}
	same := mutateTicket(s3, 10, 0.5, 0)
	assert.Equal(t, 10.0, same)
}

func TestMutateTicketsOnlyTouchesMaskedFields(t *testing.T) {
	s := &State{Rand: rand.New(rand.NewSource(1)), Tickets: tickets.Default()}
	before := s.Tickets
	mutateTickets(s, tickets.MaskFreeCore, 0.5, 1)

	assert.NotEqual(t, before.FreeCore, s.Tickets.FreeCore)
	assert.Equal(t, before.PrefNode, s.Tickets.PrefNode)
	assert.Equal(t, before.MemCellWorse, s.Tickets.MemCellWorse)
}

// zeroSource is a rand.Source that always returns 0, forcing Float64() to 0.
type zeroSource struct{}

func (zeroSource) Int63() int64  { return 0 }
func (zeroSource) Seed(int64)    {}
