package tally_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/internal/tally"
)

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestRank_SingleVoter(t *testing.T) {
	c := ids(3)
	ranked := tally.Rank(c, []tally.Allocation{
		{IdeaID: c[0], Points: 7},
		{IdeaID: c[1], Points: 2},
		{IdeaID: c[2], Points: 1},
	})
	require.Len(t, ranked, 3)
	assert.Equal(t, c[0], ranked[0].IdeaID)
	assert.Equal(t, 7, ranked[0].Points)
	assert.Equal(t, c[1], ranked[1].IdeaID)
	assert.Equal(t, c[2], ranked[2].IdeaID)

	w, ok := tally.Winner(ranked)
	require.True(t, ok)
	assert.Equal(t, c[0], w.IdeaID)
	assert.Equal(t, 10, tally.Sum(ranked))
}

func TestRank_CrossCellBatch(t *testing.T) {
	// Two cells sharing one idea set: A wins the first cell 7-3, B wins the
	// second 8-2. The batch sum is B=11, A=9.
	c := ids(2)
	a, b := c[0], c[1]
	votes := []tally.Allocation{
		{IdeaID: a, Points: 7}, {IdeaID: b, Points: 3},
		{IdeaID: a, Points: 2}, {IdeaID: b, Points: 8},
	}
	ranked := tally.Rank(c, votes)
	w, ok := tally.Winner(ranked)
	require.True(t, ok)
	assert.Equal(t, b, w.IdeaID)
	assert.Equal(t, 11, w.Points)
	assert.Equal(t, 9, tally.Map(ranked)[a])
}

func TestRank_TieGoesToEarliestCandidate(t *testing.T) {
	c := ids(3)
	ranked := tally.Rank(c, []tally.Allocation{
		{IdeaID: c[2], Points: 5},
		{IdeaID: c[1], Points: 5},
	})
	assert.Equal(t, c[1], ranked[0].IdeaID)
	assert.Equal(t, c[2], ranked[1].IdeaID)
	assert.Equal(t, c[0], ranked[2].IdeaID)
}

func TestRank_NoVotes(t *testing.T) {
	c := ids(4)
	ranked := tally.Rank(c, nil)
	require.Len(t, ranked, 4)
	for i, r := range ranked {
		assert.Equal(t, c[i], r.IdeaID)
		assert.Zero(t, r.Points)
	}
	_, ok := tally.Winner(ranked)
	assert.False(t, ok)
}

func TestRank_IgnoresUnknownIdeas(t *testing.T) {
	c := ids(2)
	ranked := tally.Rank(c, []tally.Allocation{
		{IdeaID: uuid.New(), Points: 10},
		{IdeaID: c[1], Points: 4},
	})
	assert.Equal(t, c[1], ranked[0].IdeaID)
	assert.Equal(t, 4, tally.Sum(ranked))
}

func TestRank_CountsVoters(t *testing.T) {
	c := ids(2)
	ranked := tally.Rank(c, []tally.Allocation{
		{IdeaID: c[0], Points: 10}, {IdeaID: c[1], Points: 0},
		{IdeaID: c[0], Points: 6}, {IdeaID: c[1], Points: 4},
	})
	assert.Equal(t, 2, ranked[0].Voters)
	assert.Equal(t, 1, ranked[1].Voters)
}

func TestRank_Deterministic(t *testing.T) {
	c := ids(5)
	votes := []tally.Allocation{
		{IdeaID: c[3], Points: 4}, {IdeaID: c[1], Points: 4}, {IdeaID: c[4], Points: 2},
	}
	first := tally.Rank(c, votes)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, tally.Rank(c, votes))
	}
}
