// Package tally sums point allocations and ranks candidate ideas.
//
// Rank is pure and deterministic: equal totals keep the order in which
// candidates were passed, so callers that pass candidates in submission order
// get earliest-submitted-wins tie-breaking.
package tally

import (
	"sort"

	"github.com/google/uuid"
)

// Allocation is one voter's points for one idea.
type Allocation struct {
	IdeaID uuid.UUID
	Points int
}

// Total is an idea's summed points and the number of voters who gave it
// more than zero points.
type Total struct {
	IdeaID uuid.UUID
	Points int
	Voters int
}

// Rank sums allocations per candidate and returns every candidate, highest
// total first. Allocations for ideas outside candidates are ignored.
func Rank(candidates []uuid.UUID, votes []Allocation) []Total {
	idx := make(map[uuid.UUID]int, len(candidates))
	out := make([]Total, len(candidates))
	for i, id := range candidates {
		idx[id] = i
		out[i] = Total{IdeaID: id}
	}
	for _, v := range votes {
		i, ok := idx[v.IdeaID]
		if !ok {
			continue
		}
		out[i].Points += v.Points
		if v.Points > 0 {
			out[i].Voters++
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Points > out[b].Points })
	return out
}

// Winner returns the top entry of a ranking when any points were cast.
func Winner(ranked []Total) (Total, bool) {
	if len(ranked) == 0 || ranked[0].Points == 0 {
		return Total{}, false
	}
	return ranked[0], true
}

// Sum returns the total points across a ranking.
func Sum(ranked []Total) int {
	n := 0
	for _, t := range ranked {
		n += t.Points
	}
	return n
}

// Map returns totals keyed by idea id.
func Map(ranked []Total) map[uuid.UUID]int {
	m := make(map[uuid.UUID]int, len(ranked))
	for _, t := range ranked {
		m[t.IdeaID] = t.Points
	}
	return m
}
