package mcp

import (
	"fmt"
	"strings"

	"github.com/unitychant/chant/internal/model"
)

const maxCompactText = 200

// compactIdea returns the fields of an idea an agent needs to vote on it.
// Drops seq, deliberation_id and created_at.
func compactIdea(i model.Idea) map[string]any {
	m := map[string]any{
		"id":     i.ID,
		"text":   truncate(i.Text, maxCompactText),
		"status": i.Status,
		"tier":   i.Tier,
	}
	if i.TotalVotes > 0 {
		m["total_xp"] = i.TotalXP
		m["total_votes"] = i.TotalVotes
	}
	return m
}

// compactSeat summarizes a join result for the participant holding the seat.
func compactSeat(seat model.JoinResponse, budget int) map[string]any {
	ideas := make([]map[string]any, len(seat.Ideas))
	for i, idea := range seat.Ideas {
		ideas[i] = compactIdea(idea)
	}
	m := map[string]any{
		"cell_id":      seat.CellID,
		"tier":         seat.Tier,
		"kind":         seat.Kind,
		"status":       seat.Status,
		"seats_filled": seat.SeatsFilled,
		"capacity":     seat.Capacity,
		"vote_budget":  budget,
		"ideas":        ideas,
	}
	if seat.Resumed {
		m["resumed"] = true
	}
	return m
}

// compactStatus returns a status report without per-cell detail: open cells
// are counted per tier and only the champion's text is included.
func compactStatus(st model.Status) map[string]any {
	d := st.Deliberation
	m := map[string]any{
		"deliberation_id": d.ID,
		"question":        truncate(d.Question, maxCompactText),
		"phase":           d.Phase,
		"current_tier":    d.CurrentTier,
		"cell_size":       d.CellSize,
		"vote_budget":     d.VoteBudget,
		"idea_counts":     st.IdeaCounts,
	}
	if d.ContinuousFlow {
		m["continuous_flow"] = true
	}

	open := map[int]int{}
	seats := 0
	for _, c := range st.Cells {
		if c.Status == model.CellCompleted {
			continue
		}
		open[c.Tier]++
		seats += c.Capacity - c.SeatsFilled
	}
	if len(open) > 0 {
		m["open_cells_by_tier"] = open
		m["open_seats"] = seats
	}
	if len(st.Pools) > 0 {
		m["pools"] = st.Pools
	}
	if st.Champion != nil {
		m["champion"] = compactIdea(*st.Champion)
	}
	m["summary"] = statusSummary(st)
	return m
}

// statusSummary is a one or two sentence description of where a
// deliberation stands.
func statusSummary(st model.Status) string {
	d := st.Deliberation
	var parts []string
	switch d.Phase {
	case model.PhaseSubmission:
		parts = append(parts, fmt.Sprintf("Collecting ideas (%d submitted).", st.IdeaCounts[model.IdeaSubmitted]))
	case model.PhaseVoting, model.PhaseAccumulating:
		parts = append(parts, fmt.Sprintf("Voting at tier %d.", d.CurrentTier))
		if d.Phase == model.PhaseAccumulating {
			parts = append(parts, "Submissions are closed; remaining winners are being drained toward the final showdown.")
		}
	case model.PhaseCompleted:
		if st.Champion != nil {
			parts = append(parts, fmt.Sprintf("Completed. Champion: %q.", truncate(st.Champion.Text, 100)))
		} else {
			parts = append(parts, "Completed.")
		}
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
