package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// participate: walks an agent through one voting round.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("participate",
			mcplib.WithPromptDescription("Join a deliberation's voting round and cast a considered vote"),
			mcplib.WithArgument("deliberation_id",
				mcplib.ArgumentDescription("The deliberation to take part in"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleParticipatePrompt,
	)

	// agent-setup: system prompt snippet describing how chant works.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining chant's cells, tiers and point-budget voting"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleParticipatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["deliberation_id"]
	if id == "" {
		return nil, fmt.Errorf("deliberation_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Take part in deliberation %s", id),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Take part in deliberation %[1]s:

1. CALL chant_status with deliberation_id="%[1]s".
   - SUBMISSION: voting has not started. Submit an idea with chant_submit_idea if you have one.
   - VOTING or ACCUMULATING: continue with step 2.
   - COMPLETED: report the champion and stop.

2. CALL chant_join_cell with deliberation_id="%[1]s".
   - On ROUND_FULL every seat at this tier is taken. Wait and retry later.
   - Otherwise note the ideas in your cell and your vote_budget.

3. READ every idea in your cell and decide how strongly you support each one.

4. CALL chant_cast_vote with allocations that give each idea whole points
   summing to exactly your vote_budget. You may put everything on one idea.
   You can omit cell_id; it defaults to the cell you just joined.

Your cell's winner advances to the next tier together with the winners of
cells that voted on the same ideas. You may be invited to vote again there.`, id),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "How chant deliberations work",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to chant, a deliberation engine. A group answers one question
by submitting ideas and then voting on them in small cells.

## How a deliberation runs

- Ideas are split into cells of a few ideas each (usually five).
- Each cell seats as many participants as it has idea slots.
- Every participant splits a fixed point budget (usually 10) across the ideas
  in their cell. The idea with the most points wins the cell; ties go to the
  earlier submission.
- Winners advance to the next tier and are voted on again in new cells.
- When only a handful of ideas remain they meet in a final showdown. Its
  winner is the champion.

## Available Tools

- chant_status: Phase, tier, open seats and champion of a deliberation
- chant_submit_idea: Propose an idea while submissions are open
- chant_join_cell: Take a seat in a voting cell (returns the ideas to vote on)
- chant_cast_vote: Spend your point budget in the cell you joined
- chant_force_advance: Facilitators only. Close the running tier early

## Resources

- chant://deliberation/{id}/status: the full status report
- chant://deliberation/{id}/results: advancing ideas and XP per tier, and the champion proof`,
				},
			},
		},
	}, nil
}
