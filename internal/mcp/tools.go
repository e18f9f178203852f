package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/unitychant/chant/internal/ctxutil"
	"github.com/unitychant/chant/internal/model"
)

func (s *Server) registerTools() {
	// chant_status: where a deliberation stands.
	s.mcpServer.AddTool(
		mcplib.NewTool("chant_status",
			mcplib.WithDescription(`Get the current state of a deliberation.

WHEN TO USE: Before joining, to see whether voting is open and how many seats
remain, or afterwards to see which ideas advanced and whether a champion has
been declared.

WHAT YOU GET BACK:
- phase: SUBMISSION, VOTING, ACCUMULATING or COMPLETED
- current_tier and idea counts by status
- open cells per tier and the number of free seats
- champion, once the deliberation is complete`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("deliberation_id",
				mcplib.Description("The deliberation to inspect"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("verbose",
				mcplib.Description("Return the full status report including every cell instead of the compact summary"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleStatus,
	)

	// chant_submit_idea: propose an idea.
	s.mcpServer.AddTool(
		mcplib.NewTool("chant_submit_idea",
			mcplib.WithDescription(`Submit an idea to a deliberation as the authenticated user.

WHEN TO USE: While the deliberation is in SUBMISSION, or in VOTING when it
runs in continuous flow. Each idea competes in cells of a few ideas; winners
advance tier by tier until one champion remains.

Keep the text short and self-contained (at most 1000 characters). Text that
fails moderation is rejected with MODERATION_REJECTED.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("deliberation_id",
				mcplib.Description("The deliberation to submit to"),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("The idea, stated plainly"),
				mcplib.Required(),
			),
		),
		s.handleSubmitIdea,
	)

	// chant_join_cell: take a seat.
	s.mcpServer.AddTool(
		mcplib.NewTool("chant_join_cell",
			mcplib.WithDescription(`Take a seat in a voting cell of a deliberation.

WHEN TO USE: Once the deliberation is in VOTING. You are seated in the fullest
open cell with room; calling again returns the seat you already hold.

WHAT YOU GET BACK: the cell_id, the ideas in the cell and your vote_budget.
Then call chant_cast_vote. If every cell is full the call fails with
ROUND_FULL (retryable): wait for the next tier and try again.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("deliberation_id",
				mcplib.Description("The deliberation to join"),
				mcplib.Required(),
			),
		),
		s.handleJoinCell,
	)

	// chant_cast_vote: spend the point budget.
	s.mcpServer.AddTool(
		mcplib.NewTool("chant_cast_vote",
			mcplib.WithDescription(`Cast your vote in the cell you joined by splitting your point budget across its ideas.

WHEN TO USE: After chant_join_cell. Points must be whole numbers, each idea may
appear at most once and the points must add up to exactly the vote budget
(usually 10). Putting all points on one idea is allowed.

EXAMPLE: allocations=[{"idea_id": "<id A>", "points": 7}, {"idea_id": "<id B>", "points": 3}]`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("cell_id",
				mcplib.Description("The cell to vote in. Defaults to the cell you joined most recently."),
			),
			mcplib.WithArray("allocations",
				mcplib.Description("Points per idea; must sum to the vote budget"),
				mcplib.Required(),
				mcplib.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"idea_id": map[string]any{"type": "string", "description": "Idea id from the cell"},
						"points":  map[string]any{"type": "integer", "minimum": 0},
					},
					"required": []string{"idea_id", "points"},
				}),
			),
		),
		s.handleCastVote,
	)

	// chant_force_advance: facilitator override.
	s.mcpServer.AddTool(
		mcplib.NewTool("chant_force_advance",
			mcplib.WithDescription(`Close every open cell at the lowest running tier and advance the deliberation.

FACILITATOR ONLY. Cells are finalized with the votes they have; batches with
no votes at all are eliminated. Fails with NO_VOTES when nobody at that tier
has voted yet, and with NOTHING_TO_ADVANCE when no cell is running.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("deliberation_id",
				mcplib.Description("The deliberation to advance"),
				mcplib.Required(),
			),
		),
		s.handleForceAdvance,
	)
}

func parseUUIDArg(request mcplib.CallToolRequest, name string) (uuid.UUID, error) {
	v := request.GetString(name, "")
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a UUID", name)
	}
	return id, nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := parseUUIDArg(request, "deliberation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	st, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		return s.engineErrorResult("chant_status", err), nil
	}
	if request.GetBool("verbose", false) {
		return jsonResult(st)
	}
	return jsonResult(compactStatus(st))
}

func (s *Server) handleSubmitIdea(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	id, err := parseUUIDArg(request, "deliberation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	text := request.GetString("text", "")
	if text == "" {
		return errorResult("text is required"), nil
	}
	if err := s.moderator.Check(ctx, text); err != nil {
		return s.engineErrorResult("chant_submit_idea", err), nil
	}

	idea, err := s.engine.SubmitIdea(ctx, id, claims.UserID, text)
	if err != nil {
		return s.engineErrorResult("chant_submit_idea", err), nil
	}
	return jsonResult(map[string]any{
		"idea_id": idea.ID,
		"status":  idea.Status,
		"tier":    idea.Tier,
	})
}

func (s *Server) handleJoinCell(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	id, err := parseUUIDArg(request, "deliberation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	seat, err := s.engine.Join(ctx, id, claims.UserID)
	if err != nil {
		return s.engineErrorResult("chant_join_cell", err), nil
	}
	s.seats.Record(claims.UserID, id, seat.CellID)

	st, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		return s.engineErrorResult("chant_join_cell", err), nil
	}
	return jsonResult(compactSeat(seat, st.Deliberation.VoteBudget))
}

func (s *Server) handleCastVote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	var cellID uuid.UUID
	if request.GetString("cell_id", "") != "" {
		id, err := parseUUIDArg(request, "cell_id")
		if err != nil {
			return errorResult(err.Error()), nil
		}
		cellID = id
	} else if id, ok := s.seats.Lookup(claims.UserID); ok {
		cellID = id
	} else {
		return errorResult("cell_id is required: no recent chant_join_cell for this user"), nil
	}

	allocs, err := parseAllocations(request.GetArguments()["allocations"])
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.engine.CastVote(ctx, cellID, claims.UserID, allocs)
	if err != nil {
		return s.engineErrorResult("chant_cast_vote", err), nil
	}
	s.seats.Forget(claims.UserID, cellID)
	return jsonResult(resp)
}

// parseAllocations decodes the allocations argument. JSON numbers arrive as
// float64, so the value is re-encoded and decoded into the typed slice.
func parseAllocations(raw any) ([]model.Allocation, error) {
	if raw == nil {
		return nil, fmt.Errorf("allocations is required")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("allocations: %w", err)
	}
	var allocs []model.Allocation
	if err := json.Unmarshal(b, &allocs); err != nil {
		return nil, fmt.Errorf("allocations must be a list of {idea_id, points} with integer points")
	}
	return allocs, nil
}

func (s *Server) handleForceAdvance(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !claims.IsFacilitator() {
		return errorResult(model.ErrCodeForbidden + ": chant_force_advance requires the facilitator role"), nil
	}
	id, err := parseUUIDArg(request, "deliberation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.engine.ForceAdvance(ctx, id)
	if err != nil {
		return s.engineErrorResult("chant_force_advance", err), nil
	}
	s.logger.Info("deliberation force-advanced via mcp",
		"deliberation_id", id,
		"cells_closed", resp.CellsClosed,
		"new_tier", resp.NewTier,
		"user_id", claims.UserID,
	)
	return jsonResult(resp)
}
