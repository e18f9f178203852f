package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
)

// HandleCreateDeliberation handles POST /v1/deliberations (facilitator).
func (h *Handlers) HandleCreateDeliberation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.CreateDeliberationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.moderator.Check(r.Context(), req.Question); err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}
	d, err := h.engine.CreateDeliberation(r.Context(), req, claims.UserID)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusCreated, d)
	writeJSON(w, r, http.StatusCreated, d)
}

// HandleGetStatus handles GET /v1/deliberations/{id}.
func (h *Handlers) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	status, err := h.engine.GetStatus(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// HandleResults handles GET /v1/deliberations/{id}/results.
func (h *Handlers) HandleResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	res, err := h.engine.Results(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleSubmitIdea handles POST /v1/deliberations/{id}/ideas. Only a
// facilitator may submit on behalf of another author.
func (h *Handlers) HandleSubmitIdea(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	var req model.SubmitIdeaRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AuthorID == "" {
		req.AuthorID = claims.UserID
	}
	if req.AuthorID != claims.UserID && !claims.IsFacilitator() {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot submit on behalf of another user")
		return
	}
	if err := h.moderator.Check(r.Context(), req.Text); err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, req)
	if !proceed {
		return
	}
	idea, err := h.engine.SubmitIdea(r.Context(), id, req.AuthorID, req.Text)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.completeIdempotentWrite(r, idem, http.StatusCreated, idea)
	writeJSON(w, r, http.StatusCreated, idea)
}

// HandleStartVoting handles POST /v1/deliberations/{id}/start (facilitator).
// The body is optional.
func (h *Handlers) HandleStartVoting(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	var req model.StartVotingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.engine.StartVoting(r.Context(), id, req.Participants)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCloseSubmissions handles POST /v1/deliberations/{id}/close (facilitator).
func (h *Handlers) HandleCloseSubmissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	d, err := h.engine.CloseSubmissions(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleJoin handles POST /v1/deliberations/{id}/join. Joining again
// returns the seat already held.
func (h *Handlers) HandleJoin(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	resp, err := h.engine.Join(r.Context(), id, ClaimsFromContext(r.Context()).UserID)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleForceAdvance handles POST /v1/deliberations/{id}/advance (facilitator).
func (h *Handlers) HandleForceAdvance(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	resp, err := h.engine.ForceAdvance(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	h.logger.Info("deliberation force-advanced",
		"deliberation_id", id,
		"cells_closed", resp.CellsClosed,
		"new_tier", resp.NewTier,
		"user_id", ClaimsFromContext(r.Context()).UserID,
	)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCastVote handles POST /v1/cells/{cell_id}/votes.
func (h *Handlers) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	cellID, err := pathUUID(r, "cell_id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	var req model.CastVoteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.engine.CastVote(r.Context(), cellID, ClaimsFromContext(r.Context()).UserID, req.Allocations)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenVoting handles POST /v1/cells/{cell_id}/open (facilitator): it
// ends a cell's discussion window early.
func (h *Handlers) HandleOpenVoting(w http.ResponseWriter, r *http.Request) {
	h.cellAction(w, r, h.engine.OpenVoting)
}

// HandleCompleteCell handles POST /v1/cells/{cell_id}/complete (facilitator).
func (h *Handlers) HandleCompleteCell(w http.ResponseWriter, r *http.Request) {
	h.cellAction(w, r, h.engine.CompleteCell)
}

func (h *Handlers) cellAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (model.Cell, error)) {
	cellID, err := pathUUID(r, "cell_id")
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	cell, err := fn(r.Context(), cellID)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cell)
}
