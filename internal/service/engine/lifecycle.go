package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/tally"
)

// Finalize reasons, recorded as a metric attribute and in logs.
const (
	reasonFull        = "full"
	reasonFacilitator = "facilitator"
	reasonTimeout     = "timeout"
	reasonForced      = "forced"
)

// finalizeTimeout bounds a timer-driven finalize.
const finalizeTimeout = 30 * time.Second

// CastVote records userID's ballot in a cell. The allocations must spend the
// deliberation's whole vote budget on ideas of the cell. The vote rows, idea
// totals and the seat status commit together; the vote that fills the cell's
// last seat starts the grace period (or finalizes the cell at once when the
// grace period is zero).
func (e *Engine) CastVote(ctx context.Context, cellID uuid.UUID, userID string, allocs []model.Allocation) (model.CastVoteResponse, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return model.CastVoteResponse{}, err
	}

	var resp model.CastVoteResponse
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		c, err := tx.LockCell(ctx, cellID)
		if err != nil {
			return err
		}
		d, err := tx.GetDeliberation(ctx, c.DeliberationID)
		if err != nil {
			return err
		}
		if err := model.ValidateAllocations(allocs, d.VoteBudget); err != nil {
			return err
		}
		for _, a := range allocs {
			if !c.HasIdea(a.IdeaID) {
				return fmt.Errorf("%w: %s", model.ErrIdeaNotInCell, a.IdeaID)
			}
		}
		p, err := tx.GetParticipation(ctx, c.ID, userID)
		if err != nil {
			return err
		}
		if c.Status != model.CellVoting {
			return model.ErrCellNotVoting
		}

		voters := c.VoterCount
		if p.Status == model.SeatVoted {
			if !d.AllowRevote {
				return model.ErrAlreadyVoted
			}
			if err := tx.DeleteVotes(ctx, c.ID, userID); err != nil {
				return err
			}
		} else {
			voters++
		}
		if err := tx.InsertVotes(ctx, c.ID, userID, allocs); err != nil {
			return err
		}
		if err := tx.MarkVoted(ctx, c.ID, userID); err != nil {
			return err
		}
		if err := tx.RecomputeIdeaTotals(ctx, c.IdeaIDs); err != nil {
			return err
		}
		fx.emit(model.Event{
			Type:           model.EventVoteCast,
			DeliberationID: c.DeliberationID,
			CellID:         uuidPtr(c.ID),
			UserID:         userID,
			Tier:           c.Tier,
		})

		resp = model.CastVoteResponse{
			Accepted:    true,
			CellID:      c.ID,
			VoterCount:  voters,
			Capacity:    c.Capacity,
			FinalizesAt: c.FinalizesAt,
		}
		if voters < c.Capacity || c.FinalizesAt != nil {
			return nil
		}
		if e.cfg.GracePeriod <= 0 {
			c.VoterCount = voters
			done, err := e.finalizeLocked(ctx, tx, c, finalizeOpts{reason: reasonFull, replace: true}, &fx)
			resp.CellCompleted = done
			return err
		}
		at, err := tx.ScheduleFinalize(ctx, c.ID, e.cfg.GracePeriod)
		if err != nil {
			return err
		}
		resp.FinalizesAt = &at
		fx.timer(c.ID, at)
		return nil
	})
	if err != nil {
		return model.CastVoteResponse{}, fmt.Errorf("engine: cast vote: %w", err)
	}
	e.votes.Add(ctx, 1)
	e.apply(ctx, &fx)
	return resp, nil
}

// CompleteCell force-finalizes a cell on a facilitator's request. Completing
// an already completed cell returns its stored state.
func (e *Engine) CompleteCell(ctx context.Context, cellID uuid.UUID) (model.Cell, error) {
	if _, err := e.finalize(ctx, cellID, finalizeOpts{force: true, reason: reasonFacilitator, replace: true}); err != nil {
		return model.Cell{}, fmt.Errorf("engine: complete cell: %w", err)
	}
	return e.db.GetCell(ctx, cellID)
}

// OpenVoting moves a DELIBERATING cell to VOTING. Opening a cell that is
// already voting is a no-op.
func (e *Engine) OpenVoting(ctx context.Context, cellID uuid.UUID) (model.Cell, error) {
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		c, err := tx.LockCell(ctx, cellID)
		if err != nil {
			return err
		}
		switch c.Status {
		case model.CellVoting:
			return nil
		case model.CellCompleted:
			return model.ErrCellNotVoting
		}
		if _, err := tx.OpenVoting(ctx, c.ID, e.cfg.CellTimeout); err != nil {
			return err
		}
		fx.touch(c.DeliberationID)
		return nil
	})
	if err != nil {
		return model.Cell{}, fmt.Errorf("engine: open voting: %w", err)
	}
	e.apply(ctx, &fx)
	return e.db.GetCell(ctx, cellID)
}

type finalizeOpts struct {
	// force completes the cell regardless of status and voter count.
	force  bool
	reason string
	// replace opens a replacement sibling when the cell completes without votes.
	replace bool
	// noTask skips the tier task; the caller resolves the batch itself.
	noTask bool
}

// finalize locks the cell and completes it if opts allow.
func (e *Engine) finalize(ctx context.Context, cellID uuid.UUID, opts finalizeOpts) (bool, error) {
	var done bool
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		c, err := tx.LockCell(ctx, cellID)
		if err != nil {
			return err
		}
		done, err = e.finalizeLocked(ctx, tx, c, opts, &fx)
		return err
	})
	if err != nil {
		return false, err
	}
	e.apply(ctx, &fx)
	return done, nil
}

// finalizeLocked completes a cell the caller has locked. It is a no-op for a
// completed cell and, without force, for a cell that is not VOTING or not yet
// full. The cell's local winner is recorded and its batch is queued for
// resolution in the same transaction.
func (e *Engine) finalizeLocked(ctx context.Context, tx *storage.Tx, c model.Cell, opts finalizeOpts, fx *effects) (bool, error) {
	if c.Status == model.CellCompleted {
		return false, nil
	}
	if !opts.force && (c.Status != model.CellVoting || c.VoterCount < c.Capacity) {
		return false, nil
	}

	votes, err := tx.CellVotes(ctx, c.ID)
	if err != nil {
		return false, err
	}
	ranked := tally.Rank(c.IdeaIDs, allocations(votes))
	var winner *uuid.UUID
	if w, ok := tally.Winner(ranked); ok {
		winner = uuidPtr(w.IdeaID)
	}
	if err := tx.CompleteCell(ctx, c.ID, winner); err != nil {
		return false, err
	}
	// Seats that never voted would otherwise hold the users' one seat at
	// this tier and keep them out of a replacement or later cell.
	released, err := tx.ReleaseCellSeats(ctx, c.ID)
	if err != nil {
		return false, err
	}
	fx.emit(model.Event{
		Type:           model.EventCellCompleted,
		DeliberationID: c.DeliberationID,
		CellID:         uuidPtr(c.ID),
		IdeaID:         winner,
		Tier:           c.Tier,
	})
	e.cellFinalized(ctx, opts.reason)
	e.logger.Info("cell completed",
		"deliberation_id", c.DeliberationID,
		"cell_id", c.ID,
		"tier", c.Tier,
		"batch", c.Batch,
		"reason", opts.reason,
		"votes", len(votes),
		"released_seats", released,
	)

	if len(votes) == 0 && opts.replace {
		if err := e.replaceEmptyCell(ctx, tx, c, fx); err != nil {
			return false, err
		}
	}
	if opts.noTask {
		return true, nil
	}
	task, err := tx.EnqueueTierTask(ctx, c.DeliberationID, c.Tier, c.Batch)
	if err != nil {
		return false, err
	}
	fx.tasks = append(fx.tasks, task)
	return true, nil
}

// replaceEmptyCell opens a sibling with the same ideas when a batch would
// otherwise resolve without a single vote. It only inserts rows, so it never
// needs the deliberation lock.
func (e *Engine) replaceEmptyCell(ctx context.Context, tx *storage.Tx, c model.Cell, fx *effects) error {
	siblings, err := tx.BatchCells(ctx, c.DeliberationID, c.Tier, c.Batch)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ID != c.ID && s.Open() {
			return nil
		}
	}
	batchVotes, err := tx.BatchVotes(ctx, c.DeliberationID, c.Tier, c.Batch)
	if err != nil {
		return err
	}
	if len(batchVotes) > 0 {
		return nil
	}
	r, err := e.insertCell(ctx, tx, storage.NewCell{
		DeliberationID: c.DeliberationID,
		Tier:           c.Tier,
		Batch:          c.Batch,
		Kind:           c.Kind,
		Capacity:       c.Capacity,
		IdeaIDs:        c.IdeaIDs,
	}, fx)
	if err != nil {
		return err
	}
	e.logger.Info("replacement cell opened",
		"deliberation_id", c.DeliberationID,
		"cell_id", r.ID,
		"replaces", c.ID,
		"tier", c.Tier,
	)
	return nil
}

// insertCell creates a cell in the caller's transaction with the engine's
// discussion window and timeout applied.
func (e *Engine) insertCell(ctx context.Context, tx *storage.Tx, nc storage.NewCell, fx *effects) (model.Cell, error) {
	nc.OpensAfter = e.cfg.DiscussionWindow
	nc.Deadline = e.cfg.CellTimeout
	c, err := tx.CreateCell(ctx, nc)
	if err != nil {
		return model.Cell{}, err
	}
	fx.cells = append(fx.cells, c)
	fx.emit(model.Event{
		Type:           model.EventCellOpened,
		DeliberationID: c.DeliberationID,
		CellID:         uuidPtr(c.ID),
		Tier:           c.Tier,
	})
	e.cellCreated(ctx, c.Kind)
	return c, nil
}

// scheduleFinalize re-checks the cell once its grace period ends. The sweeper
// covers the same cell if this process stops first.
func (e *Engine) scheduleFinalize(cellID uuid.UUID, at time.Time) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[cellID]; ok {
		t.Stop()
	}
	e.timers[cellID] = time.AfterFunc(time.Until(at), func() {
		e.timerMu.Lock()
		if e.closed {
			e.timerMu.Unlock()
			return
		}
		delete(e.timers, cellID)
		e.async.Add(1)
		e.timerMu.Unlock()
		defer e.async.Done()

		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if _, err := e.finalize(ctx, cellID, finalizeOpts{reason: reasonFull, replace: true}); err != nil {
			e.logger.Warn("engine: grace finalize failed", "cell_id", cellID, "error", err)
		}
	})
}

func allocations(votes []model.Vote) []tally.Allocation {
	out := make([]tally.Allocation, len(votes))
	for i, v := range votes {
		out[i] = tally.Allocation{IdeaID: v.IdeaID, Points: v.Points}
	}
	return out
}
