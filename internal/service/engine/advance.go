package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// CloseSubmissions stops a continuous-flow deliberation from accepting ideas
// and lets the scheduler drain the pools toward the final showdown. Closing
// an already closed deliberation returns it unchanged.
func (e *Engine) CloseSubmissions(ctx context.Context, deliberationID uuid.UUID) (model.Deliberation, error) {
	var out model.Deliberation
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		d, err := tx.LockDeliberation(ctx, deliberationID)
		if err != nil {
			return err
		}
		out = d
		switch {
		case d.Phase == model.PhaseAccumulating:
			return nil
		case !d.ContinuousFlow, d.Phase != model.PhaseVoting:
			return model.ErrWrongPhase
		}
		if err := e.closeAndDrain(ctx, tx, &d, &fx); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return model.Deliberation{}, fmt.Errorf("engine: close submissions: %w", err)
	}
	e.apply(ctx, &fx)
	return out, nil
}

func (e *Engine) closeAndDrain(ctx context.Context, tx *storage.Tx, d *model.Deliberation, fx *effects) error {
	if err := tx.SetPhase(ctx, d.ID, model.PhaseAccumulating); err != nil {
		return err
	}
	d.Phase = model.PhaseAccumulating
	fx.emit(model.Event{Type: model.EventSubmissionsShut, DeliberationID: d.ID, Tier: d.CurrentTier})
	e.logger.Info("submissions closed", "deliberation_id", d.ID)
	return e.schedule(ctx, tx, d, fx)
}

// ForceAdvance lets a facilitator end the lowest running tier early: every
// open cell at that tier is completed with the votes it has, each of the
// tier's batches is resolved, and the next cells are formed. It fails with
// NO_VOTES, changing nothing, when no ballot was cast in the tier's
// unresolved batches. With nothing running, a continuous-flow deliberation
// closes submissions and drains; anything else fails with NOTHING_TO_ADVANCE.
func (e *Engine) ForceAdvance(ctx context.Context, deliberationID uuid.UUID) (model.ForceAdvanceResponse, error) {
	var resp model.ForceAdvanceResponse
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		resp = model.ForceAdvanceResponse{}
		d, err := tx.LockDeliberation(ctx, deliberationID)
		if err != nil {
			return err
		}
		if !d.InVoting() {
			return model.ErrWrongPhase
		}

		busy, err := tx.BusyTiers(ctx, d.ID)
		if err != nil {
			return err
		}
		if len(busy) == 0 {
			if err := e.drainIdle(ctx, tx, &d, &fx); err != nil {
				return err
			}
			resp.NewTier, resp.Phase = d.CurrentTier, d.Phase
			return nil
		}

		tiers := make([]int, 0, len(busy))
		for t := range busy {
			tiers = append(tiers, t)
		}
		tier := slices.Min(tiers)

		n, err := tx.PendingVoteCount(ctx, d.ID, tier)
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrNoVotes
		}

		ids, err := tx.LockOpenCellsAtTier(ctx, d.ID, tier)
		if err != nil {
			return err
		}
		for _, id := range ids {
			c, err := tx.GetCell(ctx, id)
			if err != nil {
				return err
			}
			done, err := e.finalizeLocked(ctx, tx, c, finalizeOpts{force: true, reason: reasonForced, noTask: true}, &fx)
			if err != nil {
				return err
			}
			if done {
				resp.CellsClosed++
			}
		}

		batches, err := tx.UnresolvedBatches(ctx, d.ID)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.Tier != tier {
				continue
			}
			if _, err := e.resolveBatch(ctx, tx, &d, b.Tier, b.Batch, &fx); err != nil {
				return err
			}
			if d.Phase == model.PhaseCompleted {
				break
			}
		}
		if err := e.advance(ctx, tx, &d, &fx); err != nil {
			return err
		}
		resp.NewTier, resp.Phase = d.CurrentTier, d.Phase
		e.logger.Info("tier force-advanced",
			"deliberation_id", d.ID,
			"tier", tier,
			"cells_closed", resp.CellsClosed,
			"new_tier", d.CurrentTier,
		)
		return nil
	})
	if err != nil {
		return model.ForceAdvanceResponse{}, fmt.Errorf("engine: force advance: %w", err)
	}
	e.apply(ctx, &fx)
	return resp, nil
}

// drainIdle handles ForceAdvance when no batch is running.
func (e *Engine) drainIdle(ctx context.Context, tx *storage.Tx, d *model.Deliberation, fx *effects) error {
	if !d.ContinuousFlow {
		return model.ErrNothingToAdvance
	}
	if d.Phase == model.PhaseVoting {
		return e.closeAndDrain(ctx, tx, d, fx)
	}
	before := len(fx.cells)
	if err := e.schedule(ctx, tx, d, fx); err != nil {
		return err
	}
	if len(fx.cells) == before && d.Phase != model.PhaseCompleted {
		return model.ErrNothingToAdvance
	}
	return nil
}
