package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// Join seats userID in the fullest open cell that still has room, first come
// first served. A user who already holds an ACTIVE seat gets that seat back.
// When every cell is full the user may still get a seat in an overflow
// sibling of an unresolved showdown; otherwise Join fails with ROUND_FULL.
func (e *Engine) Join(ctx context.Context, deliberationID uuid.UUID, userID string) (model.JoinResponse, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return model.JoinResponse{}, err
	}
	d, err := e.db.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
	}
	if !d.InVoting() {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", model.ErrWrongPhase)
	}

	if p, ok, err := e.db.ActiveSeat(ctx, d.ID, userID); err != nil {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
	} else if ok {
		e.joinResult(ctx, "resumed")
		return e.joinResponse(ctx, p.CellID, true)
	}

	tiers, err := e.candidateTiers(ctx, d, userID)
	if err != nil {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
	}
	if len(tiers) > 0 {
		cells, err := e.db.JoinableCells(ctx, d.ID, tiers)
		if err != nil {
			return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
		}
		for _, c := range cells {
			err := e.takeSeat(ctx, c.ID, userID)
			switch {
			case err == nil:
				e.joinResult(ctx, "seated")
				return e.joinResponse(ctx, c.ID, false)
			case errors.Is(err, model.ErrCellFull), errors.Is(err, model.ErrCellNotVoting):
				continue
			case errors.Is(err, model.ErrAlreadySeated):
				// A concurrent request from the same user won this tier.
				if p, ok, err := e.db.ActiveSeat(ctx, d.ID, userID); err == nil && ok {
					e.joinResult(ctx, "resumed")
					return e.joinResponse(ctx, p.CellID, true)
				}
				continue
			default:
				return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
			}
		}
	}

	cellID, err := e.seatInSibling(ctx, d.ID, userID, func(b storage.BatchRef) bool {
		return b.Kind == model.CellShowdown
	})
	if err == nil {
		e.joinResult(ctx, "overflow")
		return e.joinResponse(ctx, cellID, false)
	}
	if !errors.Is(err, model.ErrRoundFull) && !errors.Is(err, model.ErrAlreadySeated) {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
	}
	e.joinResult(ctx, "round_full")
	return model.JoinResponse{}, fmt.Errorf("engine: join: %w", model.ErrRoundFull)
}

// candidateTiers returns the tiers a user may take a seat at. Batch mode only
// ever seats at the current tier; continuous flow seats at any tier with open
// cells where the user has no seat yet.
func (e *Engine) candidateTiers(ctx context.Context, d model.Deliberation, userID string) ([]int, error) {
	seated, err := e.db.SeatedTiers(ctx, d.ID, userID)
	if err != nil {
		return nil, err
	}
	if !d.ContinuousFlow {
		if seated[d.CurrentTier] {
			return nil, nil
		}
		return []int{d.CurrentTier}, nil
	}
	open, err := e.db.OpenTiers(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(open, func(t int) bool { return seated[t] }), nil
}

// takeSeat is the atomic join on one cell: lock it, count seats under the
// lock and insert the participation if one is free. Each attempt is its own
// short transaction so a scan never holds more than one cell lock.
func (e *Engine) takeSeat(ctx context.Context, cellID uuid.UUID, userID string) error {
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		c, err := tx.LockCell(ctx, cellID)
		if err != nil {
			return err
		}
		if !c.Open() {
			return model.ErrCellNotVoting
		}
		if c.SeatsFilled >= c.Capacity {
			return model.ErrCellFull
		}
		if _, err := tx.InsertParticipation(ctx, c, userID); err != nil {
			return err
		}
		fx.emit(model.Event{
			Type:           model.EventSeatTaken,
			DeliberationID: c.DeliberationID,
			CellID:         uuidPtr(c.ID),
			UserID:         userID,
			Tier:           c.Tier,
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.apply(ctx, &fx)
	return nil
}

// seatInSibling adds a cell to the first unresolved batch accepted by keep
// (fewest cells first) and seats userID in it, all in one transaction under
// the deliberation lock. The new cell copies the batch's idea set and kind,
// so its votes count toward the same batch tally.
func (e *Engine) seatInSibling(ctx context.Context, deliberationID uuid.UUID, userID string, keep func(storage.BatchRef) bool) (uuid.UUID, error) {
	var cellID uuid.UUID
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		d, err := tx.LockDeliberation(ctx, deliberationID)
		if err != nil {
			return err
		}
		if !d.InVoting() {
			return model.ErrRoundFull
		}
		batches, err := tx.UnresolvedBatches(ctx, d.ID)
		if err != nil {
			return err
		}
		batches = slices.DeleteFunc(batches, func(b storage.BatchRef) bool {
			return b.OpenCells == 0 || !keep(b)
		})
		if len(batches) == 0 {
			return model.ErrRoundFull
		}
		slices.SortStableFunc(batches, func(a, b storage.BatchRef) int { return a.Cells - b.Cells })
		target := batches[0]

		siblings, err := tx.BatchCells(ctx, d.ID, target.Tier, target.Batch)
		if err != nil {
			return err
		}
		c, err := e.createCellInBatch(ctx, tx, &d, target.Tier, target.Batch, target.Kind, siblings[0].IdeaIDs, &fx)
		if err != nil {
			return err
		}
		if _, err := tx.InsertParticipation(ctx, c, userID); err != nil {
			return err
		}
		cellID = c.ID
		fx.emit(model.Event{
			Type:           model.EventSeatTaken,
			DeliberationID: d.ID,
			CellID:         uuidPtr(c.ID),
			UserID:         userID,
			Tier:           c.Tier,
		})
		e.logger.Info("overflow cell added",
			"deliberation_id", d.ID,
			"cell_id", c.ID,
			"tier", c.Tier,
			"batch", c.Batch,
		)
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	e.apply(ctx, &fx)
	return cellID, nil
}

func (e *Engine) joinResponse(ctx context.Context, cellID uuid.UUID, resumed bool) (model.JoinResponse, error) {
	c, err := e.db.GetCell(ctx, cellID)
	if err != nil {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
	}
	ideas, err := e.db.IdeasByIDs(ctx, c.IdeaIDs)
	if err != nil {
		return model.JoinResponse{}, fmt.Errorf("engine: join: %w", err)
	}
	return model.JoinResponse{
		CellID:      c.ID,
		Tier:        c.Tier,
		Batch:       c.Batch,
		Kind:        c.Kind,
		Status:      c.Status,
		Ideas:       ideas,
		SeatsFilled: c.SeatsFilled,
		Capacity:    c.Capacity,
		Resumed:     resumed,
	}, nil
}
