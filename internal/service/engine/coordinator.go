package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/tally"
)

// StartVoting closes the SUBMISSION phase and forms the first cells. Batch
// mode partitions every submitted idea into tier-1 cells; continuous flow
// hands the pool to the scheduler. The optional roster is then seated first
// come first served, adding overflow cells to the emptiest batches when the
// roster outnumbers the seats.
func (e *Engine) StartVoting(ctx context.Context, deliberationID uuid.UUID, roster []string) (model.StartVotingResponse, error) {
	for _, u := range roster {
		if err := model.ValidateUserID(u); err != nil {
			return model.StartVotingResponse{}, err
		}
	}

	var resp model.StartVotingResponse
	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		d, err := tx.LockDeliberation(ctx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != model.PhaseSubmission {
			return model.ErrWrongPhase
		}
		pools, err := tx.PooledIdeas(ctx, d.ID)
		if err != nil {
			return err
		}
		ideas := pools[1]
		if len(ideas) < 2 {
			return model.ErrNotEnoughIdeas
		}
		if err := tx.SetPhase(ctx, d.ID, model.PhaseVoting); err != nil {
			return err
		}
		d.Phase = model.PhaseVoting
		fx.emit(model.Event{Type: model.EventVotingStarted, DeliberationID: d.ID, Tier: 1})

		if d.ContinuousFlow {
			err = e.schedule(ctx, tx, &d, &fx)
		} else {
			err = e.seedTier(ctx, tx, &d, 1, ideas, &fx)
		}
		if err != nil {
			return err
		}
		resp.Phase = d.Phase
		return nil
	})
	if err != nil {
		return model.StartVotingResponse{}, fmt.Errorf("engine: start voting: %w", err)
	}
	e.apply(ctx, &fx)
	resp.Cells = fx.cells
	resp.CellsCreated = len(fx.cells)
	e.logger.Info("voting started",
		"deliberation_id", deliberationID,
		"cells", resp.CellsCreated,
		"roster", len(roster),
	)

	for _, userID := range roster {
		err := e.seatRosterUser(ctx, deliberationID, userID)
		if errors.Is(err, model.ErrRoundFull) {
			// Continuous flow may have formed no cell yet.
			e.logger.Warn("roster partially seated",
				"deliberation_id", deliberationID,
				"seated", resp.Seated,
				"roster", len(roster),
			)
			break
		}
		if err != nil {
			return resp, fmt.Errorf("engine: start voting: seat %s: %w", userID, err)
		}
		resp.Seated++
	}
	return resp, nil
}

func (e *Engine) seatRosterUser(ctx context.Context, deliberationID uuid.UUID, userID string) error {
	_, err := e.Join(ctx, deliberationID, userID)
	if !errors.Is(err, model.ErrRoundFull) {
		return err
	}
	_, err = e.seatInSibling(ctx, deliberationID, userID, func(storage.BatchRef) bool { return true })
	return err
}

// seedTier forms cells for ideas at tier: more than cellSize ideas are
// partitioned into balanced Standard and Remainder cells, 2..cellSize ideas
// form a Showdown, and a single idea is the champion.
func (e *Engine) seedTier(ctx context.Context, tx *storage.Tx, d *model.Deliberation, tier int, ideas []model.Idea, fx *effects) error {
	switch n := len(ideas); {
	case n == 0:
		return nil
	case n == 1:
		return e.declareChampion(ctx, tx, d, ideas[0].ID, fx)
	case n <= d.CellSize:
		_, err := e.createCell(ctx, tx, d, tier, model.CellShowdown, ideas, fx)
		return err
	default:
		for _, group := range split(ideas, Partition(n, d.CellSize)) {
			kind := model.KindFor(len(group), d.CellSize, false)
			if _, err := e.createCell(ctx, tx, d, tier, kind, group, fx); err != nil {
				return err
			}
		}
		return nil
	}
}

// createCell opens a new batch at tier holding ideas. The caller holds the
// deliberation lock.
func (e *Engine) createCell(ctx context.Context, tx *storage.Tx, d *model.Deliberation, tier int, kind model.CellKind, ideas []model.Idea, fx *effects) (model.Cell, error) {
	batch, err := tx.NextBatch(ctx, d.ID, tier)
	if err != nil {
		return model.Cell{}, err
	}
	ids := make([]uuid.UUID, len(ideas))
	for i, idea := range ideas {
		ids[i] = idea.ID
	}
	if err := tx.SetIdeaStatus(ctx, ids, model.IdeaInVoting, tier); err != nil {
		return model.Cell{}, err
	}
	return e.createCellInBatch(ctx, tx, d, tier, batch, kind, ids, fx)
}

// createCellInBatch adds a cell to an existing or new batch and raises the
// deliberation's current tier. The caller holds the deliberation lock.
func (e *Engine) createCellInBatch(ctx context.Context, tx *storage.Tx, d *model.Deliberation, tier, batch int, kind model.CellKind, ideaIDs []uuid.UUID, fx *effects) (model.Cell, error) {
	c, err := e.insertCell(ctx, tx, storage.NewCell{
		DeliberationID: d.ID,
		Tier:           tier,
		Batch:          batch,
		Kind:           kind,
		Capacity:       d.CellSize,
		IdeaIDs:        ideaIDs,
	}, fx)
	if err != nil {
		return model.Cell{}, err
	}
	if tier > d.CurrentTier {
		if err := tx.RaiseCurrentTier(ctx, d.ID, tier); err != nil {
			return model.Cell{}, err
		}
		d.CurrentTier = tier
	}
	return c, nil
}

func (e *Engine) declareChampion(ctx context.Context, tx *storage.Tx, d *model.Deliberation, ideaID uuid.UUID, fx *effects) error {
	if err := tx.DeclareChampion(ctx, d.ID, ideaID); err != nil {
		return err
	}
	d.Phase = model.PhaseCompleted
	d.ChampionID = uuidPtr(ideaID)
	fx.emit(model.Event{
		Type:           model.EventChampion,
		DeliberationID: d.ID,
		IdeaID:         uuidPtr(ideaID),
		Tier:           d.CurrentTier,
	})
	e.logger.Info("champion declared",
		"deliberation_id", d.ID,
		"idea_id", ideaID,
		"tier", d.CurrentTier,
	)
	return nil
}

// handleTierTask resolves the task's batch and advances the deliberation. The
// task row is deleted in the same transaction, so a task handled inline after
// commit and again by the worker takes effect once.
func (e *Engine) handleTierTask(ctx context.Context, task storage.TierTask) error {
	start := time.Now()
	defer func() {
		e.taskDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	var fx effects
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		d, err := tx.LockDeliberation(ctx, task.DeliberationID)
		if err != nil {
			return err
		}
		live, err := tx.DeleteTierTask(ctx, task.ID)
		if err != nil || !live {
			return err
		}
		if d.Phase == model.PhaseCompleted {
			return nil
		}
		if _, err := e.resolveBatch(ctx, tx, &d, task.Tier, task.Batch, &fx); err != nil {
			return err
		}
		return e.advance(ctx, tx, &d, &fx)
	})
	if err != nil {
		return fmt.Errorf("engine: tier task %d: %w", task.ID, err)
	}
	e.apply(ctx, &fx)
	return nil
}

// resolveBatch decides a batch once every cell in it is completed. Votes from
// all of the batch's cells are summed: the top idea advances to tier+1 (or
// becomes champion in a showdown) and the rest are eliminated. A batch without
// any points eliminates all of its ideas. It returns false when the batch is
// still running or was already resolved.
func (e *Engine) resolveBatch(ctx context.Context, tx *storage.Tx, d *model.Deliberation, tier, batch int, fx *effects) (bool, error) {
	cells, err := tx.BatchCells(ctx, d.ID, tier, batch)
	if err != nil || len(cells) == 0 {
		return false, err
	}
	for _, c := range cells {
		if c.Open() {
			return false, nil
		}
	}
	ideas, err := tx.IdeasByIDs(ctx, cells[0].IdeaIDs)
	if err != nil {
		return false, err
	}
	candidates := make([]uuid.UUID, 0, len(ideas))
	for _, i := range ideas {
		if i.Status == model.IdeaInVoting && i.Tier == tier {
			candidates = append(candidates, i.ID)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}

	votes, err := tx.BatchVotes(ctx, d.ID, tier, batch)
	if err != nil {
		return false, err
	}
	ranked := tally.Rank(candidates, allocations(votes))
	winner, ok := tally.Winner(ranked)
	final := cells[0].Kind.IsFinal()
	if final && !ok {
		winner, ok = ranked[0], true
	}

	losers := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		if !ok || id != winner.IdeaID {
			losers = append(losers, id)
		}
	}
	if err := tx.SetIdeaStatus(ctx, losers, model.IdeaEliminated, tier); err != nil {
		return false, err
	}

	log := e.logger.With("deliberation_id", d.ID, "tier", tier, "batch", batch, "cells", len(cells))
	switch {
	case final:
		log.Info("showdown resolved", "idea_id", winner.IdeaID, "points", winner.Points)
		return true, e.declareChampion(ctx, tx, d, winner.IdeaID, fx)
	case ok:
		if err := tx.SetIdeaStatus(ctx, []uuid.UUID{winner.IdeaID}, model.IdeaAdvancing, tier+1); err != nil {
			return false, err
		}
		fx.emit(model.Event{
			Type:           model.EventTierAdvanced,
			DeliberationID: d.ID,
			IdeaID:         uuidPtr(winner.IdeaID),
			Tier:           tier + 1,
		})
		log.Info("batch resolved", "idea_id", winner.IdeaID, "points", winner.Points)
	default:
		fx.touch(d.ID)
		log.Warn("batch resolved without votes, all ideas eliminated")
	}
	return true, nil
}

// advance forms whatever cells the deliberation can form now.
func (e *Engine) advance(ctx context.Context, tx *storage.Tx, d *model.Deliberation, fx *effects) error {
	if d.Phase == model.PhaseCompleted {
		return nil
	}
	if d.ContinuousFlow {
		return e.schedule(ctx, tx, d, fx)
	}
	return e.advanceTier(ctx, tx, d, fx)
}

// advanceTier seeds the next tier in batch mode once every batch of the
// current tier is resolved.
func (e *Engine) advanceTier(ctx context.Context, tx *storage.Tx, d *model.Deliberation, fx *effects) error {
	busy, err := tx.BusyTiers(ctx, d.ID)
	if err != nil {
		return err
	}
	if busy[d.CurrentTier] > 0 {
		return nil
	}
	pools, err := tx.PooledIdeas(ctx, d.ID)
	if err != nil {
		return err
	}
	next := d.CurrentTier + 1
	advancing := pools[next]
	if len(advancing) == 0 {
		e.logger.Warn("tier complete without advancing ideas",
			"deliberation_id", d.ID,
			"tier", d.CurrentTier,
		)
		return nil
	}
	e.logger.Info("tier complete",
		"deliberation_id", d.ID,
		"tier", d.CurrentTier,
		"advancing", len(advancing),
	)
	return e.seedTier(ctx, tx, d, next, advancing, fx)
}
