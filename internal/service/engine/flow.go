package engine

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// maxScheduleRounds bounds one scheduler run. Every round either forms a cell,
// grants a bye or declares the champion, so the bound is never reached by a
// well-formed deliberation.
const maxScheduleRounds = 10_000

// schedule forms continuous-flow cells from the idea pools. Each round looks
// at the pools lowest tier first and does the first thing it can:
//
//   - final pool (submissions closed, nothing open anywhere, no other pool):
//     champion, showdown or balanced partition
//   - full pool: one Standard cell of cellSize ideas in submission order
//   - stranded pool (no more arrivals at this tier): a Remainder cell, or a
//     bye to the next tier for a lone idea
//
// The caller holds the deliberation lock.
func (e *Engine) schedule(ctx context.Context, tx *storage.Tx, d *model.Deliberation, fx *effects) error {
	for range maxScheduleRounds {
		if d.Phase == model.PhaseCompleted {
			return nil
		}
		progressed, err := e.scheduleRound(ctx, tx, d, fx)
		if err != nil || !progressed {
			return err
		}
	}
	e.logger.Error("engine: scheduler did not settle", "deliberation_id", d.ID)
	return nil
}

func (e *Engine) scheduleRound(ctx context.Context, tx *storage.Tx, d *model.Deliberation, fx *effects) (bool, error) {
	pools, err := tx.PooledIdeas(ctx, d.ID)
	if err != nil {
		return false, err
	}
	busy, err := tx.BusyTiers(ctx, d.ID)
	if err != nil {
		return false, err
	}
	closed := d.SubmissionsClosed()

	tiers := make([]int, 0, len(pools))
	for t, pool := range pools {
		if len(pool) > 0 {
			tiers = append(tiers, t)
		}
	}
	slices.Sort(tiers)

	for i, t := range tiers {
		pool := pools[t]
		noMore := closed && i == 0 && !busyBelow(busy, t)
		final := noMore && len(busy) == 0 && len(tiers) == 1

		switch {
		case final:
			return true, e.seedTier(ctx, tx, d, t, pool, fx)
		case len(pool) >= d.CellSize:
			_, err := e.createCell(ctx, tx, d, t, model.CellStandard, pool[:d.CellSize], fx)
			return true, err
		case noMore && len(pool) >= 2:
			_, err := e.createCell(ctx, tx, d, t, model.CellRemainder, pool, fx)
			return true, err
		case noMore:
			return true, e.bye(ctx, tx, d, pool[0], fx)
		}
	}
	return false, nil
}

// busyBelow reports whether any tier below t has an unresolved batch.
func busyBelow(busy map[int]int, t int) bool {
	for tier, n := range busy {
		if tier < t && n > 0 {
			return true
		}
	}
	return false
}

// bye moves a lone stranded idea to the next tier's pool without a vote.
func (e *Engine) bye(ctx context.Context, tx *storage.Tx, d *model.Deliberation, idea model.Idea, fx *effects) error {
	next := idea.Tier + 1
	if err := tx.SetIdeaStatus(ctx, []uuid.UUID{idea.ID}, model.IdeaAdvancing, next); err != nil {
		return err
	}
	fx.emit(model.Event{
		Type:           model.EventTierAdvanced,
		DeliberationID: d.ID,
		IdeaID:         uuidPtr(idea.ID),
		Tier:           next,
	})
	e.logger.Info("bye granted",
		"deliberation_id", d.ID,
		"idea_id", idea.ID,
		"tier", next,
	)
	return nil
}
