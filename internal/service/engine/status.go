package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
)

// GetStatus returns a snapshot of a deliberation: phase, tier, every idea
// with its status, tier and totals, idea counts by status, pooled ideas per tier, the cells of the current tier plus every
// open cell, and the champion once declared. Snapshots are cached briefly
// and concurrent misses for the same deliberation share one load.
func (e *Engine) GetStatus(ctx context.Context, deliberationID uuid.UUID) (model.Status, error) {
	if s, ok := e.status.Get(deliberationID); ok {
		return s, nil
	}
	v, err, _ := e.loads.Do(deliberationID.String(), func() (any, error) {
		s, err := e.loadStatus(ctx, deliberationID)
		if err != nil {
			return model.Status{}, err
		}
		e.status.Set(deliberationID, s)
		return s, nil
	})
	if err != nil {
		return model.Status{}, fmt.Errorf("engine: status: %w", err)
	}
	return v.(model.Status), nil
}

func (e *Engine) loadStatus(ctx context.Context, deliberationID uuid.UUID) (model.Status, error) {
	d, err := e.db.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return model.Status{}, err
	}
	counts, err := e.db.IdeaCounts(ctx, d.ID)
	if err != nil {
		return model.Status{}, err
	}
	pools, err := e.db.PoolCounts(ctx, d.ID)
	if err != nil {
		return model.Status{}, err
	}
	ideas, err := e.db.ListIdeas(ctx, d.ID)
	if err != nil {
		return model.Status{}, err
	}
	cells, err := e.db.ListCells(ctx, d.ID)
	if err != nil {
		return model.Status{}, err
	}

	s := model.Status{
		Deliberation: d,
		IdeaCounts:   counts,
		Ideas:        ideas,
		Pools:        pools,
		Cells:        []model.CellSummary{},
		GeneratedAt:  time.Now().UTC(),
	}
	for _, c := range cells {
		if c.Tier != d.CurrentTier && !c.Open() {
			continue
		}
		s.Cells = append(s.Cells, model.CellSummary{
			ID:           c.ID,
			Tier:         c.Tier,
			Batch:        c.Batch,
			Kind:         c.Kind,
			Status:       c.Status,
			Ideas:        len(c.IdeaIDs),
			SeatsFilled:  c.SeatsFilled,
			VoterCount:   c.VoterCount,
			Capacity:     c.Capacity,
			WinnerIdeaID: c.WinnerIdeaID,
		})
	}
	if d.ChampionID != nil {
		champion, err := e.db.GetIdea(ctx, *d.ChampionID)
		if err != nil {
			return model.Status{}, err
		}
		s.Champion = &champion
	}
	return s, nil
}
