package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/integrity"
	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/tally"
)

// Results derives the per-tier record of a deliberation from its cells and
// votes: cells and voters per tier, the ideas each resolved batch advanced,
// XP totals and a hash of each tier's outcome. Once a champion exists the
// result carries a proof binding the champion's text to the Merkle root of
// the tier hashes.
func (e *Engine) Results(ctx context.Context, deliberationID uuid.UUID) (model.Results, error) {
	d, err := e.db.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return model.Results{}, fmt.Errorf("engine: results: %w", err)
	}
	cells, err := e.db.ListCells(ctx, d.ID)
	if err != nil {
		return model.Results{}, fmt.Errorf("engine: results: %w", err)
	}
	votes, err := e.db.ListVotes(ctx, d.ID)
	if err != nil {
		return model.Results{}, fmt.Errorf("engine: results: %w", err)
	}

	tiers := tierResults(cells, votes)
	res := model.Results{
		DeliberationID: d.ID,
		Phase:          d.Phase,
		Tiers:          tiers,
	}
	if d.ChampionID == nil {
		return res, nil
	}

	champion, err := e.db.GetIdea(ctx, *d.ChampionID)
	if err != nil {
		return model.Results{}, fmt.Errorf("engine: results: %w", err)
	}
	voters, err := e.db.CountVoters(ctx, d.ID)
	if err != nil {
		return model.Results{}, fmt.Errorf("engine: results: %w", err)
	}
	leaves := make([]string, len(tiers))
	for i, t := range tiers {
		leaves[i] = t.Hash
	}
	res.Champion = &champion
	res.Proof = &model.ChampionProof{
		IdeaID:      champion.ID,
		TextHash:    integrity.IdeaTextHash(champion.ID, champion.Text),
		TotalTiers:  len(tiers),
		TotalVoters: voters,
		MerkleRoot:  integrity.BuildMerkleRoot(leaves),
	}
	return res, nil
}

// tierResults groups cells by tier and batch. A batch counts as advancing
// only once all of its cells are completed, and its advancing idea is the
// batch tally's winner. Ideas that reached a tier through a bye have no batch
// and are not listed.
func tierResults(cells []model.Cell, votes []model.Vote) []model.TierResult {
	byCell := make(map[uuid.UUID][]tally.Allocation)
	votersByCell := make(map[uuid.UUID]map[string]bool)
	for _, v := range votes {
		byCell[v.CellID] = append(byCell[v.CellID], tally.Allocation{IdeaID: v.IdeaID, Points: v.Points})
		if votersByCell[v.CellID] == nil {
			votersByCell[v.CellID] = make(map[string]bool)
		}
		votersByCell[v.CellID][v.UserID] = true
	}

	type batchKey struct{ tier, batch int }
	batches := make(map[batchKey][]model.Cell)
	var keys []batchKey
	for _, c := range cells {
		k := batchKey{c.Tier, c.Batch}
		if _, ok := batches[k]; !ok {
			keys = append(keys, k)
		}
		batches[k] = append(batches[k], c)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tier != keys[j].tier {
			return keys[i].tier < keys[j].tier
		}
		return keys[i].batch < keys[j].batch
	})

	var out []model.TierResult
	for _, k := range keys {
		if len(out) == 0 || out[len(out)-1].Tier != k.tier {
			out = append(out, model.TierResult{Tier: k.tier, XPTotals: make(map[uuid.UUID]int), Advancing: []uuid.UUID{}})
		}
		tr := &out[len(out)-1]

		var allocs []tally.Allocation
		done := true
		for _, c := range batches[k] {
			tr.Cells++
			tr.Voters += len(votersByCell[c.ID])
			allocs = append(allocs, byCell[c.ID]...)
			if c.Open() {
				done = false
			}
		}
		ranked := tally.Rank(batches[k][0].IdeaIDs, allocs)
		for id, xp := range tally.Map(ranked) {
			tr.XPTotals[id] += xp
		}
		if w, ok := tally.Winner(ranked); ok && done {
			tr.Advancing = append(tr.Advancing, w.IdeaID)
		}
	}
	for i := range out {
		out[i].Hash = integrity.TierResultHash(out[i].Tier, out[i].Advancing, out[i].XPTotals)
	}
	return out
}
