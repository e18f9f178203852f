package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/unitychant/chant/internal/model"
)

const ideaColumns = `id, deliberation_id, seq, author_id, text, status, tier, total_xp, total_votes, created_at`

func scanIdea(row pgx.Row) (model.Idea, error) {
	var i model.Idea
	err := row.Scan(&i.ID, &i.DeliberationID, &i.Seq, &i.AuthorID, &i.Text,
		&i.Status, &i.Tier, &i.TotalXP, &i.TotalVotes, &i.CreatedAt)
	return i, err
}

func scanIdeas(rows pgx.Rows) ([]model.Idea, error) {
	defer rows.Close()
	var out []model.Idea
	for rows.Next() {
		i, err := scanIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan idea: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// InsertIdea stores a SUBMITTED tier-1 idea and returns it with its sequence number.
func (t *Tx) InsertIdea(ctx context.Context, i model.Idea) (model.Idea, error) {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	created, err := scanIdea(t.tx.QueryRow(ctx,
		`INSERT INTO ideas (id, deliberation_id, author_id, text, status, tier)
		 VALUES ($1, $2, $3, $4, $5, 1)
		 RETURNING `+ideaColumns,
		i.ID, i.DeliberationID, i.AuthorID, i.Text, model.IdeaSubmitted,
	))
	if err != nil {
		return model.Idea{}, fmt.Errorf("storage: insert idea: %w", err)
	}
	return created, nil
}

// GetIdea retrieves an idea by ID.
func (db *DB) GetIdea(ctx context.Context, id uuid.UUID) (model.Idea, error) {
	i, err := scanIdea(db.pool.QueryRow(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Idea{}, fmt.Errorf("storage: idea %s: %w", id, ErrNotFound)
		}
		return model.Idea{}, fmt.Errorf("storage: get idea: %w", err)
	}
	return i, nil
}

func ideasByIDs(ctx context.Context, q querier, ids []uuid.UUID) ([]model.Idea, error) {
	rows, err := q.Query(ctx,
		`SELECT `+ideaColumns+` FROM ideas WHERE id = ANY($1) ORDER BY seq, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: ideas by id: %w", err)
	}
	return scanIdeas(rows)
}

// IdeasByIDs returns the given ideas in submission order.
func (t *Tx) IdeasByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Idea, error) {
	return ideasByIDs(ctx, t.tx, ids)
}

// IdeasByIDs returns the given ideas in submission order.
func (db *DB) IdeasByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Idea, error) {
	return ideasByIDs(ctx, db.pool, ids)
}

// ListIdeas returns every idea of a deliberation in submission order.
func (db *DB) ListIdeas(ctx context.Context, deliberationID uuid.UUID) ([]model.Idea, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ideaColumns+` FROM ideas WHERE deliberation_id = $1 ORDER BY seq`, deliberationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list ideas: %w", err)
	}
	return scanIdeas(rows)
}

// PooledIdeas returns ideas waiting for a cell, grouped by tier in submission
// order. Tier 1 holds SUBMITTED ideas; higher tiers hold ADVANCING ideas.
func (t *Tx) PooledIdeas(ctx context.Context, deliberationID uuid.UUID) (map[int][]model.Idea, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+ideaColumns+` FROM ideas
		 WHERE deliberation_id = $1 AND status IN ($2, $3)
		 ORDER BY tier, seq`,
		deliberationID, model.IdeaSubmitted, model.IdeaAdvancing)
	if err != nil {
		return nil, fmt.Errorf("storage: pooled ideas: %w", err)
	}
	ideas, err := scanIdeas(rows)
	if err != nil {
		return nil, err
	}
	pools := make(map[int][]model.Idea)
	for _, i := range ideas {
		pools[i.Tier] = append(pools[i.Tier], i)
	}
	return pools, nil
}

func countByTier(ctx context.Context, q querier, deliberationID uuid.UUID, status model.IdeaStatus) (map[int]int, error) {
	rows, err := q.Query(ctx,
		`SELECT tier, COUNT(*) FROM ideas WHERE deliberation_id = $1 AND status = $2 GROUP BY tier`,
		deliberationID, status)
	if err != nil {
		return nil, fmt.Errorf("storage: count ideas by tier: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var tier, n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("storage: scan tier count: %w", err)
		}
		out[tier] = n
	}
	return out, rows.Err()
}

// BusyTiers returns the number of IN_VOTING ideas per tier. A tier is busy
// while any of its batches is unresolved.
func (t *Tx) BusyTiers(ctx context.Context, deliberationID uuid.UUID) (map[int]int, error) {
	return countByTier(ctx, t.tx, deliberationID, model.IdeaInVoting)
}

// SetIdeaStatus moves ideas to status at tier. Every idea must currently be
// in a status that may precede status; otherwise nothing is written and
// ErrIllegalTransition is returned.
func (t *Tx) SetIdeaStatus(ctx context.Context, ids []uuid.UUID, status model.IdeaStatus, tier int) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE ideas SET status = $1, tier = $2 WHERE id = ANY($3) AND status = ANY($4)`,
		status, tier, ids, statusStrings(model.Predecessors(status)),
	)
	if err != nil {
		return fmt.Errorf("storage: set idea status: %w", err)
	}
	if n := tag.RowsAffected(); n != int64(len(ids)) {
		return fmt.Errorf("storage: %d of %d ideas moved to %s: %w", n, len(ids), status, ErrIllegalTransition)
	}
	return nil
}

func statusStrings(in []model.IdeaStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// RecomputeIdeaTotals recalculates total_xp and total_votes from the votes table.
func (t *Tx) RecomputeIdeaTotals(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE ideas i
		 SET total_xp = COALESCE(v.xp, 0), total_votes = COALESCE(v.voters, 0)
		 FROM (
		     SELECT id.id AS idea_id, SUM(vt.points) AS xp, COUNT(vt.points) FILTER (WHERE vt.points > 0) AS voters
		     FROM unnest($1::uuid[]) AS id(id)
		     LEFT JOIN votes vt ON vt.idea_id = id.id
		     GROUP BY id.id
		 ) v
		 WHERE i.id = v.idea_id`,
		ids,
	); err != nil {
		return fmt.Errorf("storage: recompute idea totals: %w", err)
	}
	return nil
}

// IdeaCounts returns the number of ideas per status.
func (db *DB) IdeaCounts(ctx context.Context, deliberationID uuid.UUID) (map[model.IdeaStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM ideas WHERE deliberation_id = $1 GROUP BY status`, deliberationID)
	if err != nil {
		return nil, fmt.Errorf("storage: idea counts: %w", err)
	}
	defer rows.Close()
	out := make(map[model.IdeaStatus]int)
	for rows.Next() {
		var s model.IdeaStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan idea count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// PoolCounts returns the number of pooled ideas per tier.
func (db *DB) PoolCounts(ctx context.Context, deliberationID uuid.UUID) (map[int]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tier, COUNT(*) FROM ideas
		 WHERE deliberation_id = $1 AND status IN ($2, $3)
		 GROUP BY tier`,
		deliberationID, model.IdeaSubmitted, model.IdeaAdvancing)
	if err != nil {
		return nil, fmt.Errorf("storage: pool counts: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var tier, n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("storage: scan pool count: %w", err)
		}
		out[tier] = n
	}
	return out, rows.Err()
}
