package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/unitychant/chant/internal/model"
)

// InsertVotes stores one ballot via COPY. A ballot already present for the
// user in this cell fails with model.ErrAlreadyVoted.
func (t *Tx) InsertVotes(ctx context.Context, cellID uuid.UUID, userID string, allocs []model.Allocation) error {
	rows := make([][]any, len(allocs))
	for i, a := range allocs {
		rows[i] = []any{cellID, userID, a.IdeaID, a.Points}
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"votes"},
		[]string{"cell_id", "user_id", "idea_id", "points"}, pgx.CopyFromRows(rows))
	if err != nil {
		if uniqueViolation(err) != "" {
			return fmt.Errorf("storage: insert votes: %w", model.ErrAlreadyVoted)
		}
		return fmt.Errorf("storage: insert votes: %w", err)
	}
	return nil
}

// DeleteVotes removes the user's ballot from a cell.
func (t *Tx) DeleteVotes(ctx context.Context, cellID uuid.UUID, userID string) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM votes WHERE cell_id = $1 AND user_id = $2`, cellID, userID,
	); err != nil {
		return fmt.Errorf("storage: delete votes: %w", err)
	}
	return nil
}

func scanVotes(rows pgx.Rows) ([]model.Vote, error) {
	defer rows.Close()
	var out []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.CellID, &v.UserID, &v.IdeaID, &v.Points, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CellVotes returns every vote row of a cell.
func (t *Tx) CellVotes(ctx context.Context, cellID uuid.UUID) ([]model.Vote, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT cell_id, user_id, idea_id, points, created_at FROM votes WHERE cell_id = $1`, cellID)
	if err != nil {
		return nil, fmt.Errorf("storage: cell votes: %w", err)
	}
	return scanVotes(rows)
}

// BatchVotes returns every vote cast in any cell of (deliberation, tier, batch).
func (t *Tx) BatchVotes(ctx context.Context, deliberationID uuid.UUID, tier, batch int) ([]model.Vote, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT v.cell_id, v.user_id, v.idea_id, v.points, v.created_at
		 FROM votes v JOIN cells c ON c.id = v.cell_id
		 WHERE c.deliberation_id = $1 AND c.tier = $2 AND c.batch = $3`,
		deliberationID, tier, batch)
	if err != nil {
		return nil, fmt.Errorf("storage: batch votes: %w", err)
	}
	return scanVotes(rows)
}

// PendingVoteCount returns the number of ballots cast at a tier in batches
// that are not resolved yet.
func (t *Tx) PendingVoteCount(ctx context.Context, deliberationID uuid.UUID, tier int) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT (v.cell_id, v.user_id))
		 FROM votes v JOIN cells c ON c.id = v.cell_id
		 WHERE c.deliberation_id = $1 AND c.tier = $2
		   AND EXISTS (
		       SELECT 1 FROM cell_ideas ci JOIN ideas i ON i.id = ci.idea_id
		       WHERE ci.cell_id = c.id AND i.status = $3)`,
		deliberationID, tier, model.IdeaInVoting,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: pending vote count: %w", err)
	}
	return n, nil
}

// ListVotes returns every vote of a deliberation.
func (db *DB) ListVotes(ctx context.Context, deliberationID uuid.UUID) ([]model.Vote, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT v.cell_id, v.user_id, v.idea_id, v.points, v.created_at
		 FROM votes v JOIN cells c ON c.id = v.cell_id
		 WHERE c.deliberation_id = $1
		 ORDER BY v.created_at`,
		deliberationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list votes: %w", err)
	}
	return scanVotes(rows)
}
