package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/unitychant/chant/internal/model"
)

// cellSelect reads a cell with its ordered idea set and derived seat and
// voter counts. Counts are never stored, so they cannot drift.
const cellSelect = `SELECT c.id, c.deliberation_id, c.tier, c.batch, c.kind, c.status, c.capacity,
	c.winner_idea_id, c.voting_opens_at, c.voting_deadline, c.finalizes_at, c.created_at, c.completed_at,
	ARRAY(SELECT ci.idea_id FROM cell_ideas ci WHERE ci.cell_id = c.id ORDER BY ci.position),
	(SELECT COUNT(*) FROM cell_participations p WHERE p.cell_id = c.id),
	(SELECT COUNT(*) FROM cell_participations p WHERE p.cell_id = c.id AND p.status = 'VOTED')
	FROM cells c`

func scanCell(row pgx.Row) (model.Cell, error) {
	var c model.Cell
	err := row.Scan(&c.ID, &c.DeliberationID, &c.Tier, &c.Batch, &c.Kind, &c.Status, &c.Capacity,
		&c.WinnerIdeaID, &c.VotingOpensAt, &c.VotingDeadline, &c.FinalizesAt, &c.CreatedAt, &c.CompletedAt,
		&c.IdeaIDs, &c.SeatsFilled, &c.VoterCount)
	return c, err
}

func scanCells(rows pgx.Rows) ([]model.Cell, error) {
	defer rows.Close()
	var out []model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan cell: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func getCell(ctx context.Context, q querier, id uuid.UUID) (model.Cell, error) {
	c, err := scanCell(q.QueryRow(ctx, cellSelect+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cell{}, fmt.Errorf("storage: cell %s: %w", id, ErrNotFound)
		}
		return model.Cell{}, fmt.Errorf("storage: get cell: %w", err)
	}
	return c, nil
}

// GetCell retrieves a cell by ID.
func (db *DB) GetCell(ctx context.Context, id uuid.UUID) (model.Cell, error) {
	return getCell(ctx, db.pool, id)
}

// GetCell reads a cell inside the transaction without locking it.
func (t *Tx) GetCell(ctx context.Context, id uuid.UUID) (model.Cell, error) {
	return getCell(ctx, t.tx, id)
}

// LockCell takes the cell's row lock and then reads it. The read is a
// separate statement so the seat and voter counts see every transaction that
// committed while this one waited for the lock. NO KEY UPDATE leaves foreign
// key checks from participation and vote inserts unblocked.
func (t *Tx) LockCell(ctx context.Context, id uuid.UUID) (model.Cell, error) {
	var locked uuid.UUID
	err := t.tx.QueryRow(ctx, `SELECT id FROM cells WHERE id = $1 FOR NO KEY UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cell{}, fmt.Errorf("storage: cell %s: %w", id, ErrNotFound)
		}
		return model.Cell{}, fmt.Errorf("storage: lock cell: %w", err)
	}
	return getCell(ctx, t.tx, id)
}

// NewCell describes a cell to create.
type NewCell struct {
	DeliberationID uuid.UUID
	Tier           int
	Batch          int
	Kind           model.CellKind
	Capacity       int
	IdeaIDs        []uuid.UUID
	// OpensAfter > 0 creates the cell in DELIBERATING; voting opens once it elapses.
	OpensAfter time.Duration
	// Deadline > 0 sets voting_deadline relative to when voting opens.
	Deadline time.Duration
}

// CreateCell inserts a cell and its ordered idea set.
func (t *Tx) CreateCell(ctx context.Context, nc NewCell) (model.Cell, error) {
	id := uuid.New()
	status := model.CellVoting
	if nc.OpensAfter > 0 {
		status = model.CellDeliberating
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO cells (id, deliberation_id, tier, batch, kind, status, capacity, voting_opens_at, voting_deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         CASE WHEN $8::float8 > 0 THEN now() + make_interval(secs => $8::float8) END,
		         CASE WHEN $9::float8 > 0 THEN now() + make_interval(secs => $8::float8 + $9::float8) END)`,
		id, nc.DeliberationID, nc.Tier, nc.Batch, nc.Kind, status, nc.Capacity,
		nc.OpensAfter.Seconds(), nc.Deadline.Seconds(),
	); err != nil {
		return model.Cell{}, fmt.Errorf("storage: create cell: %w", err)
	}

	rows := make([][]any, len(nc.IdeaIDs))
	for i, ideaID := range nc.IdeaIDs {
		rows[i] = []any{id, ideaID, i}
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"cell_ideas"},
		[]string{"cell_id", "idea_id", "position"}, pgx.CopyFromRows(rows),
	); err != nil {
		return model.Cell{}, fmt.Errorf("storage: create cell ideas: %w", err)
	}
	return getCell(ctx, t.tx, id)
}

// NextBatch returns the next unused batch number at tier. The caller holds
// the deliberation lock.
func (t *Tx) NextBatch(ctx context.Context, deliberationID uuid.UUID, tier int) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(batch), 0) + 1 FROM cells WHERE deliberation_id = $1 AND tier = $2`,
		deliberationID, tier,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: next batch: %w", err)
	}
	return n, nil
}

// JoinableCells returns open cells at the given tiers that still have a free
// seat, ordered tier ASC, seats filled DESC, created_at ASC.
func (db *DB) JoinableCells(ctx context.Context, deliberationID uuid.UUID, tiers []int) ([]model.Cell, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT * FROM (`+cellSelect+`
		     WHERE c.deliberation_id = $1 AND c.tier = ANY($2) AND c.status <> 'COMPLETED'
		 ) AS joinable(id, deliberation_id, tier, batch, kind, status, capacity, winner_idea_id,
		           voting_opens_at, voting_deadline, finalizes_at, created_at, completed_at,
		           idea_ids, seats_filled, voter_count)
		 WHERE seats_filled < capacity
		 ORDER BY tier ASC, seats_filled DESC, created_at ASC, id ASC`,
		deliberationID, tiers)
	if err != nil {
		return nil, fmt.Errorf("storage: joinable cells: %w", err)
	}
	return scanCells(rows)
}

// OpenTiers returns the distinct tiers that have at least one open cell.
func (t *Tx) OpenTiers(ctx context.Context, deliberationID uuid.UUID) ([]int, error) {
	return openTiers(ctx, t.tx, deliberationID)
}

// OpenTiers returns the distinct tiers that have at least one open cell.
func (db *DB) OpenTiers(ctx context.Context, deliberationID uuid.UUID) ([]int, error) {
	return openTiers(ctx, db.pool, deliberationID)
}

func openTiers(ctx context.Context, q querier, deliberationID uuid.UUID) ([]int, error) {
	rows, err := q.Query(ctx,
		`SELECT DISTINCT tier FROM cells WHERE deliberation_id = $1 AND status <> 'COMPLETED' ORDER BY tier`,
		deliberationID)
	if err != nil {
		return nil, fmt.Errorf("storage: open tiers: %w", err)
	}
	defer rows.Close()
	var tiers []int
	for rows.Next() {
		var tier int
		if err := rows.Scan(&tier); err != nil {
			return nil, fmt.Errorf("storage: scan tier: %w", err)
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

// LockOpenCellsAtTier locks every open cell at tier in id order.
func (t *Tx) LockOpenCellsAtTier(ctx context.Context, deliberationID uuid.UUID, tier int) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id FROM cells
		 WHERE deliberation_id = $1 AND tier = $2 AND status <> 'COMPLETED'
		 ORDER BY id
		 FOR NO KEY UPDATE`,
		deliberationID, tier)
	if err != nil {
		return nil, fmt.Errorf("storage: lock open cells: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan cell id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BatchCells returns every cell of (deliberation, tier, batch).
func (t *Tx) BatchCells(ctx context.Context, deliberationID uuid.UUID, tier, batch int) ([]model.Cell, error) {
	rows, err := t.tx.Query(ctx,
		cellSelect+` WHERE c.deliberation_id = $1 AND c.tier = $2 AND c.batch = $3 ORDER BY c.created_at, c.id`,
		deliberationID, tier, batch)
	if err != nil {
		return nil, fmt.Errorf("storage: batch cells: %w", err)
	}
	return scanCells(rows)
}

// BatchRef summarizes a batch whose ideas are still IN_VOTING.
type BatchRef struct {
	Tier      int
	Batch     int
	Kind      model.CellKind
	Cells     int
	OpenCells int
}

// UnresolvedBatches returns every batch of the deliberation that has not been
// resolved yet, ordered by tier and batch.
func (t *Tx) UnresolvedBatches(ctx context.Context, deliberationID uuid.UUID) ([]BatchRef, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT c.tier, c.batch, MIN(c.kind),
		        COUNT(*),
		        COUNT(*) FILTER (WHERE c.status <> 'COMPLETED')
		 FROM cells c
		 WHERE c.deliberation_id = $1
		   AND EXISTS (
		       SELECT 1 FROM cell_ideas ci JOIN ideas i ON i.id = ci.idea_id
		       WHERE ci.cell_id = c.id AND i.status = $2)
		 GROUP BY c.tier, c.batch
		 ORDER BY c.tier, c.batch`,
		deliberationID, model.IdeaInVoting)
	if err != nil {
		return nil, fmt.Errorf("storage: unresolved batches: %w", err)
	}
	defer rows.Close()
	var out []BatchRef
	for rows.Next() {
		var b BatchRef
		if err := rows.Scan(&b.Tier, &b.Batch, &b.Kind, &b.Cells, &b.OpenCells); err != nil {
			return nil, fmt.Errorf("storage: scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// OpenVoting moves a DELIBERATING cell to VOTING and starts its deadline.
// It returns false when the cell was not DELIBERATING.
func (t *Tx) OpenVoting(ctx context.Context, cellID uuid.UUID, deadline time.Duration) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE cells
		 SET status = $2,
		     voting_opens_at = now(),
		     voting_deadline = CASE WHEN $3::float8 > 0 THEN now() + make_interval(secs => $3::float8) END
		 WHERE id = $1 AND status = $4`,
		cellID, model.CellVoting, deadline.Seconds(), model.CellDeliberating)
	if err != nil {
		return false, fmt.Errorf("storage: open voting: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ScheduleFinalize sets finalizes_at to now + grace and returns it.
func (t *Tx) ScheduleFinalize(ctx context.Context, cellID uuid.UUID, grace time.Duration) (time.Time, error) {
	var at time.Time
	if err := t.tx.QueryRow(ctx,
		`UPDATE cells SET finalizes_at = now() + make_interval(secs => $2::float8)
		 WHERE id = $1 RETURNING finalizes_at`,
		cellID, grace.Seconds(),
	).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("storage: schedule finalize: %w", err)
	}
	return at, nil
}

// CompleteCell marks a locked cell COMPLETED with its local winner.
func (t *Tx) CompleteCell(ctx context.Context, cellID uuid.UUID, winner *uuid.UUID) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE cells SET status = $2, winner_idea_id = $3, completed_at = now(), finalizes_at = NULL
		 WHERE id = $1`,
		cellID, model.CellCompleted, winner,
	); err != nil {
		return fmt.Errorf("storage: complete cell: %w", err)
	}
	return nil
}

// ListCells returns every cell of a deliberation ordered by tier, batch and creation.
func (db *DB) ListCells(ctx context.Context, deliberationID uuid.UUID) ([]model.Cell, error) {
	rows, err := db.pool.Query(ctx,
		cellSelect+` WHERE c.deliberation_id = $1 ORDER BY c.tier, c.batch, c.created_at, c.id`,
		deliberationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list cells: %w", err)
	}
	return scanCells(rows)
}

// CellRef identifies a cell picked up by a sweep.
type CellRef struct {
	ID             uuid.UUID
	DeliberationID uuid.UUID
}

func (db *DB) cellRefs(ctx context.Context, query string, args ...any) ([]CellRef, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CellRef
	for rows.Next() {
		var r CellRef
		if err := rows.Scan(&r.ID, &r.DeliberationID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueFinalizations returns VOTING cells whose grace period has ended.
func (db *DB) DueFinalizations(ctx context.Context, limit int) ([]CellRef, error) {
	refs, err := db.cellRefs(ctx,
		`SELECT id, deliberation_id FROM cells
		 WHERE status = $1 AND finalizes_at IS NOT NULL AND finalizes_at <= now()
		 ORDER BY finalizes_at LIMIT $2`,
		model.CellVoting, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: due finalizations: %w", err)
	}
	return refs, nil
}

// TimedOutCells returns VOTING cells past their deadline with at least one vote.
// Cells without votes keep waiting.
func (db *DB) TimedOutCells(ctx context.Context, limit int) ([]CellRef, error) {
	refs, err := db.cellRefs(ctx,
		`SELECT c.id, c.deliberation_id FROM cells c
		 WHERE c.status = $1 AND c.voting_deadline IS NOT NULL AND c.voting_deadline <= now()
		   AND EXISTS (SELECT 1 FROM votes v WHERE v.cell_id = c.id)
		 ORDER BY c.voting_deadline LIMIT $2`,
		model.CellVoting, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: timed out cells: %w", err)
	}
	return refs, nil
}

// DueVotingOpens returns DELIBERATING cells whose discussion window has ended.
func (db *DB) DueVotingOpens(ctx context.Context, limit int) ([]CellRef, error) {
	refs, err := db.cellRefs(ctx,
		`SELECT id, deliberation_id FROM cells
		 WHERE status = $1 AND voting_opens_at IS NOT NULL AND voting_opens_at <= now()
		 ORDER BY voting_opens_at LIMIT $2`,
		model.CellDeliberating, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: due voting opens: %w", err)
	}
	return refs, nil
}
