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

const participationColumns = `cell_id, deliberation_id, tier, user_id, status, joined_at, voted_at`

func scanParticipation(row pgx.Row) (model.Participation, error) {
	var p model.Participation
	err := row.Scan(&p.CellID, &p.DeliberationID, &p.Tier, &p.UserID, &p.Status, &p.JoinedAt, &p.VotedAt)
	return p, err
}

// InsertParticipation seats userID in a locked cell. A second seat for the
// same user at the same tier fails with model.ErrAlreadySeated. The conflict
// is absorbed with ON CONFLICT so the transaction stays usable.
func (t *Tx) InsertParticipation(ctx context.Context, c model.Cell, userID string) (model.Participation, error) {
	p, err := scanParticipation(t.tx.QueryRow(ctx,
		`INSERT INTO cell_participations (cell_id, deliberation_id, tier, user_id, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING
		 RETURNING `+participationColumns,
		c.ID, c.DeliberationID, c.Tier, userID, model.SeatActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Participation{}, fmt.Errorf("storage: seat %s at tier %d: %w", userID, c.Tier, model.ErrAlreadySeated)
		}
		return model.Participation{}, fmt.Errorf("storage: insert participation: %w", err)
	}
	return p, nil
}

// GetParticipation returns the user's seat in a cell.
func (t *Tx) GetParticipation(ctx context.Context, cellID uuid.UUID, userID string) (model.Participation, error) {
	p, err := scanParticipation(t.tx.QueryRow(ctx,
		`SELECT `+participationColumns+` FROM cell_participations WHERE cell_id = $1 AND user_id = $2`,
		cellID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Participation{}, fmt.Errorf("storage: seat %s in cell %s: %w", userID, cellID, model.ErrNotSeated)
		}
		return model.Participation{}, fmt.Errorf("storage: get participation: %w", err)
	}
	return p, nil
}

// ActiveSeat returns the user's lowest-tier ACTIVE seat in an open cell.
func (db *DB) ActiveSeat(ctx context.Context, deliberationID uuid.UUID, userID string) (model.Participation, bool, error) {
	p, err := scanParticipation(db.pool.QueryRow(ctx,
		`SELECT p.cell_id, p.deliberation_id, p.tier, p.user_id, p.status, p.joined_at, p.voted_at
		 FROM cell_participations p
		 JOIN cells c ON c.id = p.cell_id
		 WHERE p.deliberation_id = $1 AND p.user_id = $2 AND p.status = $3 AND c.status <> 'COMPLETED'
		 ORDER BY p.tier
		 LIMIT 1`,
		deliberationID, userID, model.SeatActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Participation{}, false, nil
		}
		return model.Participation{}, false, fmt.Errorf("storage: active seat: %w", err)
	}
	return p, true, nil
}

// SeatedTiers returns the tiers at which the user already holds a seat.
func (db *DB) SeatedTiers(ctx context.Context, deliberationID uuid.UUID, userID string) (map[int]bool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tier FROM cell_participations WHERE deliberation_id = $1 AND user_id = $2`,
		deliberationID, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: seated tiers: %w", err)
	}
	defer rows.Close()
	out := make(map[int]bool)
	for rows.Next() {
		var tier int
		if err := rows.Scan(&tier); err != nil {
			return nil, fmt.Errorf("storage: scan seated tier: %w", err)
		}
		out[tier] = true
	}
	return out, rows.Err()
}

// MarkVoted records that the user's ballot for the cell is in. The seat must
// still exist; a seat released underneath the caller yields model.ErrNotSeated.
func (t *Tx) MarkVoted(ctx context.Context, cellID uuid.UUID, userID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE cell_participations SET status = $3, voted_at = now() WHERE cell_id = $1 AND user_id = $2`,
		cellID, userID, model.SeatVoted,
	)
	if err != nil {
		return fmt.Errorf("storage: mark voted: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("storage: seat %s in cell %s: %w", userID, cellID, model.ErrNotSeated)
	}
	return nil
}

// ReleaseCellSeats deletes the ACTIVE seats of a cell the caller has locked.
// Seats that voted are kept.
func (t *Tx) ReleaseCellSeats(ctx context.Context, cellID uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM cell_participations WHERE cell_id = $1 AND status = $2`,
		cellID, model.SeatActive)
	if err != nil {
		return 0, fmt.Errorf("storage: release cell seats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseStaleSeats deletes ACTIVE seats older than ttl in open cells and
// returns the deliberations that were affected. Seats that voted are kept.
// The affected cells are locked first, in id order, so a release never
// interleaves with a join recount or a vote on the same cell.
func (db *DB) ReleaseStaleSeats(ctx context.Context, ttl time.Duration) ([]uuid.UUID, int64, error) {
	var ids []uuid.UUID
	var n int64
	err := db.InTx(ctx, func(tx *Tx) error {
		ids, n = nil, 0
		rows, err := tx.tx.Query(ctx,
			`SELECT c.id FROM cells c
			 WHERE c.status <> 'COMPLETED'
			   AND EXISTS (
			     SELECT 1 FROM cell_participations p
			     WHERE p.cell_id = c.id
			       AND p.status = $1
			       AND p.joined_at < now() - make_interval(secs => $2::float8))
			 ORDER BY c.id
			 FOR NO KEY UPDATE OF c`,
			model.SeatActive, ttl.Seconds())
		if err != nil {
			return fmt.Errorf("storage: lock stale cells: %w", err)
		}
		var cells []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan stale cell: %w", err)
			}
			cells = append(cells, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("storage: lock stale cells: %w", err)
		}
		if len(cells) == 0 {
			return nil
		}

		// The status re-check runs after the locks, so a cell completed or a
		// seat voted in the meantime is left alone.
		rows, err = tx.tx.Query(ctx,
			`DELETE FROM cell_participations p
			 USING cells c
			 WHERE c.id = p.cell_id
			   AND c.id = ANY($3)
			   AND c.status <> 'COMPLETED'
			   AND p.status = $1
			   AND p.joined_at < now() - make_interval(secs => $2::float8)
			 RETURNING p.deliberation_id`,
			model.SeatActive, ttl.Seconds(), cells)
		if err != nil {
			return fmt.Errorf("storage: release stale seats: %w", err)
		}
		defer rows.Close()
		seen := make(map[uuid.UUID]bool)
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("storage: scan released seat: %w", err)
			}
			n++
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return ids, n, nil
}

// CountVoters returns the number of distinct users who voted in the deliberation.
func (db *DB) CountVoters(ctx context.Context, deliberationID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM cell_participations WHERE deliberation_id = $1 AND status = $2`,
		deliberationID, model.SeatVoted,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count voters: %w", err)
	}
	return n, nil
}
