package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/unitychant/chant/internal/model"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const deliberationColumns = `id, question, phase, current_tier, cell_size, vote_budget,
	continuous_flow, allow_revote, champion_id, created_by, created_at, updated_at, completed_at`

func scanDeliberation(row pgx.Row) (model.Deliberation, error) {
	var d model.Deliberation
	err := row.Scan(
		&d.ID, &d.Question, &d.Phase, &d.CurrentTier, &d.CellSize, &d.VoteBudget,
		&d.ContinuousFlow, &d.AllowRevote, &d.ChampionID, &d.CreatedBy,
		&d.CreatedAt, &d.UpdatedAt, &d.CompletedAt,
	)
	return d, err
}

func getDeliberation(ctx context.Context, q querier, id uuid.UUID, suffix string) (model.Deliberation, error) {
	d, err := scanDeliberation(q.QueryRow(ctx,
		`SELECT `+deliberationColumns+` FROM deliberations WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deliberation{}, fmt.Errorf("storage: deliberation %s: %w", id, ErrNotFound)
		}
		return model.Deliberation{}, fmt.Errorf("storage: get deliberation: %w", err)
	}
	return d, nil
}

// CreateDeliberation inserts a deliberation in the SUBMISSION phase.
func (db *DB) CreateDeliberation(ctx context.Context, d model.Deliberation) (model.Deliberation, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Phase = model.PhaseSubmission
	created, err := scanDeliberation(db.pool.QueryRow(ctx,
		`INSERT INTO deliberations (id, question, phase, cell_size, vote_budget, continuous_flow, allow_revote, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+deliberationColumns,
		d.ID, d.Question, d.Phase, d.CellSize, d.VoteBudget, d.ContinuousFlow, d.AllowRevote, d.CreatedBy,
	))
	if err != nil {
		return model.Deliberation{}, fmt.Errorf("storage: create deliberation: %w", err)
	}
	return created, nil
}

// GetDeliberation retrieves a deliberation by ID.
func (db *DB) GetDeliberation(ctx context.Context, id uuid.UUID) (model.Deliberation, error) {
	return getDeliberation(ctx, db.pool, id, "")
}

// GetDeliberation reads a deliberation without locking it.
func (t *Tx) GetDeliberation(ctx context.Context, id uuid.UUID) (model.Deliberation, error) {
	return getDeliberation(ctx, t.tx, id, "")
}

// LockDeliberation reads a deliberation and holds its row lock until the
// transaction ends. Every change to phase, current tier, batches and the
// champion happens under this lock. NO KEY UPDATE serializes lockers without
// blocking foreign key checks from rows that reference the deliberation.
func (t *Tx) LockDeliberation(ctx context.Context, id uuid.UUID) (model.Deliberation, error) {
	return getDeliberation(ctx, t.tx, id, " FOR NO KEY UPDATE")
}

// SetPhase moves a deliberation to phase.
func (t *Tx) SetPhase(ctx context.Context, id uuid.UUID, phase model.Phase) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE deliberations SET phase = $2, updated_at = now() WHERE id = $1`, id, phase)
	if err != nil {
		return fmt.Errorf("storage: set phase: %w", err)
	}
	return nil
}

// RaiseCurrentTier sets current_tier to tier if it is higher.
func (t *Tx) RaiseCurrentTier(ctx context.Context, id uuid.UUID, tier int) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE deliberations SET current_tier = GREATEST(current_tier, $2), updated_at = now() WHERE id = $1`,
		id, tier)
	if err != nil {
		return fmt.Errorf("storage: raise current tier: %w", err)
	}
	return nil
}

// DeclareChampion marks ideaID as WINNER, records it on the deliberation and
// completes the deliberation. The caller holds the deliberation lock.
func (t *Tx) DeclareChampion(ctx context.Context, deliberationID, ideaID uuid.UUID) error {
	var prior model.IdeaStatus
	err := t.tx.QueryRow(ctx,
		`SELECT status FROM ideas WHERE id = $2 AND deliberation_id = $1 FOR UPDATE`,
		deliberationID, ideaID).Scan(&prior)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: champion idea %s: %w", ideaID, ErrNotFound)
		}
		return fmt.Errorf("storage: lock champion idea: %w", err)
	}
	if !model.ValidTransition(prior, model.IdeaWinner) {
		return fmt.Errorf("storage: champion idea %s is %s: %w", ideaID, prior, ErrIllegalTransition)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE ideas SET status = $2 WHERE id = $1`, ideaID, model.IdeaWinner,
	); err != nil {
		return fmt.Errorf("storage: declare champion idea: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE deliberations
		 SET champion_id = $2, phase = $3, completed_at = now(), updated_at = now()
		 WHERE id = $1`,
		deliberationID, ideaID, model.PhaseCompleted,
	); err != nil {
		return fmt.Errorf("storage: declare champion: %w", err)
	}
	return nil
}
