package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MaxTierTaskAttempts is the number of failed attempts after which a tier
// task is left as a dead letter.
const MaxTierTaskAttempts = 10

// TierTask asks the coordinator to resolve one batch and advance the tier.
type TierTask struct {
	ID             int64
	DeliberationID uuid.UUID
	Tier           int
	Batch          int
	Attempts       int
}

// EnqueueTierTask records a batch for resolution in the caller's transaction.
func (t *Tx) EnqueueTierTask(ctx context.Context, deliberationID uuid.UUID, tier, batch int) (TierTask, error) {
	task := TierTask{DeliberationID: deliberationID, Tier: tier, Batch: batch}
	if err := t.tx.QueryRow(ctx,
		`INSERT INTO tier_tasks (deliberation_id, tier, batch) VALUES ($1, $2, $3) RETURNING id`,
		deliberationID, tier, batch,
	).Scan(&task.ID); err != nil {
		return TierTask{}, fmt.Errorf("storage: enqueue tier task: %w", err)
	}
	return task, nil
}

// DeleteTierTask removes a task inside the transaction that handled it.
// It returns false when another handler already removed it.
func (t *Tx) DeleteTierTask(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tier_tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete tier task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimTierTasks selects up to limit pending tasks, skipping rows locked by
// other workers, and leases them for 60 seconds.
func (db *DB) ClaimTierTasks(ctx context.Context, limit int) ([]TierTask, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, deliberation_id, tier, batch, attempts
		 FROM tier_tasks
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxTierTaskAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select tier tasks: %w", err)
	}
	tasks, err := scanTierTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tier_tasks SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease tier tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return tasks, nil
}

// FailTierTask records a failed attempt and backs off exponentially
// (2^attempts seconds, capped at 5 minutes).
func (db *DB) FailTierTask(ctx context.Context, id int64, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE tier_tasks
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, id,
	); err != nil {
		return fmt.Errorf("storage: fail tier task: %w", err)
	}
	return nil
}

// CleanupDeadTierTasks deletes dead-letter tasks older than seven days.
func (db *DB) CleanupDeadTierTasks(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tier_tasks WHERE attempts >= $1 AND created_at < now() - interval '7 days'`,
		MaxTierTaskAttempts)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup tier tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TierQueueDepth returns the number of live tier tasks.
func (db *DB) TierQueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tier_tasks WHERE attempts < $1`, MaxTierTaskAttempts,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: tier queue depth: %w", err)
	}
	return n, nil
}

func scanTierTasks(rows pgx.Rows) ([]TierTask, error) {
	defer rows.Close()
	var tasks []TierTask
	for rows.Next() {
		var t TierTask
		if err := rows.Scan(&t.ID, &t.DeliberationID, &t.Tier, &t.Batch, &t.Attempts); err != nil {
			return nil, fmt.Errorf("storage: scan tier task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
