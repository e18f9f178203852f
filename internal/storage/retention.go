package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/unitychant/chant/internal/model"
)

// PurgeCompletedDeliberations deletes COMPLETED deliberations that finished
// before the cutoff, batchSize at a time so no single transaction holds locks
// for long. Ideas, cells, seats, votes and tier tasks go with them by cascade.
// Deliberations still in progress are never touched.
func (db *DB) PurgeCompletedDeliberations(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var total int64
	for {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM deliberations
			 WHERE id IN (
			     SELECT id FROM deliberations
			     WHERE phase = $1 AND completed_at < $2
			     ORDER BY completed_at
			     LIMIT $3
			     FOR UPDATE SKIP LOCKED
			 )`,
			model.PhaseCompleted, before, batchSize,
		)
		if err != nil {
			return total, fmt.Errorf("storage: purge completed deliberations: %w", err)
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
