package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey serializes schema changes across chant instances that
// start against the same database.
const migrationLockKey int64 = 0x6368616e74 // "chant"

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("storage: applied migration was modified")

type migration struct {
	version  string
	sql      string
	checksum string
}

// RunMigrations applies the *.sql files of migrationsFS in name order. Each
// file runs in its own transaction together with its schema_migrations row,
// so a failed file leaves no partial schema behind. Files that already ran
// are verified against their recorded checksum and skipped.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	pending, err := readMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()

	// Migrations may wait on the advisory lock as long as another instance
	// needs; the pool's lock_timeout is for engine row locks.
	if _, err := conn.Exec(ctx, `SET lock_timeout = 0`); err != nil {
		return fmt.Errorf("storage: migration lock timeout: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("storage: migration unlock", "error", err)
		}
		_, _ = conn.Exec(context.Background(), `RESET lock_timeout`)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn.Conn())
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("storage: migration %s: %w", m.version, ErrMigrationChanged)
			}
			continue
		}
		db.logger.Info("running migration", "file", m.version)
		err := pgx.BeginFunc(ctx, conn.Conn(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, m.version, m.checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("storage: migration %s: %w", m.version, err)
		}
		ran++
	}
	db.logger.Info("migrations up to date", "applied", ran, "total", len(pending))
	return nil
}

func readMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:  path.Base(name),
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

// appliedMigrations maps each recorded version to its checksum.
func appliedMigrations(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var v [2]string
		err := row.Scan(&v[0], &v[1])
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan applied migrations: %w", err)
	}
	out := make(map[string]string, len(applied))
	for _, v := range applied {
		out[v[0]] = v[1]
	}
	return out, nil
}
