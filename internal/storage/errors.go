package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/unitychant/chant/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = model.ErrNotFound

// ErrIllegalTransition is returned when an idea status update would move an
// idea backwards or out of a terminal status.
var ErrIllegalTransition = errors.New("storage: illegal idea status transition")

const pgUniqueViolation = "23505"

// uniqueViolation returns the violated constraint name, or "" when err is
// not a unique violation.
func uniqueViolation(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == "" {
			return "unknown"
		}
		return pgErr.ConstraintName
	}
	return ""
}
