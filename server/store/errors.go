package store

import (
	"database/sql"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/codegraphhq/codegraph/common/gerror"
)

// MakeStandardDBError converts driver-specific errors into the standard
// error types the service layer understands.
func MakeStandardDBError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gerror.NewErrNotFound("Resource not found").Wrap(err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(sqliteErr)
		}
		if sqliteErr.Code == sqlite3.ErrNotFound {
			return gerror.NewErrNotFound("Resource not found").Wrap(sqliteErr)
		}
	}

	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		// 23505 -> unique_violation
		if pgErr.Code == "23505" {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(pgErr)
		}
		// P0002 -> no_data_found
		if pgErr.Code == "P0002" {
			return gerror.NewErrNotFound("Resource not found").Wrap(pgErr)
		}
	}
	return err
}
