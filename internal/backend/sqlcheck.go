// internal/backend/sqlcheck.go
//
// Uniqueness checks straight against MySQL, for deployments where the
// gateway shares the backend's database instead of calling its REST API.
//
// Notes
//   •  Identifiers cannot be bound as parameters, so table and column names
//      are validated once at construction and then quoted with backticks.
//   •  The query carries LIMIT 1; existence is all we need.

package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"

	"github.com/yanizio/formgate/internal/form"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// SQLUnique returns a Checker that reports true when no row in table has
// column = value.  idColumn, when set, excludes the record being edited.
func SQLUnique(db *sqlx.DB, table, column, idColumn string) (form.Checker, error) {
	for _, id := range []string{table, column} {
		if !identRe.MatchString(id) {
			return nil, fmt.Errorf("backend: invalid SQL identifier %q", id)
		}
	}
	if idColumn != "" && !identRe.MatchString(idColumn) {
		return nil, fmt.Errorf("backend: invalid SQL identifier %q", idColumn)
	}

	base := fmt.Sprintf("SELECT 1 FROM `%s` WHERE `%s` = ?", table, column)
	withExclude := ""
	if idColumn != "" {
		withExclude = base + fmt.Sprintf(" AND `%s` <> ?", idColumn) + " LIMIT 1"
	}
	base += " LIMIT 1"

	return func(ctx context.Context, value, excludeID string) (bool, error) {
		var (
			one int
			err error
		)
		if excludeID != "" && withExclude != "" {
			err = db.GetContext(ctx, &one, withExclude, value, excludeID)
		} else {
			err = db.GetContext(ctx, &one, base, value)
		}
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return true, nil
		case err != nil:
			return false, fmt.Errorf("unique check %s.%s: %w", table, column, err)
		}
		return false, nil
	}, nil
}
