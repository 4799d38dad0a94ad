package sink

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

// ApplySQLitePragmas applies the archive's tuning statements, logging each
// result. Failures are logged and skipped.
func ApplySQLitePragmas(ctx context.Context, db *sql.DB) {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA mmap_size=268435456;",
	}

	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			slog.Warn("sink: sqlite pragma failed", "pragma", pragma, "err", err)
		} else {
			slog.Debug("sink: sqlite pragma", "pragma", pragma, "value", value)
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
