package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is stored in PRAGMA user_version once Migrate succeeds.
const schemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// Migrate brings an existing archive up to the current schema. Archives
// written before reply threading and badge columns existed gain them with
// empty defaults; duplicate platform ids are removed before the unique index
// is created.
func Migrate(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	if userVersion >= schemaVersion {
		return nil
	}

	slog.Info("sink: sqlite migrating", "path", path, "user_version", userVersion, "target", schemaVersion)

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		slog.Warn("sink: sqlite messages table missing; skipping migration")
		return nil
	}

	added := []struct {
		name string
		ddl  string
	}{
		{"platform_id", `ALTER TABLE messages ADD COLUMN platform_id TEXT NOT NULL DEFAULT '';`},
		{"display_name", `ALTER TABLE messages ADD COLUMN display_name TEXT NOT NULL DEFAULT '';`},
		{"reply_parent_id", `ALTER TABLE messages ADD COLUMN reply_parent_id TEXT NOT NULL DEFAULT '';`},
		{"badges", `ALTER TABLE messages ADD COLUMN badges TEXT NOT NULL DEFAULT '';`},
		{"moderator", `ALTER TABLE messages ADD COLUMN moderator INTEGER NOT NULL DEFAULT 0;`},
		{"subscriber", `ALTER TABLE messages ADD COLUMN subscriber INTEGER NOT NULL DEFAULT 0;`},
		{"colour", `ALTER TABLE messages ADD COLUMN colour TEXT NOT NULL DEFAULT '';`},
	}
	for _, col := range added {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col.name, err)
		}
		slog.Info("sink: sqlite column added", "column", col.name)
	}

	dedupeSQL := `DELETE FROM messages
WHERE TRIM(platform_id) != ''
  AND rowid NOT IN (
    SELECT MIN(rowid)
    FROM messages
    WHERE TRIM(platform_id) != ''
    GROUP BY platform_id
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe platform_id: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("sink: sqlite duplicates removed", "count", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS messages_uq_platform_id
        ON messages(platform_id) WHERE platform_id != '';`); err != nil {
		return fmt.Errorf("sqlite: ensure messages_uq_platform_id: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS messages_channel_ts ON messages(channel, ts);`); err != nil {
		return fmt.Errorf("sqlite: ensure messages_channel_ts: %w", err)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_uq_platform_id")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}

	slog.Info("sink: sqlite migrated", "user_version", schemaVersion, "messages_uq_platform_id", hasIndex)
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
