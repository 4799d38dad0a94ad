package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/twitch-bot/internal/state"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL PRIMARY KEY,
  platform_id TEXT NOT NULL DEFAULT '',
  ts TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  user_id TEXT NOT NULL,
  login TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL,
  reply_parent_id TEXT NOT NULL DEFAULT '',
  badges TEXT NOT NULL DEFAULT '',
  moderator INTEGER NOT NULL DEFAULT 0,
  subscriber INTEGER NOT NULL DEFAULT 0,
  colour TEXT NOT NULL DEFAULT ''
);`

const insertMessage = `INSERT INTO messages (id, platform_id, ts, channel_id, channel, user_id, login, display_name, text, reply_parent_id, badges, moderator, subscriber, colour)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING;`

const selectColumns = `id, platform_id, ts, channel_id, channel, user_id, login, display_name, text, reply_parent_id, badges, moderator, subscriber, colour`

type Options struct {
	// Tuning applies the WAL and cache pragmas.
	Tuning bool
}

// SQLiteSink archives chat messages. Messages are insert-only; a message
// already stored (by id or platform id) is ignored.
type SQLiteSink struct {
	db *sql.DB
}

const defaultListLimit = 100

// tsLayout is fixed width so timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func OpenSQLite(path string, opts Options) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	if opts.Tuning {
		ApplySQLitePragmas(ctx, db)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Write(msg state.Message) error {
	_, err := s.db.Exec(insertMessage, messageArgs(msg)...)
	return errors.Wrap(err, "insert message")
}

// WriteBatch inserts messages in one transaction.
func (s *SQLiteSink) WriteBatch(msgs []state.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	stmt, err := tx.Prepare(insertMessage)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare batch")
	}
	defer stmt.Close()
	for _, msg := range msgs {
		if _, err := stmt.Exec(messageArgs(msg)...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert message %s", msg.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

func messageArgs(msg state.Message) []any {
	return []any{
		msg.ID.String(),
		msg.PlatformID,
		msg.ReceivedAt.UTC().Format(tsLayout),
		msg.ChannelID,
		msg.ChannelName,
		msg.Author.ID,
		msg.Author.Login,
		msg.Author.DisplayName,
		msg.Body,
		msg.ReplyParentID,
		msg.AuthorState.Badges,
		boolInt(msg.AuthorState.Moderator),
		boolInt(msg.AuthorState.Subscriber),
		msg.Author.Color,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

func (s *SQLiteSink) CountMessages(ctx context.Context, filters Filters) (int64, error) {
	query, args := buildMessageQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListMessages(ctx context.Context, filters Filters) ([]state.Message, error) {
	query, args := buildMessageQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []state.Message
	for rows.Next() {
		var (
			msg       state.Message
			id, ts    string
			mod, subs int
		)
		if err := rows.Scan(&id, &msg.PlatformID, &ts, &msg.ChannelID, &msg.ChannelName,
			&msg.Author.ID, &msg.Author.Login, &msg.Author.DisplayName, &msg.Body,
			&msg.ReplyParentID, &msg.AuthorState.Badges, &mod, &subs, &msg.Author.Color); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if parsed, err := uuid.Parse(id); err == nil {
			msg.ID = parsed
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.ReceivedAt = t
		}
		msg.AuthorState.ChannelID = msg.ChannelID
		msg.AuthorState.UserID = msg.Author.ID
		msg.AuthorState.Moderator = mod == 1
		msg.AuthorState.Subscriber = subs == 1
		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func buildMessageQuery(filters Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM messages")
	} else {
		builder.WriteString("SELECT " + selectColumns + " FROM messages")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Channels) > 0 {
		placeholders := make([]string, 0, len(filters.Channels))
		for _, c := range filters.Channels {
			placeholders = append(placeholders, "?")
			args = append(args, c)
		}
		conditions = append(conditions, fmt.Sprintf("channel IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Users) > 0 {
		ors := make([]string, 0, len(filters.Users))
		for _, u := range filters.Users {
			ors = append(ors, "(login LIKE '%' || ? || '%' OR LOWER(display_name) LIKE '%' || ? || '%')")
			args = append(args, u, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(tsLayout))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}
