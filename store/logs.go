package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hazyhaar/catnap/idgen"
)

// LogEntry is one application log row, scoped to a user when user-visible.
type LogEntry struct {
	ID       string `json:"id"`
	UserID   string `json:"-"`
	TS       string `json:"ts"`
	Level    string `json:"level"`
	Scope    string `json:"scope"`
	Message  string `json:"message"`
	MetaJSON string `json:"meta,omitempty"`
}

// InsertLog appends one application log row. userID may be empty for
// system-wide entries.
func (s *Store) InsertLog(ctx context.Context, userID, level, scope, message, metaJSON string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO event_logs (id, user_id, ts, level, scope, message, meta_json)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		idgen.New(), nullStr(userID), NowTS(), level, scope, message, nullStr(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("store: insert log: %w", err)
	}
	return nil
}

// ListLogs pages a user's logs newest-first with a "<ts>:<id>" cursor.
// Returns the page and the next cursor ("" when exhausted).
func (s *Store) ListLogs(ctx context.Context, userID, level, cursor string, limit int) ([]LogEntry, string, error) {
	// RFC3339 timestamps contain ':' so the cursor splits from the right.
	cursorTS, cursorID := "9999-12-31T23:59:59Z", "zzzz"
	if cursor != "" {
		if i := strings.LastIndex(cursor, ":"); i > 0 {
			cursorTS, cursorID = cursor[:i], cursor[i+1:]
		}
	}

	q := `SELECT id, ts, level, scope, message, meta_json
FROM event_logs
WHERE user_id = ? AND (ts < ? OR (ts = ? AND id < ?))`
	args := []any{userID, cursorTS, cursorTS, cursorID}
	if level != "" {
		q += " AND level = ?"
		args = append(args, level)
	}
	q += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("store: list logs: %w", err)
	}
	defer rows.Close()

	var items []LogEntry
	for rows.Next() {
		var (
			e    LogEntry
			meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Level, &e.Scope, &e.Message, &meta); err != nil {
			return nil, "", err
		}
		e.MetaJSON = meta.String
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = last.TS + ":" + last.ID
	}
	return items, next, nil
}
