package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quickcall-dev/devpulse/internal/feed"
)

// RunLog implements feed.RunRecorder for SQLite.
type RunLog struct {
	db *DB
}

var _ feed.RunRecorder = (*RunLog)(nil)

// NewRunLog creates a new RunLog
func NewRunLog(db *DB) *RunLog {
	return &RunLog{db: db}
}

// RecordRun inserts one aggregation run entry.
func (r *RunLog) RecordRun(ctx context.Context, run feed.Run) error {
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	requested := make([]string, len(run.Requested))
	for i, p := range run.Requested {
		requested[i] = string(p)
	}
	var unavailable []byte
	if len(run.Unavailable) > 0 {
		var err error
		unavailable, err = json.Marshal(run.Unavailable)
		if err != nil {
			return fmt.Errorf("failed to encode unavailable sources: %w", err)
		}
	}

	query := `
		INSERT INTO runs (
			id, scope_path, scope_repo, scope_channel,
			window_start, window_end, requested, unavailable,
			record_count, partial, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Scope.Path,
		run.Scope.Repo,
		run.Scope.Channel,
		nullTime(run.Window.Start),
		nullTime(run.Window.End),
		strings.Join(requested, ","),
		nullString(string(unavailable)),
		run.RecordCount,
		run.Partial,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (r *RunLog) ListRuns(ctx context.Context, limit int) ([]feed.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT
			id, scope_path, scope_repo, scope_channel,
			window_start, window_end, requested, unavailable,
			record_count, partial, created_at
		FROM runs
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []feed.Run
	for rows.Next() {
		var run feed.Run
		var start, end sql.NullTime
		var requested string
		var unavailable sql.NullString
		if err := rows.Scan(
			&run.ID,
			&run.Scope.Path,
			&run.Scope.Repo,
			&run.Scope.Channel,
			&start,
			&end,
			&requested,
			&unavailable,
			&run.RecordCount,
			&run.Partial,
			&run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if start.Valid {
			run.Window.Start = start.Time
		}
		if end.Valid {
			run.Window.End = end.Time
		}
		if requested != "" {
			for _, p := range strings.Split(requested, ",") {
				run.Requested = append(run.Requested, feed.Provider(p))
			}
		}
		if unavailable.Valid && unavailable.String != "" {
			if err := json.Unmarshal([]byte(unavailable.String), &run.Unavailable); err != nil {
				return nil, fmt.Errorf("failed to decode unavailable sources: %w", err)
			}
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}

	return runs, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
