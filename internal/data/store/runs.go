package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"symindex/internal/core/ports"
)

// runTimeLayout is fixed width so started_at_utc sorts as text.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z"

// RecordRun appends one refresh pass. Recording the same run id twice overwrites it.
func (s *Store) RecordRun(ctx context.Context, projectKey string, run ports.RefreshRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	query := `
INSERT INTO refresh_runs (
  project_key, run_id, started_at_utc, duration_ms, files_reextracted, files_deleted,
  cache_hits, failed, skipped, symbols, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_key, run_id) DO UPDATE SET
  started_at_utc=excluded.started_at_utc,
  duration_ms=excluded.duration_ms,
  files_reextracted=excluded.files_reextracted,
  files_deleted=excluded.files_deleted,
  cache_hits=excluded.cache_hits,
  failed=excluded.failed,
  skipped=excluded.skipped,
  symbols=excluded.symbols,
  error=excluded.error
`
	return s.withRetry("record run", func() error {
		_, err := s.db.ExecContext(ctx, query,
			projectKey,
			run.RunID,
			run.StartedAt.UTC().Format(runTimeLayout),
			run.Duration.Milliseconds(),
			run.FilesReextracted,
			run.FilesDeleted,
			run.CacheHits,
			run.Failed,
			run.Skipped,
			run.Symbols,
			run.Error,
		)
		return err
	})
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, projectKey string, limit int) ([]ports.RefreshRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	var rows *sql.Rows
	err := s.withRetry("load runs", func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, `
SELECT run_id, started_at_utc, duration_ms, files_reextracted, files_deleted,
       cache_hits, failed, skipped, symbols, error
FROM refresh_runs
WHERE project_key = ?
ORDER BY started_at_utc DESC
LIMIT ?`, projectKey, limit)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ports.RefreshRun
	for rows.Next() {
		var (
			run        ports.RefreshRun
			startedRaw string
			durationMS int64
		)
		if err := rows.Scan(&run.RunID, &startedRaw, &durationMS, &run.FilesReextracted, &run.FilesDeleted,
			&run.CacheHits, &run.Failed, &run.Skipped, &run.Symbols, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		started, err := time.Parse(runTimeLayout, startedRaw)
		if err != nil {
			return nil, fmt.Errorf("parse run timestamp %q: %w", startedRaw, err)
		}
		run.StartedAt = started
		run.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}
