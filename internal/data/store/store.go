// Package store persists header claims and inclusion edges in SQLite, keyed by project
// identity so several projects can share one database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"symindex/internal/engine/depgraph"
	"symindex/internal/shared/util"
)

const maxAttempts = 5

type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("database path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("database path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 2 * time.Second
	}

	db, err := sql.Open(DriverName, dsn(cleanPath, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", cleanPath, err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}

	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) LoadClaims(ctx context.Context, projectKey string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	err := s.withRetry("load claims", func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx,
			`SELECT header_path, content_hash FROM header_claims WHERE project_key = ?`, projectKey)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("scan claim row: %w", err)
		}
		out[path] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim rows: %w", err)
	}
	return out, nil
}

// SaveClaims replaces the project's completed claims in one transaction.
func (s *Store) SaveClaims(ctx context.Context, projectKey string, claims map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.withRetry("save claims", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM header_claims WHERE project_key = ?`, projectKey); err != nil {
				return err
			}
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO header_claims(project_key, header_path, content_hash, updated_at_utc) VALUES (?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, path := range util.SortedStringKeys(claims) {
				if _, err := stmt.ExecContext(ctx, projectKey, path, claims[path], now); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) LoadInclusions(ctx context.Context, projectKey string) ([]depgraph.Inclusion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	err := s.withRetry("load inclusions", func() error {
		var qErr error
		rows, qErr = s.db.QueryContext(ctx, `
SELECT header_path, source_path FROM file_dependencies
WHERE project_key = ?
ORDER BY source_path, header_path`, projectKey)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []depgraph.Inclusion
	for rows.Next() {
		var e depgraph.Inclusion
		if err := rows.Scan(&e.Header, &e.Source); err != nil {
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependency rows: %w", err)
	}
	return out, nil
}

// SaveInclusions replaces the project's inclusion edges in one transaction.
func (s *Store) SaveInclusions(ctx context.Context, projectKey string, edges []depgraph.Inclusion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("save inclusions", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM file_dependencies WHERE project_key = ?`, projectKey); err != nil {
				return err
			}
			stmt, err := tx.PrepareContext(ctx,
				`INSERT OR IGNORE INTO file_dependencies(project_key, source_path, header_path) VALUES (?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, e := range edges {
				if _, err := stmt.ExecContext(ctx, projectKey, e.Source, e.Header); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// DeleteProject removes everything stored for projectKey.
func (s *Store) DeleteProject(ctx context.Context, projectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("delete project", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM header_claims WHERE project_key = ?`, projectKey); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM file_dependencies WHERE project_key = ?`, projectKey); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM refresh_runs WHERE project_key = ?`, projectKey)
			return err
		})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
