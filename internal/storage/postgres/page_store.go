// Package postgres persists crawl session history in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/screenshot-crawler/internal/store"
)

// Schema creates the tables PageStore reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_sessions (
	id            UUID PRIMARY KEY,
	seed_url      TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	pages         INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS crawl_pages (
	id             BIGSERIAL PRIMARY KEY,
	session_id     UUID NOT NULL REFERENCES crawl_sessions(id) ON DELETE CASCADE,
	url            TEXT NOT NULL,
	depth          INTEGER NOT NULL,
	status         TEXT NOT NULL,
	screenshot_uri TEXT NOT NULL DEFAULT '',
	links          JSONB NOT NULL DEFAULT '[]',
	error          TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL,
	processed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_pages_session_idx ON crawl_pages (session_id, processed_at);
`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used here; pgxmock satisfies it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PageStore implements store.SessionRepository.
type PageStore struct {
	pool pool
}

var _ store.SessionRepository = (*PageStore)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PageStore{pool: p}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*PageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{pool: p}, nil
}

// Close releases the pool.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies Schema.
func (s *PageStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// StartSession inserts a running session row; repeated calls are idempotent.
func (s *PageStore) StartSession(ctx context.Context, id uuid.UUID, seedURL string, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_sessions (id, seed_url, started_at, status, pages)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (id) DO UPDATE
		SET seed_url = EXCLUDED.seed_url, status = EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, id, seedURL, startedAt, string(store.SessionRunning)); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// RecordPage appends a processed page.
func (s *PageStore) RecordPage(ctx context.Context, rec store.PageRecord) error {
	links := rec.Links
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	query := `
		INSERT INTO crawl_pages (session_id, url, depth, status, screenshot_uri, links, error, duration_ms, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err = s.pool.Exec(ctx, query,
		rec.SessionID,
		rec.URL,
		rec.Depth,
		string(rec.Status),
		rec.ScreenshotURI,
		linksJSON,
		rec.Error,
		rec.Duration.Milliseconds(),
		rec.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("record page: %w", err)
	}
	return nil
}

// CompleteSession marks a session terminal. It returns store.ErrNotFound when
// the session was never started.
func (s *PageStore) CompleteSession(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.SessionStatus,
	pages int,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_sessions
		SET finished_at = $1, status = $2, pages = $3, error_message = $4
		WHERE id = $5;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), pages, errMsg, id)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, seed_url, started_at, finished_at, status, pages, error_message`

// GetSession loads one session.
func (s *PageStore) GetSession(ctx context.Context, id uuid.UUID) (store.SessionRun, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE id = $1;`
	run, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRun{}, store.ErrNotFound
		}
		return store.SessionRun{}, fmt.Errorf("get session: %w", err)
	}
	return run, nil
}

// ListSessions returns the newest sessions first, optionally filtered by status.
func (s *PageStore) ListSessions(
	ctx context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.SessionRun, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM crawl_sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var runs []store.SessionRun
	for rows.Next() {
		run, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return runs, nil
}

// ListPages returns the pages of one session in processing order.
func (s *PageStore) ListPages(ctx context.Context, id uuid.UUID, limit, offset int) ([]store.PageRecord, error) {
	query := `
		SELECT session_id, url, depth, status, screenshot_uri, links, error, duration_ms, processed_at
		FROM crawl_pages
		WHERE session_id = $1
		ORDER BY processed_at, id
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []store.PageRecord
	for rows.Next() {
		var (
			rec        store.PageRecord
			status     string
			linksJSON  []byte
			durationMS int64
		)
		err := rows.Scan(
			&rec.SessionID,
			&rec.URL,
			&rec.Depth,
			&status,
			&rec.ScreenshotURI,
			&linksJSON,
			&rec.Error,
			&durationMS,
			&rec.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		if len(linksJSON) > 0 {
			if err := json.Unmarshal(linksJSON, &rec.Links); err != nil {
				return nil, fmt.Errorf("decode links: %w", err)
			}
		}
		rec.Status = store.PageStatus(status)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		pages = append(pages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

func scanSession(row pgx.Row) (store.SessionRun, error) {
	var (
		run    store.SessionRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.SeedURL,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Pages,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.SessionRun{}, err
	}
	run.Status = store.SessionStatus(status)
	return run, nil
}
