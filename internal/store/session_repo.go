package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("session record not found")

// SessionStatus mirrors the crawl_sessions status column.
type SessionStatus string

// Session statuses persisted in crawl_sessions.status.
const (
	SessionRunning   SessionStatus = "running"
	SessionFinished  SessionStatus = "finished"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// PageStatus mirrors the crawl_pages status column.
type PageStatus string

// Page outcomes persisted in crawl_pages.status.
const (
	PageSuccess PageStatus = "success"
	PageError   PageStatus = "error"
)

// SessionRun models the crawl_sessions table for API responses.
type SessionRun struct {
	// ID is the session UUID shared with progress events.
	ID uuid.UUID
	// SeedURL is the canonical seed of the crawl.
	SeedURL string
	// StartedAt captures when the seed was dispatched.
	StartedAt time.Time
	// FinishedAt is nil until the session ends.
	FinishedAt *time.Time
	// Status is running/finished/cancelled/failed.
	Status SessionStatus
	// Pages counts processed pages at completion.
	Pages int
	// ErrorMessage holds the fatal renderer error, if any.
	ErrorMessage *string
}

// PageRecord is one processed page of a session.
type PageRecord struct {
	SessionID     uuid.UUID
	URL           string
	Depth         int
	Status        PageStatus
	ScreenshotURI string
	Links         []string
	Error         string
	Duration      time.Duration
	ProcessedAt   time.Time
}

// SessionRepository persists crawl session history.
type SessionRepository interface {
	// StartSession inserts (or idempotently updates) a running session row.
	StartSession(ctx context.Context, id uuid.UUID, seedURL string, startedAt time.Time) error
	// RecordPage appends one processed page.
	RecordPage(ctx context.Context, rec PageRecord) error
	// CompleteSession marks the session finished with the provided status and error.
	CompleteSession(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status SessionStatus,
		pages int,
		errMsg *string,
	) error

	// GetSession loads a single session or returns ErrNotFound.
	GetSession(ctx context.Context, id uuid.UUID) (SessionRun, error)
	// ListSessions returns sessions filtered by optional status plus limit/offset.
	ListSessions(ctx context.Context, status *SessionStatus, limit, offset int) ([]SessionRun, error)
	// ListPages returns the processed pages of one session.
	ListPages(ctx context.Context, id uuid.UUID, limit, offset int) ([]PageRecord, error)
}
