package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	defaultPageLimit    = 100
	maxPageLimit        = 1000
	historyTimeout      = 3 * time.Second
)

// historyHandler exposes read-only crawl session history.
type historyHandler struct {
	repo    store.SessionRepository
	timeout time.Duration
	logger  *zap.Logger
}

func newHistoryHandler(repo store.SessionRepository, logger *zap.Logger) *historyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &historyHandler{repo: repo, timeout: historyTimeout, logger: logger}
}

// ListSessions handles GET /v1/sessions?status=&limit=&offset=. It returns
// {"sessions": [...]}, 400 for invalid filters, 503 without a repository
// or 500 if the repository call fails.
func (h *historyHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.SessionStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toSessionDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetSession handles GET /v1/sessions/{session_id}.
func (h *historyHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(run)})
}

// ListPages handles GET /v1/sessions/{session_id}/pages?limit=&offset=.
func (h *historyHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	pages, err := h.repo.ListPages(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list pages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	out := make([]pageDTO, 0, len(pages))
	for _, p := range pages {
		out = append(out, toPageDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out})
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.SessionStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.SessionRunning, nil
	case "finished", "completed":
		return store.SessionFinished, nil
	case "cancelled", "canceled", "stopped":
		return store.SessionCancelled, nil
	case "failed", "error":
		return store.SessionFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

type sessionDTO struct {
	ID         string     `json:"id"`
	SeedURL    string     `json:"seed_url"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Pages      int        `json:"pages"`
	Error      *string    `json:"error,omitempty"`
}

func toSessionDTO(run store.SessionRun) sessionDTO {
	return sessionDTO{
		ID:         run.ID.String(),
		SeedURL:    run.SeedURL,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Pages:      run.Pages,
		Error:      run.ErrorMessage,
	}
}

type pageDTO struct {
	URL           string    `json:"url"`
	Depth         int       `json:"depth"`
	Status        string    `json:"status"`
	ScreenshotURI string    `json:"screenshot_uri,omitempty"`
	Links         []string  `json:"links"`
	Error         string    `json:"error,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	ProcessedAt   time.Time `json:"processed_at"`
}

func toPageDTO(p store.PageRecord) pageDTO {
	links := p.Links
	if links == nil {
		links = []string{}
	}
	return pageDTO{
		URL:           p.URL,
		Depth:         p.Depth,
		Status:        string(p.Status),
		ScreenshotURI: p.ScreenshotURI,
		Links:         links,
		Error:         p.Error,
		DurationMS:    p.Duration.Milliseconds(),
		ProcessedAt:   p.ProcessedAt,
	}
}
