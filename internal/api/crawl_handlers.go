package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
)

type startRequest struct {
	URL         string `json:"url"`
	MaxDepth    *int   `json:"maxDepth"`
	MaxPages    *int   `json:"maxPages"`
	Concurrency *int   `json:"concurrency"`
}

type startResponse struct {
	SessionID string          `json:"session_id"`
	Status    string          `json:"status"`
	Options   crawler.Options `json:"options"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	if s.crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts := s.toOptions(req)
	sessionID, err := s.crawler.Start(r.Context(), opts)
	if err != nil {
		var cfgErr *crawler.ConfigError
		if errors.As(err, &cfgErr) || errors.Is(err, crawler.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("start crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start crawl")
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		SessionID: sessionID,
		Status:    "started",
		Options:   opts,
	})
}

func (s *Server) toOptions(req startRequest) crawler.Options {
	return crawler.Options{
		URL:         strings.TrimSpace(req.URL),
		MaxDepth:    valueOrDefault(req.MaxDepth, orDefault(s.cfg.Crawler.MaxDepthDefault, crawler.DefaultMaxDepth)),
		MaxPages:    valueOrDefault(req.MaxPages, orDefault(s.cfg.Crawler.MaxPagesDefault, crawler.DefaultMaxPages)),
		Concurrency: valueOrDefault(req.Concurrency, orDefault(s.cfg.Crawler.ConcurrencyDefault, crawler.DefaultConcurrency)),
	}
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	before := s.crawler.Status()
	if before.State != crawler.StateRunning && before.State != crawler.StateDraining {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(before.State)})
		return
	}
	s.crawler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "stopped",
		"session_id": before.SessionID,
	})
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil {
		writeError(w, http.StatusServiceUnavailable, "crawler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.crawler.Status())
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

// orDefault treats a zero config value as unset.
func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
