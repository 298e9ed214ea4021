package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
)

// screenshotGrace is added to the navigation timeout for the idle wait and capture.
const screenshotGrace = 30 * time.Second

type screenshotRequest struct {
	URL string `json:"url"`
}

type screenshotResponse struct {
	URL  string `json:"url"`
	Data string `json:"data"`
}

// takeScreenshot renders one URL outside any crawl session and returns the
// image as a data URL.
func (s *Server) takeScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.renderer == nil {
		writeError(w, http.StatusServiceUnavailable, "renderer unavailable")
		return
	}
	var req screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := strings.TrimSpace(req.URL)
	if _, err := crawler.Canonicalize(target, ""); err != nil {
		s.observeScreenshot("invalid")
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	navTimeout := s.cfg.NavigationTimeout()
	if navTimeout <= 0 {
		navTimeout = crawler.DefaultNavigationTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), navTimeout+screenshotGrace)
	defer cancel()

	shot, err := s.capture(ctx, target, navTimeout)
	if err != nil {
		status, result := screenshotFailure(err)
		s.observeScreenshot(result)
		s.logger.Warn("screenshot failed", zap.String("url", target), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	s.observeScreenshot("success")
	writeJSON(w, http.StatusOK, screenshotResponse{
		URL:  target,
		Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(shot),
	})
}

func (s *Server) capture(ctx context.Context, target string, navTimeout time.Duration) ([]byte, error) {
	session, err := s.renderer.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Debug("close screenshot session", zap.Error(cerr))
		}
	}()

	err = crawler.NewNavigationRetryPolicy().Navigate(ctx, session, target, navTimeout, s.logger)
	if err != nil {
		return nil, &crawler.NavigationError{URL: target, Err: err}
	}
	return session.Screenshot(ctx)
}

func screenshotFailure(err error) (int, string) {
	var navErr *crawler.NavigationError
	switch {
	case errors.Is(err, crawler.ErrScreenshotUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case crawler.IsFatal(err):
		return http.StatusServiceUnavailable, "fatal"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &navErr):
		return http.StatusBadGateway, "navigation"
	default:
		return http.StatusBadGateway, "error"
	}
}

func (s *Server) observeScreenshot(result string) {
	if s.metrics != nil {
		s.metrics.ObserveScreenshot(result)
	}
}
