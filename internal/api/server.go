package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/config"
	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
	"github.com/JakeFAU/screenshot-crawler/internal/metrics"
	"github.com/JakeFAU/screenshot-crawler/internal/middleware"
	"github.com/JakeFAU/screenshot-crawler/internal/progress"
	"github.com/JakeFAU/screenshot-crawler/internal/store"
)

// Crawler is the orchestrator surface the API drives.
type Crawler interface {
	Start(ctx context.Context, opts crawler.Options) (string, error)
	Stop()
	Status() crawler.SessionStatus
}

// EventSource hands out progress event subscriptions.
type EventSource interface {
	Subscribe() (<-chan progress.Event, func())
}

// Deps are the collaborators of a Server. Only Crawler is required; the
// endpoints backed by a nil dependency answer 503.
type Deps struct {
	Crawler  Crawler
	Events   EventSource
	Renderer crawler.Engine
	History  store.SessionRepository
	Metrics  *metrics.HTTP
	Gatherer prometheus.Gatherer
	// Ready reports downstream readiness for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
	// Throttle guards the endpoints that launch browser work.
	Throttle func(http.Handler) http.Handler
	Config   config.Config
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the orchestrator, event stream and stores.
type Server struct {
	router    chi.Router
	crawler   Crawler
	events    EventSource
	renderer  crawler.Engine
	history   *historyHandler
	metrics   *metrics.HTTP
	ready     func(ctx context.Context) error
	cfg       config.Config
	logger    *zap.Logger
	keepalive time.Duration
}

const (
	defaultKeepalive = 15 * time.Second
	readyTimeout     = 2 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawler:   deps.Crawler,
		events:    deps.Events,
		renderer:  deps.Renderer,
		history:   newHistoryHandler(deps.History, logger),
		metrics:   deps.Metrics,
		ready:     deps.Ready,
		cfg:       deps.Config,
		logger:    logger,
		keepalive: defaultKeepalive,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(middleware.CORS(deps.Config.Server.AllowedOrigins))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Config.Auth.Enabled {
			r.Use(middleware.APIKey(deps.Config.Auth.APIKey))
		}
		r.Route("/crawl", func(r chi.Router) {
			throttled(r, deps.Throttle).Post("/start", s.startCrawl)
			r.Post("/stop", s.stopCrawl)
			r.Get("/status", s.crawlStatus)
		})
		r.Get("/events", s.streamEvents)
		throttled(r, deps.Throttle).Post("/screenshot", s.takeScreenshot)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.history.ListSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.history.GetSession)
				r.Get("/pages", s.history.ListPages)
			})
		})
	})

	s.router = r
	return s
}

func throttled(r chi.Router, mw func(http.Handler) http.Handler) chi.Router {
	if mw == nil {
		return r
	}
	return r.With(mw)
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	middleware.WriteJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	middleware.WriteError(w, status, msg)
}
