package crawler

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/JakeFAU/screenshot-crawler/internal/crawler"

// WorkerConfig controls PageWorker behavior.
type WorkerConfig struct {
	NavigationTimeout time.Duration
	Retry             *NavigationRetryPolicy
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.Tracer
}

// PageWorker renders one target per call: navigate, collect links, and
// capture a screenshot the first time a URL is seen. Every failure is folded
// into PageResult.Err; Process never panics the caller's loop.
type PageWorker struct {
	engine  Engine
	tracker screenshotTracker
	clock   Clock
	cfg     WorkerConfig
	logger  *zap.Logger
}

// NewPageWorker constructs a worker bound to engine. tracker decides whether a
// screenshot is still needed for a URL.
func NewPageWorker(
	engine Engine,
	tracker screenshotTracker,
	clock Clock,
	cfg WorkerConfig,
	logger *zap.Logger,
) *PageWorker {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = NewNavigationRetryPolicy()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageWorker{
		engine:  engine,
		tracker: tracker,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Process renders target and reports the outcome. The rendering session is
// released on every path.
func (w *PageWorker) Process(ctx context.Context, target CrawlTarget) PageResult {
	ctx, span := w.cfg.Tracer.Start(ctx, "crawl.page", trace.WithAttributes(
		attribute.String("url.full", target.URL),
		attribute.Int("crawl.depth", target.Depth),
	))
	defer span.End()

	start := w.clock.Now()
	res := w.process(ctx, target)
	res.URL = target.URL
	res.Depth = target.Depth
	res.Duration = w.clock.Now().Sub(start)

	span.SetAttributes(
		attribute.Int("crawl.links", len(res.Links)),
		attribute.Bool("crawl.screenshot", len(res.Screenshot) > 0),
	)
	if res.Err != nil {
		span.SetAttributes(attribute.String("crawl.error_kind", string(res.Err.Kind)))
		span.SetStatus(codes.Error, res.Err.Message)
	}
	return res
}

func (w *PageWorker) process(ctx context.Context, target CrawlTarget) PageResult {
	logger := w.logger.With(zap.String("url", target.URL), zap.Int("depth", target.Depth))

	sess, err := w.engine.NewSession(ctx)
	if err != nil {
		if IsFatal(err) {
			return PageResult{Err: pageError(ErrorKindFatal, err)}
		}
		return PageResult{Err: pageError(ErrorKindNavigation, &NavigationError{URL: target.URL, Err: err})}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Debug("session close failed", zap.Error(cerr))
		}
	}()

	if err := w.cfg.Retry.Navigate(ctx, sess, target.URL, w.cfg.NavigationTimeout, logger); err != nil {
		if IsFatal(err) {
			return PageResult{Err: pageError(ErrorKindFatal, err)}
		}
		return PageResult{Err: pageError(ErrorKindNavigation, &NavigationError{URL: target.URL, Err: err})}
	}

	raw, err := sess.ExtractLinks(ctx)
	if err != nil {
		if IsFatal(err) {
			return PageResult{Err: pageError(ErrorKindFatal, err)}
		}
		return PageResult{Err: pageError(ErrorKindExtraction, &ExtractionError{URL: target.URL, Op: "extract links", Err: err})}
	}
	res := PageResult{Links: normalizeLinks(raw, target.URL)}

	if w.tracker != nil && !w.tracker.NeedsScreenshot(target.URL) {
		logger.Debug("screenshot already captured; skipping")
		return res
	}
	shot, err := sess.Screenshot(ctx)
	switch {
	case err == nil:
		res.Screenshot = shot
	case errors.Is(err, ErrScreenshotUnsupported):
	case IsFatal(err):
		res.Err = pageError(ErrorKindFatal, err)
	default:
		res.Err = pageError(ErrorKindCapture, &ExtractionError{URL: target.URL, Op: "screenshot", Err: err})
	}
	return res
}

// normalizeLinks canonicalizes hrefs against the page they were found on and
// drops duplicates and anything that is not an http(s) URL. Order is kept.
func normalizeLinks(raw []string, pageURL string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, href := range raw {
		link, err := Canonicalize(href, pageURL)
		if err != nil {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

func pageError(kind ErrorKind, err error) *PageError {
	return &PageError{Kind: kind, Message: err.Error(), Err: err}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
