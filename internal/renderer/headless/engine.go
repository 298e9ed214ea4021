// Package headless renders pages in headless Chrome via chromedp. One Engine
// owns the browser process; every Session is a fresh tab inside its own
// browser context so cookies and cache never leak between pages.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
)

// Defaults mirror a typical desktop browser.
const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultJPEGQuality    = 80
	DefaultIdleWait       = 5 * time.Second
)

// Config controls the browser process and per-page rendering.
type Config struct {
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath       string
	Headless       bool
	NoSandbox      bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	// JPEGQuality is 1..100.
	JPEGQuality int
	// IdleWait caps how long Screenshot waits for network idle.
	IdleWait time.Duration
	// DismissOverlays clicks common cookie/consent buttons after navigation.
	DismissOverlays bool
}

// DefaultConfig returns the settings used when the caller has no preference.
func DefaultConfig() Config {
	return Config{
		Headless:        true,
		UserAgent:       DefaultUserAgent,
		ViewportWidth:   DefaultViewportWidth,
		ViewportHeight:  DefaultViewportHeight,
		JPEGQuality:     DefaultJPEGQuality,
		IdleWait:        DefaultIdleWait,
		DismissOverlays: true,
	}
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewportHeight
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.IdleWait <= 0 {
		c.IdleWait = DefaultIdleWait
	}
	return c
}

// Engine implements crawler.Engine on top of a single Chrome process.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
}

// New launches Chrome and waits until the browser answers.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("headless browser started",
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight),
	)
	return &Engine{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// NewSession opens a tab in a fresh browser context with the configured
// viewport, user agent and lifecycle events enabled.
func (e *Engine) NewSession(ctx context.Context) (crawler.Session, error) {
	if err := e.browserCtx.Err(); err != nil {
		return nil, &crawler.RendererFatalError{Err: fmt.Errorf("browser closed: %w", err)}
	}
	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	s := &Session{
		engine: e,
		ctx:    tabCtx,
		cancel: cancel,
		idle:   newIdleWatcher(),
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	stop := forwardCancel(ctx, cancel)
	defer stop()
	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": "en-US,en;q=0.9",
			"DNT":             "1",
		}),
		page.SetLifecycleEventsEnabled(true),
		emulation.SetDeviceMetricsOverride(int64(e.cfg.ViewportWidth), int64(e.cfg.ViewportHeight), 1, false),
		emulation.SetUserAgentOverride(e.cfg.UserAgent).WithAcceptLanguage("en-US,en;q=0.9"),
	)
	if err != nil {
		cancel()
		return nil, e.classify(fmt.Errorf("open tab: %w", err))
	}
	return s, nil
}

// Close shuts down the browser process. Safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := chromedp.Cancel(e.browserCtx); err != nil {
				e.logger.Debug("browser cancel", zap.Error(err))
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		e.browserCancel()
		e.allocCancel()
	})
	return nil
}

// classify upgrades err to a RendererFatalError when the browser itself is gone.
func (e *Engine) classify(err error) error {
	if err == nil {
		return nil
	}
	if e.browserCtx.Err() != nil || isDisconnect(err) {
		return &crawler.RendererFatalError{Err: err}
	}
	return err
}

func isDisconnect(err error) bool {
	if errors.Is(err, chromedp.ErrChannelClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "websocket: close") || strings.Contains(msg, "broken pipe")
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
