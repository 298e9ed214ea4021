// Package static implements a browserless crawler.Engine backed by colly and
// goquery. It follows links from server-rendered HTML but cannot capture
// screenshots; use it where Chrome is unavailable or for link audits.
package static

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
)

// DefaultUserAgent identifies static fetches.
const DefaultUserAgent = "screenshot-crawler/1.0 (+static)"

// Config controls the collector.
type Config struct {
	UserAgent string
	// MaxBodyBytes caps the downloaded document size; 0 keeps colly's default.
	MaxBodyBytes int
}

// Engine hands out colly-backed sessions sharing one HTTP transport.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	transport http.RoundTripper
}

// New builds an Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Engine{cfg: cfg, logger: logger, transport: newHTTPTransport()}
}

// NewSession returns an empty session bound to this engine.
func (e *Engine) NewSession(_ context.Context) (crawler.Session, error) {
	return &Session{engine: e}, nil
}

// collector builds a collector for one fetch. Each collector owns its HTTP
// client; only the transport is shared.
func (e *Engine) collector(ctx context.Context, timeout time.Duration) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.UserAgent(e.cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	}
	if e.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(e.cfg.MaxBodyBytes))
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(e.transport)
	c.SetRequestTimeout(timeout)
	return c
}

// Close releases idle connections.
func (e *Engine) Close(_ context.Context) error {
	if t, ok := e.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// Session holds the last fetched document.
type Session struct {
	engine *Engine

	mu       sync.Mutex
	finalURL *url.URL
	body     []byte
}

type visitResult struct {
	finalURL *url.URL
	body     []byte
	err      error
}

// Navigate fetches rawURL; HTTP status >= 400 is a navigation failure.
func (s *Session) Navigate(ctx context.Context, rawURL string, timeout time.Duration) error {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := s.engine.collector(taskCtx, timeout)

	var res visitResult
	c.OnResponse(func(r *colly.Response) {
		res.finalURL = r.Request.URL
		res.body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			res.err = fmt.Errorf("http status %d", r.StatusCode)
			return
		}
		res.err = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()

	select {
	case <-taskCtx.Done():
		return fmt.Errorf("fetch %s: %w", rawURL, taskCtx.Err())
	case err := <-done:
		if res.err != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, res.err)
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}

	s.mu.Lock()
	s.finalURL = res.finalURL
	s.body = res.body
	s.mu.Unlock()
	s.engine.logger.Debug("static fetch complete",
		zap.String("url", rawURL),
		zap.Int("bytes", len(res.body)),
	)
	return nil
}

// ExtractLinks resolves every a[href] against the document base the way a
// browser's anchor.href does.
func (s *Session) ExtractLinks(_ context.Context) ([]string, error) {
	s.mu.Lock()
	body, finalURL := s.body, s.finalURL
	s.mu.Unlock()
	if finalURL == nil {
		return nil, fmt.Errorf("extract links: no document loaded")
	}
	return parseLinks(body, finalURL)
}

// Screenshot is not supported without a browser.
func (s *Session) Screenshot(context.Context) ([]byte, error) {
	return nil, crawler.ErrScreenshotUnsupported
}

// Close drops the cached document.
func (s *Session) Close() error {
	s.mu.Lock()
	s.body = nil
	s.finalURL = nil
	s.mu.Unlock()
	return nil
}

func parseLinks(body []byte, pageURL *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
			base = u
		}
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		links = append(links, u.String())
	})
	return links, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
