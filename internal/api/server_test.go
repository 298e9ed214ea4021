package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/screenshot-crawler/internal/config"
	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
	"github.com/JakeFAU/screenshot-crawler/internal/metrics"
	"github.com/JakeFAU/screenshot-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

var jpegStub = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}

type testEnv struct {
	server   *Server
	crawler  *fakeCrawler
	events   *fakeEvents
	engine   *fakeEngine
	repo     *fakeRepo
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)

	env := &testEnv{
		crawler:  &fakeCrawler{nextID: "11111111-2222-3333-4444-555555555555"},
		events:   newFakeEvents(),
		engine:   &fakeEngine{pages: map[string][]byte{"https://example.com/": jpegStub}},
		repo:     newFakeRepo(),
		registry: reg,
	}
	deps := Deps{
		Crawler:  env.crawler,
		Events:   env.events,
		Renderer: env.engine,
		History:  env.repo,
		Metrics:  httpMetrics,
		Gatherer: reg,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.server = NewServer(deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := newTestEnv(t, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("db down") }
	})
	rec = failing.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartCrawlAppliesDefaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) {
		d.Config.Crawler.MaxPagesDefault = 7
	})
	rec := env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":" https://example.com ","maxDepth":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[startResponse](t, rec)
	assert.Equal(t, "started", resp.Status)
	assert.Equal(t, env.crawler.nextID, resp.SessionID)
	assert.Equal(t, crawler.Options{
		URL:         "https://example.com",
		MaxDepth:    1,
		MaxPages:    7,
		Concurrency: crawler.DefaultConcurrency,
	}, resp.Options)
	require.Len(t, env.crawler.started, 1)
}

func TestStartCrawlExplicitZeroDepth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":"https://example.com","maxDepth":0}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, decode[startResponse](t, rec).Options.MaxDepth)
}

func TestStartCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	cases := map[string]string{
		"invalid json":     `{"url":`,
		"missing url":      `{}`,
		"relative url":     `{"url":"/just/a/path"}`,
		"bad scheme":       `{"url":"ftp://example.com"}`,
		"zero concurrency": `{"url":"https://example.com","concurrency":0}`,
	}
	for name, body := range cases {
		rec := env.do(t, http.MethodPost, "/v1/crawl/start", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), `"error"`, name)
	}
	assert.Empty(t, env.crawler.started)
}

func TestStartCrawlInternalError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.crawler.startErr = errors.New("engine exploded")
	rec := env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStopCrawl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/crawl/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"idle"}`, rec.Body.String())
	assert.Zero(t, env.crawler.stops)

	env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":"https://example.com"}`)
	rec = env.do(t, http.MethodPost, "/v1/crawl/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"stopped","session_id":"11111111-2222-3333-4444-555555555555"}`, rec.Body.String())
	assert.Equal(t, 1, env.crawler.stops)
}

func TestCrawlStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":"https://example.com"}`)

	rec := env.do(t, http.MethodGet, "/v1/crawl/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[crawler.SessionStatus](t, rec)
	assert.Equal(t, crawler.StateRunning, status.State)
	assert.Equal(t, "https://example.com", status.Seed)
}

func TestCrawlEndpointsWithoutCrawler(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) { d.Crawler = nil })
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/v1/crawl/status", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/v1/crawl/stop", "").Code)
}

func TestScreenshotReturnsDataURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/screenshot", `{"url":"https://example.com/"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[screenshotResponse](t, rec)
	assert.Equal(t, "https://example.com/", resp.URL)
	require.True(t, strings.HasPrefix(resp.Data, "data:image/jpeg;base64,"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp.Data, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	assert.Equal(t, jpegStub, raw)
	assert.Equal(t, 1, env.engine.closed, "session must be closed")
	assertScreenshotResult(t, env, "success")
}

func assertScreenshotResult(t *testing.T, env *testEnv, result string) {
	t.Helper()
	expected := `
# HELP screenshot_requests_total One-shot screenshot requests, labeled by result.
# TYPE screenshot_requests_total counter
screenshot_requests_total{result="` + result + `"} 1
`
	require.NoError(t, testutil.GatherAndCompare(env.registry, strings.NewReader(expected), "screenshot_requests_total"))
}

func TestScreenshotRetriesTransientNavigation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.engine.navErr = map[string][]error{
		"https://example.com/": {errors.New("net::ERR_CONNECTION_RESET")},
	}
	rec := env.do(t, http.MethodPost, "/v1/screenshot", `{"url":"https://example.com/"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, env.engine.calls("https://example.com/"))
}

func TestScreenshotFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		setup  func(*fakeEngine)
		status int
		result string
	}{
		{name: "invalid json", body: `nope`, status: http.StatusBadRequest},
		{name: "invalid url", body: `{"url":"not a url"}`, status: http.StatusBadRequest, result: "invalid"},
		{name: "unsupported", body: `{"url":"https://example.com/other"}`, status: http.StatusNotImplemented, result: "unsupported"},
		{
			name: "navigation",
			body: `{"url":"https://example.com/"}`,
			setup: func(e *fakeEngine) {
				e.navErr = map[string][]error{"https://example.com/": {errors.New("boom")}}
			},
			status: http.StatusBadGateway,
			result: "navigation",
		},
		{
			name: "fatal",
			body: `{"url":"https://example.com/"}`,
			setup: func(e *fakeEngine) {
				e.sessionErr = &crawler.RendererFatalError{Err: errors.New("browser gone")}
			},
			status: http.StatusServiceUnavailable,
			result: "fatal",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, nil)
			if tc.setup != nil {
				tc.setup(env.engine)
			}
			rec := env.do(t, http.MethodPost, "/v1/screenshot", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.result != "" {
				assertScreenshotResult(t, env, tc.result)
			}
		})
	}
}

func TestScreenshotWithoutRenderer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) { d.Renderer = nil })
	rec := env.do(t, http.MethodPost, "/v1/screenshot", `{"url":"https://example.com/"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) {
		d.Config = config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	})
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/crawl/status", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawl/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestThrottleGuardsBrowserEndpoints(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 1})
	env := newTestEnv(t, func(d *Deps) { d.Throttle = limiter.Middleware })

	rec := env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/crawl/start", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodPost, "/v1/screenshot", `{"url":"https://example.com/"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	for _, path := range []string{"/v1/crawl/status", "/healthz"} {
		rec = env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Len(t, env.crawler.started, 1)
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func openStream(t *testing.T, env *testEnv, query string) (*bufio.Reader, func()) {
	t.Helper()
	srv := httptest.NewServer(env.server.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events"+query, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		cancel()
		_ = resp.Body.Close()
		srv.Close()
	}
}

func readFrame(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func TestEventStreamGreetingAndEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	reader, closeStream := openStream(t, env, "")
	defer closeStream()

	assert.Equal(t, []string{"event: connected", "data: " + connectedGreeting}, readFrame(t, reader))

	id := progress.UUIDToBytes(uuid.New())
	env.events.ch <- progress.Event{SessionID: id, TS: time.Now(), Type: progress.TypeProcessing, URL: "https://example.com/"}
	env.events.ch <- progress.Event{
		SessionID: id,
		TS:        time.Now(),
		Type:      progress.TypeSuccess,
		URL:       "https://example.com/",
		Screenshot: []byte{
			0xff, 0xd8,
		},
		Links: []string{"https://example.com/a"},
	}
	env.events.ch <- progress.Event{SessionID: id, TS: time.Now(), Type: progress.TypeCompleted}

	assert.Equal(t, []string{"event: processing", `data: {"url":"https://example.com/"}`}, readFrame(t, reader))
	assert.Equal(t, []string{
		"event: success",
		`data: {"url":"https://example.com/","depth":0,"screenshot":"/9g=","links":["https://example.com/a"]}`,
	}, readFrame(t, reader))
	assert.Equal(t, []string{"event: completed", "data: {}"}, readFrame(t, reader))
}

func TestEventStreamSessionFilter(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	wanted := uuid.New()
	reader, closeStream := openStream(t, env, "?session="+wanted.String())
	defer closeStream()
	readFrame(t, reader)

	env.events.ch <- progress.Event{
		SessionID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Type: progress.TypeProcessing, URL: "https://other.test/",
	}
	env.events.ch <- progress.Event{
		SessionID: progress.UUIDToBytes(wanted), TS: time.Now(), Type: progress.TypeError, URL: "https://example.com/", Error: "timeout",
	}
	assert.Equal(t, []string{
		"event: error",
		`data: {"url":"https://example.com/","error":"timeout"}`,
	}, readFrame(t, reader))
}

func TestEventStreamKeepalive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.server.keepalive = 20 * time.Millisecond
	reader, closeStream := openStream(t, env, "")
	defer closeStream()
	readFrame(t, reader)

	assert.Equal(t, []string{": keepalive"}, readFrame(t, reader))
}

func TestEventStreamWithoutSource(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(d *Deps) { d.Events = nil })
	rec := env.do(t, http.MethodGet, "/v1/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
