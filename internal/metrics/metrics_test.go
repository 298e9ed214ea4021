package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewHTTP(reg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/v1/sessions/a", "/v1/sessions/b", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/v1/sessions/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/missing", "404")))
	assert.Positive(t, testutil.CollectAndCount(m.duration))
}

func TestStreamsAndScreenshots(t *testing.T) {
	t.Parallel()

	m, err := NewHTTP(prometheus.NewRegistry())
	require.NoError(t, err)

	closeA := m.StreamOpened()
	closeB := m.StreamOpened()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streams))
	closeA()
	closeB()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streams))

	m.ObserveScreenshot("success")
	m.ObserveScreenshot("error")
	m.ObserveScreenshot("success")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.screenshotReq.WithLabelValues("success")))
}

func TestNewHTTPRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewHTTP(reg)
	require.NoError(t, err)
	_, err = NewHTTP(reg)
	require.Error(t, err)
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m, err := NewHTTP(reg)
	require.NoError(t, err)
	m.ObserveScreenshot("success")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "screenshot_requests_total"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
