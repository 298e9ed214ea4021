package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for sessions started/completed/running and per-page counters.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	pagesDispatched prometheus.Counter
	pagesProcessed  *prometheus.CounterVec
	pageDuration    *prometheus.HistogramVec
	screenshots     prometheus.Counter
	screenshotBytes prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sessions_started_total",
			Help: "Total crawl sessions that dispatched their seed.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_sessions_completed_total",
			Help: "Total crawl sessions ended partitioned by outcome.",
		}, []string{"outcome"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_sessions_running",
			Help: "Current number of running crawl sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_session_runtime_seconds",
			Help:    "Wall time per ended session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		pagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_pages_dispatched_total",
			Help: "Pages handed to a worker.",
		}),
		pagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_processed_total",
			Help: "Processed pages partitioned by result.",
		}, []string{"result"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_page_duration_seconds",
			Help:    "Page processing time partitioned by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"result"}),
		screenshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_screenshots_total",
			Help: "Screenshots captured.",
		}),
		screenshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_screenshot_bytes_total",
			Help: "Encoded screenshot bytes captured.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.pagesDispatched,
		s.pagesProcessed,
		s.pageDuration,
		s.screenshots,
		s.screenshotBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.TypeProcessing:
		s.pagesDispatched.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsStarted.Inc()
			s.sessionsRunning.Inc()
		}
	case progress.TypeSuccess:
		s.observePage(evt, "success")
		if len(evt.Screenshot) > 0 {
			s.screenshots.Inc()
			s.screenshotBytes.Add(float64(len(evt.Screenshot)))
		}
	case progress.TypeError:
		if evt.Fatal {
			s.endSession(evt, "failed")
			return
		}
		s.observePage(evt, "error")
	case progress.TypeCompleted:
		outcome := string(evt.Outcome)
		if outcome == "" {
			outcome = string(progress.OutcomeFinished)
		}
		s.endSession(evt, outcome)
	}
}

func (s *PrometheusSink) observePage(evt progress.Event, result string) {
	s.pagesProcessed.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) endSession(evt progress.Event, outcome string) {
	s.sessionsCompleted.WithLabelValues(outcome).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]struct{})}
}

func (t *sessionTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
