package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
	"github.com/JakeFAU/screenshot-crawler/internal/progress"
	"github.com/JakeFAU/screenshot-crawler/internal/store"
)

type fakeCrawler struct {
	mu       sync.Mutex
	started  []crawler.Options
	stops    int
	status   crawler.SessionStatus
	startErr error
	nextID   string
}

func (f *fakeCrawler) Start(_ context.Context, opts crawler.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}
	f.started = append(f.started, opts)
	f.status = crawler.SessionStatus{SessionID: f.nextID, State: crawler.StateRunning, Seed: opts.URL}
	return f.nextID, nil
}

func (f *fakeCrawler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.status.State = crawler.StateCancelled
}

func (f *fakeCrawler) Status() crawler.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State == "" {
		return crawler.SessionStatus{State: crawler.StateIdle}
	}
	return f.status
}

type fakeEvents struct {
	ch           chan progress.Event
	mu           sync.Mutex
	unsubscribed bool
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{ch: make(chan progress.Event, 8)}
}

func (f *fakeEvents) Subscribe() (<-chan progress.Event, func()) {
	return f.ch, func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}
}

// fakeEngine serves scripted pages; a URL missing from pages fails navigation.
type fakeEngine struct {
	pages      map[string][]byte
	navErr     map[string][]error
	sessionErr error

	mu       sync.Mutex
	navCalls map[string]int
	closed   int
}

func (e *fakeEngine) NewSession(context.Context) (crawler.Session, error) {
	if e.sessionErr != nil {
		return nil, e.sessionErr
	}
	return &fakeSession{engine: e}, nil
}

func (e *fakeEngine) Close(context.Context) error { return nil }

func (e *fakeEngine) calls(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navCalls[url]
}

type fakeSession struct {
	engine  *fakeEngine
	current string
}

func (s *fakeSession) Navigate(_ context.Context, url string, _ time.Duration) error {
	e := s.engine
	e.mu.Lock()
	if e.navCalls == nil {
		e.navCalls = map[string]int{}
	}
	e.navCalls[url]++
	var err error
	if errs := e.navErr[url]; len(errs) > 0 {
		err = errs[0]
		e.navErr[url] = errs[1:]
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	s.current = url
	return nil
}

func (s *fakeSession) ExtractLinks(context.Context) ([]string, error) { return nil, nil }

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	shot, ok := s.engine.pages[s.current]
	if !ok {
		return nil, crawler.ErrScreenshotUnsupported
	}
	return shot, nil
}

func (s *fakeSession) Close() error {
	s.engine.mu.Lock()
	s.engine.closed++
	s.engine.mu.Unlock()
	return nil
}

// fakeRepo is an in-memory store.SessionRepository.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]store.SessionRun
	pages    map[uuid.UUID][]store.PageRecord
	err      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: map[uuid.UUID]store.SessionRun{},
		pages:    map[uuid.UUID][]store.PageRecord{},
	}
}

func (r *fakeRepo) StartSession(_ context.Context, id uuid.UUID, seed string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = store.SessionRun{ID: id, SeedURL: seed, StartedAt: startedAt, Status: store.SessionRunning}
	return nil
}

func (r *fakeRepo) RecordPage(_ context.Context, rec store.PageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[rec.SessionID] = append(r.pages[rec.SessionID], rec)
	return nil
}

func (r *fakeRepo) CompleteSession(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.SessionStatus,
	pages int,
	errMsg *string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.Pages = pages
	run.ErrorMessage = errMsg
	r.sessions[id] = run
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, id uuid.UUID) (store.SessionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return store.SessionRun{}, r.err
	}
	run, ok := r.sessions[id]
	if !ok {
		return store.SessionRun{}, store.ErrNotFound
	}
	return run, nil
}

func (r *fakeRepo) ListSessions(
	_ context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.SessionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []store.SessionRun
	for _, run := range r.sessions {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return window(out, limit, offset), nil
}

func (r *fakeRepo) ListPages(_ context.Context, id uuid.UUID, limit, offset int) ([]store.PageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return window(r.pages[id], limit, offset), nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}
