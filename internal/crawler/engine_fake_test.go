package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

type fakePage struct {
	links      []string
	navErrs    []error
	navDelay   time.Duration
	extractErr error
	shotErr    error
}

// fakeEngine serves canned pages keyed by canonical URL. Unknown URLs render
// as empty pages.
type fakeEngine struct {
	mu          sync.Mutex
	pages       map[string]*fakePage
	sessionErr  error
	opened      int
	closed      int
	active      int
	maxActive   int
	navigations map[string]int
	shots       map[string]int
}

func newFakeEngine(pages map[string]*fakePage) *fakeEngine {
	if pages == nil {
		pages = map[string]*fakePage{}
	}
	return &fakeEngine{
		pages:       pages,
		navigations: map[string]int{},
		shots:       map[string]int{},
	}
}

func (e *fakeEngine) NewSession(context.Context) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionErr != nil {
		return nil, e.sessionErr
	}
	e.opened++
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	return &fakeSession{engine: e}, nil
}

func (e *fakeEngine) Close(context.Context) error { return nil }

func (e *fakeEngine) page(url string) *fakePage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pages[url]; ok {
		return p
	}
	return &fakePage{}
}

func (e *fakeEngine) stats() (opened, closed, maxActive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened, e.closed, e.maxActive
}

func (e *fakeEngine) shotCount(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shots[url]
}

func (e *fakeEngine) navCount(url string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navigations[url]
}

type fakeSession struct {
	engine *fakeEngine
	url    string
	once   sync.Once
}

func (s *fakeSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	s.url = url
	e := s.engine
	e.mu.Lock()
	attempt := e.navigations[url]
	e.navigations[url]++
	e.mu.Unlock()

	p := e.page(url)
	if attempt < len(p.navErrs) && p.navErrs[attempt] != nil {
		return p.navErrs[attempt]
	}
	if p.navDelay <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-time.After(p.navDelay):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("navigate %s: %w", url, ctx.Err())
	}
}

func (s *fakeSession) ExtractLinks(context.Context) ([]string, error) {
	p := s.engine.page(s.url)
	if p.extractErr != nil {
		return nil, p.extractErr
	}
	return append([]string(nil), p.links...), nil
}

func (s *fakeSession) Screenshot(context.Context) ([]byte, error) {
	p := s.engine.page(s.url)
	s.engine.mu.Lock()
	s.engine.shots[s.url]++
	s.engine.mu.Unlock()
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return []byte("jpeg:" + s.url), nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() {
		s.engine.mu.Lock()
		s.engine.closed++
		s.engine.active--
		s.engine.mu.Unlock()
	})
	return nil
}

// eventRecorder collects emitted events synchronously.
type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *eventRecorder) ofType(typ progress.Type) []progress.Event {
	var out []progress.Event
	for _, evt := range r.Events() {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func (r *eventRecorder) has(typ progress.Type) bool {
	return len(r.ofType(typ)) > 0
}

var errNetReset = errors.New("page load error net::ERR_CONNECTION_RESET")
