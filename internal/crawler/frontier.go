package crawler

import "sync"

// Frontier holds the crawl state of one session: pending targets in FIFO
// order plus the in-flight, visited and screenshotted sets. A single mutex
// guards all of it so membership moves between sets atomically.
type Frontier struct {
	mu sync.Mutex

	maxDepth    int
	concurrency int
	base        string

	sealed bool

	pending       []CrawlTarget
	queued        map[string]struct{}
	inFlight      map[string]struct{}
	visited       map[string]struct{}
	screenshotted map[string]struct{}
}

// FrontierStats is a point-in-time view of frontier sizes.
type FrontierStats struct {
	Pending       int `json:"pending"`
	InFlight      int `json:"in_flight"`
	Visited       int `json:"visited"`
	Screenshotted int `json:"screenshotted"`
}

// NewFrontier creates an empty frontier with the given depth and concurrency bounds.
func NewFrontier(maxDepth, concurrency int) *Frontier {
	f := &Frontier{
		maxDepth:    maxDepth,
		concurrency: concurrency,
	}
	f.clear()
	return f
}

// SetBase records the session origin used to resolve relative URLs.
func (f *Frontier) SetBase(base string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base = base
}

// Enqueue appends url at depth unless it fails to canonicalize, exceeds the
// depth bound, or is already known. It reports whether a target was added.
func (f *Frontier) Enqueue(rawURL string, depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return false
	}
	if depth < 0 || depth > f.maxDepth {
		return false
	}
	key, err := Canonicalize(rawURL, f.base)
	if err != nil {
		return false
	}
	if f.knownLocked(key) {
		return false
	}
	f.pending = append(f.pending, CrawlTarget{URL: key, Depth: depth})
	f.queued[key] = struct{}{}
	return true
}

// TryDequeue pops the oldest pending target and marks it in flight. It returns
// false when nothing is pending or the concurrency bound is reached.
func (f *Frontier) TryDequeue() (CrawlTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 || len(f.inFlight) >= f.concurrency {
		return CrawlTarget{}, false
	}
	next := f.pending[0]
	f.pending[0] = CrawlTarget{}
	f.pending = f.pending[1:]
	delete(f.queued, next.URL)
	f.inFlight[next.URL] = struct{}{}
	return next, true
}

// Complete moves url from in flight to visited. Calling it again is a no-op.
func (f *Frontier) Complete(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.keyLocked(rawURL)
	delete(f.inFlight, key)
	f.visited[key] = struct{}{}
}

// NeedsScreenshot reports whether no screenshot has been captured for url yet.
func (f *Frontier) NeedsScreenshot(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, done := f.screenshotted[f.keyLocked(rawURL)]
	return !done
}

// MarkScreenshotted records that url has a captured screenshot.
func (f *Frontier) MarkScreenshotted(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshotted[f.keyLocked(rawURL)] = struct{}{}
}

// HasWork reports whether anything is pending or in flight.
func (f *Frontier) HasWork() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) > 0 || len(f.inFlight) > 0
}

// DiscardPending drops every pending target and returns how many were dropped.
func (f *Frontier) DiscardPending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.pending)
	f.pending = nil
	f.queued = make(map[string]struct{})
	return n
}

// Seal drops every pending target like DiscardPending and refuses further
// Enqueue calls until the next Reset.
func (f *Frontier) Seal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = true
	n := len(f.pending)
	f.pending = nil
	f.queued = make(map[string]struct{})
	return n
}

// Reset clears all state so the frontier can serve a new session.
func (f *Frontier) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base = ""
	f.sealed = false
	f.clear()
}

// Configure replaces the depth and concurrency bounds. Only valid while idle.
func (f *Frontier) Configure(maxDepth, concurrency int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxDepth = maxDepth
	f.concurrency = concurrency
}

// Stats returns the current set sizes.
func (f *Frontier) Stats() FrontierStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FrontierStats{
		Pending:       len(f.pending),
		InFlight:      len(f.inFlight),
		Visited:       len(f.visited),
		Screenshotted: len(f.screenshotted),
	}
}

func (f *Frontier) clear() {
	f.pending = nil
	f.queued = make(map[string]struct{})
	f.inFlight = make(map[string]struct{})
	f.visited = make(map[string]struct{})
	f.screenshotted = make(map[string]struct{})
}

func (f *Frontier) knownLocked(key string) bool {
	if _, ok := f.queued[key]; ok {
		return true
	}
	if _, ok := f.inFlight[key]; ok {
		return true
	}
	_, ok := f.visited[key]
	return ok
}

// keyLocked canonicalizes rawURL, falling back to the raw string so
// bookkeeping never silently drops a URL that was dequeued.
func (f *Frontier) keyLocked(rawURL string) string {
	key, err := Canonicalize(rawURL, f.base)
	if err != nil {
		return rawURL
	}
	return key
}
