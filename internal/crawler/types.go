package crawler

import "time"

// Default crawl options applied when a caller leaves a field unset.
const (
	DefaultMaxDepth          = 3
	DefaultMaxPages          = 20
	DefaultConcurrency       = 5
	DefaultNavigationTimeout = 30 * time.Second
	LinkPreviewLimit         = 10
)

// CrawlTarget is a single unit of frontier work. URL is always canonical.
type CrawlTarget struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// ErrorKind classifies per-page failures.
type ErrorKind string

// Page failure kinds.
const (
	ErrorKindNavigation ErrorKind = "navigation"
	ErrorKindExtraction ErrorKind = "extraction"
	ErrorKindCapture    ErrorKind = "capture"
	ErrorKindFatal      ErrorKind = "fatal"
)

// PageError describes why a page could not be processed.
type PageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *PageError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *PageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PageResult is the outcome of processing one CrawlTarget.
type PageResult struct {
	URL        string
	Depth      int
	Screenshot []byte
	Links      []string
	Err        *PageError
	Duration   time.Duration
}

// Options configures one crawl session.
type Options struct {
	URL         string `json:"url"`
	MaxDepth    int    `json:"maxDepth"`
	MaxPages    int    `json:"maxPages"`
	Concurrency int    `json:"concurrency"`
}

// DefaultOptions returns Options for seed with the package defaults applied.
func DefaultOptions(seed string) Options {
	return Options{
		URL:         seed,
		MaxDepth:    DefaultMaxDepth,
		MaxPages:    DefaultMaxPages,
		Concurrency: DefaultConcurrency,
	}
}

// Validate checks option ranges and that the seed canonicalizes.
func (o Options) Validate() error {
	if o.URL == "" {
		return &ConfigError{Field: "url", Reason: "is required"}
	}
	if _, err := Canonicalize(o.URL, ""); err != nil {
		return &ConfigError{Field: "url", Reason: err.Error()}
	}
	if o.MaxDepth < 0 {
		return &ConfigError{Field: "maxDepth", Reason: "must be >= 0"}
	}
	if o.MaxPages <= 0 {
		return &ConfigError{Field: "maxPages", Reason: "must be > 0"}
	}
	if o.Concurrency <= 0 {
		return &ConfigError{Field: "concurrency", Reason: "must be > 0"}
	}
	return nil
}

// State is the orchestrator lifecycle state.
type State string

// Orchestrator states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateCancelled State = "cancelled"
)
