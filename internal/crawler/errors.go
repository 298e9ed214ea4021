package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned when a raw URL cannot be canonicalized.
	ErrInvalidURL = errors.New("invalid url")
	// ErrScreenshotUnsupported is returned by sessions that cannot capture images.
	ErrScreenshotUnsupported = errors.New("screenshot not supported by renderer")
	// ErrSessionRunning indicates Wait/Run was called while another crawl owns the orchestrator.
	ErrSessionRunning = errors.New("crawl session already running")
)

// ConfigError reports crawl options that cannot start a session.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid crawl config: %s %s", e.Field, e.Reason)
}

// NavigationError wraps a failed or timed-out navigation to a single page.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ExtractionError wraps a DOM or capture failure after a successful navigation.
type ExtractionError struct {
	URL string
	Op  string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// RendererFatalError signals the browser engine itself is unusable. It aborts
// the whole crawl session.
type RendererFatalError struct {
	Err error
}

func (e *RendererFatalError) Error() string {
	return fmt.Sprintf("renderer unavailable: %v", e.Err)
}

func (e *RendererFatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or anything it wraps) is a RendererFatalError.
func IsFatal(err error) bool {
	var fatal *RendererFatalError
	return errors.As(err, &fatal)
}
