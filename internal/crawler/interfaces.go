package crawler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// Engine is the shared browser connection. It hands out isolated sessions and
// is closed once at shutdown by whoever created it.
type Engine interface {
	// NewSession opens an isolated browsing context. Errors wrapping
	// RendererFatalError mean the engine is gone for good.
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is one isolated page in the engine. Close must be safe to call on
// every exit path.
type Session interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	ExtractLinks(ctx context.Context) ([]string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// ScreenshotStore persists captured screenshots and returns a URI.
type ScreenshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests used for blob naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewSessionID() (uuid.UUID, error)
}

// screenshotTracker is the slice of the Frontier a PageWorker consults.
type screenshotTracker interface {
	NeedsScreenshot(url string) bool
}
