// Package progress defines the event structures emitted by crawl sessions.
package progress

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names the kind of milestone represented by an Event. The values are
// the event names streamed to clients.
type Type string

// Supported event types.
const (
	TypeProcessing Type = "processing"
	TypeSuccess    Type = "success"
	TypeError      Type = "error"
	TypeCompleted  Type = "completed"
)

// Outcome describes how a session ended. It rides on completed events for
// sinks and never reaches client payloads.
type Outcome string

// Session outcomes.
const (
	OutcomeFinished  Outcome = "finished"
	OutcomeCancelled Outcome = "cancelled"
)

// Event captures a single step of crawl progress.
type Event struct {
	// SessionID identifies the crawl session in 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Type is the milestone kind.
	Type Type
	// URL is the canonical page URL; empty for completed events.
	URL string
	// Depth is the page depth from the seed.
	Depth int
	// Screenshot holds the raw JPEG bytes when one was captured.
	Screenshot []byte
	// ScreenshotURI is where the screenshot blob was persisted, if anywhere.
	ScreenshotURI string
	// Links is the bounded preview of discovered links.
	Links []string
	// Error is the failure message for error events.
	Error string
	// Fatal marks the terminal error that aborted a session.
	Fatal bool
	// Dur is page processing time, or session wall time for completed events.
	Dur time.Duration
	// Pages is the processed page count carried by completed events.
	Pages int
	// Outcome is set on completed events.
	Outcome Outcome
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeProcessing, TypeSuccess:
		if e.URL == "" {
			return fmt.Errorf("%s event requires url", e.Type)
		}
	case TypeError:
		if e.Error == "" {
			return errors.New("error event requires message")
		}
	case TypeCompleted:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// Payload returns the client-facing body for the event.
func (e Event) Payload() any {
	switch e.Type {
	case TypeProcessing:
		return processingPayload{URL: e.URL}
	case TypeSuccess:
		p := successPayload{URL: e.URL, Depth: e.Depth, Links: e.Links}
		if p.Links == nil {
			p.Links = []string{}
		}
		if len(e.Screenshot) > 0 {
			p.Screenshot = base64.StdEncoding.EncodeToString(e.Screenshot)
		}
		return p
	case TypeError:
		return errorPayload{URL: e.URL, Error: e.Error}
	default:
		return struct{}{}
	}
}

type processingPayload struct {
	URL string `json:"url"`
}

type successPayload struct {
	URL        string   `json:"url"`
	Depth      int      `json:"depth"`
	Screenshot string   `json:"screenshot,omitempty"`
	Links      []string `json:"links"`
}

type errorPayload struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}
