package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

// Publisher sends a payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SessionNotification is the message published when a session ends.
type SessionNotification struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Pages      int       `json:"pages"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// PublishSink notifies downstream consumers when a crawl session ends. Page
// level events are ignored.
type PublishSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink publishing to topic.
func NewPublishSink(publisher Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per terminal event in the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		note, ok := notificationFor(evt)
		if !ok {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, note)
		if err != nil {
			return fmt.Errorf("publish session notification: %w", err)
		}
		s.logger.Debug("session notification published",
			zap.String("session_id", note.SessionID),
			zap.String("message_id", id),
		)
	}
	return nil
}

func notificationFor(evt progress.Event) (SessionNotification, bool) {
	note := SessionNotification{
		SessionID:  evt.SessionUUID().String(),
		Pages:      evt.Pages,
		DurationMS: evt.Dur.Milliseconds(),
		FinishedAt: evt.TS.UTC(),
	}
	switch {
	case evt.Type == progress.TypeCompleted:
		note.Status = string(evt.Outcome)
		if note.Status == "" {
			note.Status = string(progress.OutcomeFinished)
		}
	case evt.Type == progress.TypeError && evt.Fatal:
		note.Status = "failed"
		note.Error = evt.Error
	default:
		return SessionNotification{}, false
	}
	return note, true
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
