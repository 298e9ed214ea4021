package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
	"github.com/JakeFAU/screenshot-crawler/internal/store"
)

// StoreSink persists session history via a store.SessionRepository. The seed
// dispatch opens the session row, page results append page rows, and the
// terminal event closes the session.
type StoreSink struct {
	repo   store.SessionRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository in order. It respects ctx
// deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.consumeEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) consumeEvent(ctx context.Context, evt progress.Event) error {
	id := evt.SessionUUID()
	switch evt.Type {
	case progress.TypeProcessing:
		if evt.Depth != 0 {
			return nil
		}
		if err := s.repo.StartSession(ctx, id, evt.URL, evt.TS); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
	case progress.TypeSuccess:
		if err := s.repo.RecordPage(ctx, pageRecord(evt, store.PageSuccess)); err != nil {
			return fmt.Errorf("record page: %w", err)
		}
	case progress.TypeError:
		if evt.Fatal {
			msg := evt.Error
			if err := s.repo.CompleteSession(ctx, id, evt.TS, store.SessionFailed, evt.Pages, &msg); err != nil {
				return fmt.Errorf("complete session: %w", err)
			}
			return nil
		}
		if err := s.repo.RecordPage(ctx, pageRecord(evt, store.PageError)); err != nil {
			return fmt.Errorf("record page: %w", err)
		}
	case progress.TypeCompleted:
		status := store.SessionFinished
		if evt.Outcome == progress.OutcomeCancelled {
			status = store.SessionCancelled
		}
		if err := s.repo.CompleteSession(ctx, id, evt.TS, status, evt.Pages, nil); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
	}
	return nil
}

func pageRecord(evt progress.Event, status store.PageStatus) store.PageRecord {
	return store.PageRecord{
		SessionID:     evt.SessionUUID(),
		URL:           evt.URL,
		Depth:         evt.Depth,
		Status:        status,
		ScreenshotURI: evt.ScreenshotURI,
		Links:         append([]string(nil), evt.Links...),
		Error:         evt.Error,
		Duration:      evt.Dur,
		ProcessedAt:   evt.TS,
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
