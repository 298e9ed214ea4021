package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
	"github.com/JakeFAU/screenshot-crawler/internal/progress"
	"github.com/JakeFAU/screenshot-crawler/internal/server"
)

func newCrawlCmd(root *rootOptions) *cobra.Command {
	var (
		maxDepth    int
		maxPages    int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Runs one crawl session and prints its events as JSON lines",
		Long: `crawl runs a single session without the HTTP API. Each progress event is
written to stdout as {"event", "session_id", "data"}; screenshots are
persisted to the configured storage backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			opts := crawler.Options{
				URL:         args[0],
				MaxDepth:    maxDepth,
				MaxPages:    maxPages,
				Concurrency: concurrency,
			}
			if !cmd.Flags().Changed("max-depth") && cfg.Crawler.MaxDepthDefault > 0 {
				opts.MaxDepth = cfg.Crawler.MaxDepthDefault
			}
			if !cmd.Flags().Changed("max-pages") && cfg.Crawler.MaxPagesDefault > 0 {
				opts.MaxPages = cfg.Crawler.MaxPagesDefault
			}
			if !cmd.Flags().Changed("concurrency") && cfg.Crawler.ConcurrencyDefault > 0 {
				opts.Concurrency = cfg.Crawler.ConcurrencyDefault
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, cfg, logger, server.WithSinks(newJSONLineSink(cmd.OutOrStdout())))
			if err != nil {
				return err
			}
			runErr := app.Orchestrator().Run(ctx, opts)
			app.Close(context.WithoutCancel(ctx))
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return fmt.Errorf("crawl failed: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", crawler.DefaultMaxDepth, "maximum link depth from the seed")
	cmd.Flags().IntVar(&maxPages, "max-pages", crawler.DefaultMaxPages, "maximum number of pages to process")
	cmd.Flags().IntVar(&concurrency, "concurrency", crawler.DefaultConcurrency, "pages rendered in parallel")
	return cmd
}

// jsonLineSink writes each event as one JSON object per line.
type jsonLineSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLineSink(w io.Writer) *jsonLineSink {
	return &jsonLineSink{enc: json.NewEncoder(w)}
}

type jsonLine struct {
	Event     progress.Type `json:"event"`
	SessionID string        `json:"session_id"`
	Data      any           `json:"data"`
}

func (s *jsonLineSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		line := jsonLine{Event: evt.Type, SessionID: evt.SessionUUID().String(), Data: evt.Payload()}
		if err := s.enc.Encode(line); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

func (s *jsonLineSink) Close(context.Context) error { return nil }
