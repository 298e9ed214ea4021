package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

const defaultBlobPrefix = "screenshots"

// OrchestratorConfig wires the collaborators of an Orchestrator. Engine and
// Emitter are required; the rest fall back to in-package defaults.
type OrchestratorConfig struct {
	Engine  Engine
	Emitter progress.Emitter
	// Screenshots persists captured images; nil keeps them in events only.
	Screenshots ScreenshotStore
	Hasher      Hasher
	IDs         IDGenerator
	Clock       Clock
	Worker      WorkerConfig
	// BlobPrefix is the leading path segment for screenshot blobs.
	BlobPrefix string
	Logger     *zap.Logger
}

// SessionStatus is a snapshot of the orchestrator for status endpoints.
type SessionStatus struct {
	SessionID string        `json:"session_id,omitempty"`
	State     State         `json:"state"`
	Seed      string        `json:"seed,omitempty"`
	Options   *Options      `json:"options,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Processed int           `json:"processed"`
	Frontier  FrontierStats `json:"frontier"`
}

// Orchestrator drives one crawl session at a time: it owns the frontier,
// dispatches page workers up to the concurrency bound, folds their results
// back into the frontier and emits progress events.
type Orchestrator struct {
	engine      Engine
	emitter     progress.Emitter
	screenshots ScreenshotStore
	hasher      Hasher
	ids         IDGenerator
	clock       Clock
	blobPrefix  string
	logger      *zap.Logger
	tracer      trace.Tracer

	frontier *Frontier
	worker   *PageWorker

	mu      sync.Mutex
	state   State
	current *session
}

type session struct {
	id        uuid.UUID
	opts      Options
	seed      string
	base      string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	processed atomic.Int64
	stopped   atomic.Bool
	err       error
	span      trace.Span
}

// NewOrchestrator validates cfg and returns an idle Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("orchestrator engine is required")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("orchestrator emitter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = randomIDs{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.BlobPrefix, "/")
	if prefix == "" {
		prefix = defaultBlobPrefix
	}
	if cfg.Worker.Tracer == nil {
		cfg.Worker.Tracer = otel.Tracer(tracerName)
	}
	frontier := NewFrontier(DefaultMaxDepth, DefaultConcurrency)
	return &Orchestrator{
		engine:      cfg.Engine,
		emitter:     cfg.Emitter,
		screenshots: cfg.Screenshots,
		hasher:      cfg.Hasher,
		ids:         cfg.IDs,
		clock:       cfg.Clock,
		blobPrefix:  prefix,
		logger:      cfg.Logger,
		frontier:    frontier,
		tracer:      cfg.Worker.Tracer,
		worker:      NewPageWorker(cfg.Engine, frontier, cfg.Clock, cfg.Worker, cfg.Logger),
		state:       StateIdle,
	}, nil
}

// Start validates opts, stops any running session and begins a new crawl in
// the background. It returns the new session ID. The crawl outlives ctx's
// cancellation; use Stop to end it early.
func (o *Orchestrator) Start(ctx context.Context, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	o.Stop()
	s, err := o.begin(context.WithoutCancel(ctx), opts)
	if err != nil {
		return "", err
	}
	go o.execute(s)
	return s.id.String(), nil
}

// Run crawls opts to completion on the calling goroutine. Cancelling ctx ends
// the crawl like Stop does. It returns ErrSessionRunning if another session is
// active and *RendererFatalError if the engine died mid-crawl.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s, err := o.begin(ctx, opts)
	if err != nil {
		return err
	}
	o.execute(s)
	if s.err == nil && !s.stopped.Load() && ctx.Err() != nil {
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}
	return s.err
}

// Stop cancels the running session, discards pending work and blocks until
// in-flight workers have released their sessions. It is a no-op when idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	s := o.current
	if s == nil {
		o.mu.Unlock()
		return
	}
	if o.state == StateRunning || o.state == StateDraining {
		o.state = StateCancelled
		s.stopped.Store(true)
		dropped := o.frontier.Seal()
		o.logger.Info("crawl stop requested",
			zap.String("session_id", s.id.String()),
			zap.Int("discarded", dropped),
		)
	}
	s.cancel()
	o.mu.Unlock()
	<-s.done
}

// Wait blocks until the current session ends or ctx is done, returning the
// session's error.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl: %w", ctx.Err())
	}
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the current or most recent session.
func (o *Orchestrator) Status() SessionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := SessionStatus{State: o.state, Frontier: o.frontier.Stats()}
	if s := o.current; s != nil {
		opts := s.opts
		started := s.startedAt
		st.SessionID = s.id.String()
		st.Seed = s.seed
		st.Options = &opts
		st.StartedAt = &started
		st.Processed = int(s.processed.Load())
	}
	return st
}

func (o *Orchestrator) begin(parent context.Context, opts Options) (*session, error) {
	seed, err := Canonicalize(opts.URL, "")
	if err != nil {
		return nil, &ConfigError{Field: "url", Reason: err.Error()}
	}
	base, err := BaseOrigin(seed)
	if err != nil {
		return nil, &ConfigError{Field: "url", Reason: err.Error()}
	}
	id, err := o.ids.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return nil, ErrSessionRunning
	}
	o.frontier.Reset()
	o.frontier.Configure(opts.MaxDepth, opts.Concurrency)
	o.frontier.SetBase(base)
	o.frontier.Enqueue(seed, 0)

	ctx, cancel := context.WithCancel(parent)
	ctx, span := o.tracer.Start(ctx, "crawl.session", trace.WithAttributes(
		attribute.String("crawl.session_id", id.String()),
		attribute.String("crawl.seed", seed),
		attribute.Int("crawl.max_depth", opts.MaxDepth),
		attribute.Int("crawl.max_pages", opts.MaxPages),
	))
	s := &session{
		id:        id,
		opts:      opts,
		seed:      seed,
		base:      base,
		startedAt: o.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		span:      span,
	}
	o.current = s
	o.state = StateRunning
	o.logger.Info("crawl session started",
		zap.String("session_id", id.String()),
		zap.String("seed", seed),
		zap.Int("max_depth", opts.MaxDepth),
		zap.Int("max_pages", opts.MaxPages),
		zap.Int("concurrency", opts.Concurrency),
	)
	return s, nil
}

func (o *Orchestrator) execute(s *session) {
	err := o.loop(s)
	s.cancel()

	s.span.SetAttributes(attribute.Int64("crawl.pages", s.processed.Load()))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()

	o.mu.Lock()
	s.err = err
	o.state = StateIdle
	o.mu.Unlock()
	close(s.done)
}

// loop is the single coordinator of a session. Workers never touch the
// frontier's sets except through NeedsScreenshot; results come back over
// the results channel and are applied here.
func (o *Orchestrator) loop(s *session) error {
	ctx := s.ctx
	results := make(chan PageResult, s.opts.Concurrency)
	var group errgroup.Group
	inFlight, dispatched := 0, 0
	var fatal *RendererFatalError

	for {
		if ctx.Err() == nil && fatal == nil {
			for dispatched < s.opts.MaxPages {
				target, ok := o.frontier.TryDequeue()
				if !ok {
					break
				}
				dispatched++
				inFlight++
				o.emit(s, progress.Event{Type: progress.TypeProcessing, URL: target.URL, Depth: target.Depth})
				group.Go(func() error {
					results <- o.worker.Process(ctx, target)
					return nil
				})
			}
			if dispatched >= s.opts.MaxPages && inFlight > 0 {
				o.markDraining()
			}
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		o.frontier.Complete(res.URL)
		if ctx.Err() != nil || fatal != nil {
			o.frontier.Seal()
			continue
		}
		if res.Err != nil && res.Err.Kind == ErrorKindFatal {
			fatal = asFatal(res.Err)
			dropped := o.frontier.Seal()
			s.cancel()
			o.logger.Error("renderer failed; aborting crawl",
				zap.String("session_id", s.id.String()),
				zap.String("url", res.URL),
				zap.Int("discarded", dropped),
				zap.Error(fatal),
			)
			continue
		}
		o.handleResult(s, res)
	}
	_ = group.Wait()
	if left := o.frontier.DiscardPending(); left > 0 {
		o.logger.Debug("pending targets left unvisited", zap.String("session_id", s.id.String()), zap.Int("pending", left))
	}

	dur := o.clock.Now().Sub(s.startedAt)
	pages := int(s.processed.Load())
	logger := o.logger.With(
		zap.String("session_id", s.id.String()),
		zap.Int("pages", pages),
		zap.Duration("dur", dur),
	)
	switch {
	case fatal != nil:
		o.emit(s, progress.Event{Type: progress.TypeError, Error: fatal.Error(), Fatal: true, Pages: pages, Dur: dur})
		return fatal
	case ctx.Err() != nil:
		logger.Info("crawl session cancelled")
		o.emit(s, progress.Event{Type: progress.TypeCompleted, Pages: pages, Dur: dur, Outcome: progress.OutcomeCancelled})
		return nil
	default:
		logger.Info("crawl session completed")
		o.emit(s, progress.Event{Type: progress.TypeCompleted, Pages: pages, Dur: dur, Outcome: progress.OutcomeFinished})
		return nil
	}
}

func (o *Orchestrator) handleResult(s *session, res PageResult) {
	s.processed.Add(1)

	crawlable := make([]string, 0, len(res.Links))
	for _, link := range res.Links {
		if !IsCrawlable(link, s.base) {
			continue
		}
		crawlable = append(crawlable, link)
		if s.ctx.Err() == nil {
			o.frontier.Enqueue(link, res.Depth+1)
		}
	}

	evt := progress.Event{
		URL:   res.URL,
		Depth: res.Depth,
		Links: previewLinks(crawlable),
		Dur:   res.Duration,
	}
	if len(res.Screenshot) > 0 {
		o.frontier.MarkScreenshotted(res.URL)
		evt.Screenshot = res.Screenshot
		evt.ScreenshotURI = o.storeScreenshot(s, res)
	}
	if res.Err != nil {
		o.logger.Warn("page failed",
			zap.String("session_id", s.id.String()),
			zap.String("url", res.URL),
			zap.String("kind", string(res.Err.Kind)),
			zap.Error(res.Err),
		)
		evt.Type = progress.TypeError
		evt.Error = res.Err.Message
	} else {
		evt.Type = progress.TypeSuccess
	}
	o.emit(s, evt)
}

func (o *Orchestrator) storeScreenshot(s *session, res PageResult) string {
	if o.screenshots == nil {
		return ""
	}
	name := res.URL
	if o.hasher != nil {
		digest, err := o.hasher.Hash([]byte(res.URL))
		if err == nil {
			name = digest
		}
	}
	path := fmt.Sprintf("%s/%s/%s.jpg", o.blobPrefix, s.id.String(), name)
	uri, err := o.screenshots.PutObject(s.ctx, path, "image/jpeg", bytes.NewReader(res.Screenshot))
	if err != nil {
		o.logger.Warn("screenshot upload failed",
			zap.String("session_id", s.id.String()),
			zap.String("url", res.URL),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (o *Orchestrator) markDraining() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		o.state = StateDraining
	}
}

func (o *Orchestrator) emit(s *session, evt progress.Event) {
	evt.SessionID = progress.UUIDToBytes(s.id)
	evt.TS = o.clock.Now()
	o.emitter.Emit(evt)
}

func previewLinks(links []string) []string {
	if len(links) > LinkPreviewLimit {
		links = links[:LinkPreviewLimit]
	}
	return append([]string{}, links...)
}

func asFatal(err *PageError) *RendererFatalError {
	var fatal *RendererFatalError
	if errors.As(err, &fatal) {
		return fatal
	}
	return &RendererFatalError{Err: err}
}

type randomIDs struct{}

func (randomIDs) NewSessionID() (uuid.UUID, error) {
	return uuid.NewRandom()
}
