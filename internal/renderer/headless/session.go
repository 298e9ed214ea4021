package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Session is one isolated tab. It is not safe for concurrent use.
type Session struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	idle   *idleWatcher
	once   sync.Once
}

// Navigate loads url and waits for the load event, bounded by timeout and ctx.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	taskCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	s.idle.reset()
	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		if taskCtx.Err() != nil && s.engine.browserCtx.Err() == nil {
			return fmt.Errorf("navigate %s: %w", url, taskCtx.Err())
		}
		return s.engine.classify(fmt.Errorf("navigate %s: %w", url, err))
	}
	if s.engine.cfg.DismissOverlays {
		s.dismissOverlays(taskCtx)
	}
	return nil
}

func (s *Session) dismissOverlays(ctx context.Context) {
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(dismissOverlaysJS, &clicked)); err != nil {
		s.engine.logger.Debug("overlay dismissal failed", zap.Error(err))
		return
	}
	if clicked {
		s.engine.logger.Debug("dismissed consent overlay")
	}
}

// ExtractLinks returns the resolved href of every anchor in the DOM.
func (s *Session) ExtractLinks(ctx context.Context) ([]string, error) {
	stop := forwardCancel(ctx, s.cancel)
	defer stop()
	var links []string
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(extractLinksJS, &links)); err != nil {
		return nil, s.engine.classify(fmt.Errorf("evaluate anchors: %w", err))
	}
	return links, nil
}

// Screenshot waits briefly for network idle, scrolls to the top and captures
// the full page as JPEG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	stop := forwardCancel(ctx, s.cancel)
	defer stop()

	wait := time.NewTimer(s.engine.cfg.IdleWait)
	select {
	case <-s.idle.done():
	case <-wait.C:
		s.engine.logger.Debug("network idle wait timed out; capturing anyway")
	case <-s.ctx.Done():
	}
	wait.Stop()

	var buf []byte
	err := chromedp.Run(s.ctx,
		chromedp.Evaluate(`window.scrollTo(0, 0)`, nil),
		chromedp.FullScreenshot(&buf, s.engine.cfg.JPEGQuality),
	)
	if err != nil {
		return nil, s.engine.classify(fmt.Errorf("capture screenshot: %w", err))
	}
	return buf, nil
}

// Close closes the tab and its browser context.
func (s *Session) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *Session) onEvent(ev any) {
	if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
		s.idle.fire()
	}
}

// idleWatcher latches the first networkIdle lifecycle event after a navigation.
type idleWatcher struct {
	mu    sync.Mutex
	fired bool
	ch    chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{ch: make(chan struct{})}
}

func (w *idleWatcher) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fired = false
	w.ch = make(chan struct{})
}

func (w *idleWatcher) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.fired {
		w.fired = true
		close(w.ch)
	}
}

func (w *idleWatcher) done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}
