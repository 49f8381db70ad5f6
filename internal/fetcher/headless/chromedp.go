// Package headless implements the fallback fetch backend: a headless
// browser renders the page so script-driven markup the primary backend
// cannot see still yields candidates. Browser sessions are a bounded pool;
// acquisition is scoped and released on every exit path.
package headless

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/fetcher/pinparse"
	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Config controls the behavior of the headless backend.
type Config struct {
	// MaxSessions bounds concurrently open browser pages. Zero means one.
	MaxSessions int
	UserAgent   string
	// NavTimeout caps a single page render.
	NavTimeout time.Duration
	// ScrollPasses is how many scroll-to-bottom rounds a collection render
	// performs to trigger lazy loading.
	ScrollPasses int
	// ScrollDelay is the settle time after each scroll pass.
	ScrollDelay time.Duration
	// SearchEndpoint serves search result pages.
	SearchEndpoint string
}

// Backend implements pipeline.Backend with chromedp and headless Chrome.
type Backend struct {
	cfg         Config
	sessions    chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates a headless backend backed by chromedp.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.ScrollPasses <= 0 {
		cfg.ScrollPasses = 6
	}
	if cfg.ScrollDelay <= 0 {
		cfg.ScrollDelay = 1500 * time.Millisecond
	}
	if cfg.SearchEndpoint == "" {
		cfg.SearchEndpoint = "https://www.pinterest.com/search/pins/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Backend{
		cfg:         cfg,
		sessions:    make(chan struct{}, cfg.MaxSessions),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context and with it any open sessions.
func (b *Backend) Close() {
	b.allocCancel()
}

// Kind identifies this backend in attempt logs and breaker state.
func (b *Backend) Kind() pipeline.BackendKind {
	return pipeline.BackendFallback
}

// ResolveItem renders a single item page and extracts media candidates from
// the final DOM.
func (b *Backend) ResolveItem(ctx context.Context, pageURL string) ([]pipeline.MediaDescriptor, error) {
	markup, finalURL, err := b.render(ctx, pageURL, 1)
	if err != nil {
		return nil, err
	}

	var out []pipeline.MediaDescriptor
	for _, u := range pinparse.ExtractVideoURLs(markup) {
		out = append(out, pinparse.Descriptor(finalURL, u))
	}
	for _, u := range pinparse.ExtractImageURLs(markup) {
		out = append(out, pinparse.Descriptor(finalURL, u))
	}
	return out, nil
}

// ResolveCollection renders the board with repeated scrolling so lazy-loaded
// pins appear, then extracts everything in one pass. The browser path has no
// feed cursor: the returned page is always terminal.
func (b *Backend) ResolveCollection(ctx context.Context, boardURL, cursor string) (pipeline.CollectionPage, error) {
	if cursor != "" {
		// Rendering already exhausted the board on the first call.
		return pipeline.CollectionPage{}, nil
	}

	markup, finalURL, err := b.render(ctx, boardURL, b.cfg.ScrollPasses)
	if err != nil {
		return pipeline.CollectionPage{}, err
	}

	page := pipeline.CollectionPage{}
	for _, u := range pinparse.ExtractImageURLs(markup) {
		page.Items = append(page.Items, pinparse.Descriptor(finalURL, u))
	}
	return page, nil
}

// Search renders the search result page for query.
func (b *Backend) Search(ctx context.Context, query string, limit int) ([]pipeline.MediaDescriptor, error) {
	searchURL := fmt.Sprintf("%s?q=%s&rs=typed", b.cfg.SearchEndpoint, url.QueryEscape(query))
	markup, finalURL, err := b.render(ctx, searchURL, 2)
	if err != nil {
		return nil, err
	}

	var out []pipeline.MediaDescriptor
	for _, u := range pinparse.ExtractImageURLs(markup) {
		out = append(out, pinparse.Descriptor(finalURL, u))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// render acquires a session slot, opens a fresh browser context, navigates,
// scrolls, and returns the final DOM. Every exit path releases the slot and
// closes the page.
func (b *Backend) render(ctx context.Context, pageURL string, scrollPasses int) (string, string, error) {
	if err := b.acquire(ctx); err != nil {
		return "", "", err
	}
	defer b.release()

	taskCtx, taskCancel := chromedp.NewContext(b.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, b.cfg.NavTimeout)
	defer cancel()

	// Propagate caller cancellation into the browser task.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	for i := 0; i < scrollPasses; i++ {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(b.cfg.ScrollDelay),
		)
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	start := time.Now()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		// Renders are flaky under memory pressure; give the retry layer
		// a chance.
		return "", "", pipeline.Transient(fmt.Errorf("headless render: %w", err))
	}
	b.logger.Debug("headless render complete",
		zap.String("url", pageURL),
		zap.Duration("took", time.Since(start)),
	)
	return html, finalURL, nil
}

func (b *Backend) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) acquire(ctx context.Context) error {
	select {
	case b.sessions <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser session wait canceled: %w", ctx.Err())
	}
}

// release returns a session token. Strictly paired with acquire; an
// unpaired call blocks rather than masking the bug.
func (b *Backend) release() {
	<-b.sessions
}
