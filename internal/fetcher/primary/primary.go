// Package primary implements the lightweight HTTP fetch backend using the
// Colly collector. It parses item pages, board feeds, and search results
// without executing any scripts; pages that need rendering fall through to
// the headless backend.
package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/fetcher/pinparse"
	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// FeedEndpoint serves paginated board feeds as JSON.
	FeedEndpoint string
	// SearchEndpoint serves search result pages.
	SearchEndpoint string
	// PageSize is the items-per-page hint sent to the feed endpoint.
	PageSize int
	// PerDomainRPS and Burst throttle outbound calls per remote host.
	PerDomainRPS float64
	Burst        int
}

const (
	defaultFeedEndpoint   = "https://www.pinterest.com/resource/BoardFeedResource/get/"
	defaultSearchEndpoint = "https://www.pinterest.com/search/pins/"
	defaultPageSize       = 50
	defaultTimeout        = 15 * time.Second
)

// Backend implements pipeline.Backend over plain HTTP.
type Backend struct {
	cfg     Config
	base    *colly.Collector
	limiter *domainLimiter
	logger  *zap.Logger
}

// New builds a Backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	if cfg.FeedEndpoint == "" {
		cfg.FeedEndpoint = defaultFeedEndpoint
	}
	if cfg.SearchEndpoint == "" {
		cfg.SearchEndpoint = defaultSearchEndpoint
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Backend{
		cfg:     cfg,
		base:    c,
		limiter: newDomainLimiter(cfg.PerDomainRPS, cfg.Burst),
		logger:  logger,
	}
}

// Kind identifies this backend in attempt logs and breaker state.
func (b *Backend) Kind() pipeline.BackendKind {
	return pipeline.BackendPrimary
}

// ResolveItem fetches a single item page and returns every media candidate
// it exposes: image variants and, when present, video renditions.
func (b *Backend) ResolveItem(ctx context.Context, pageURL string) ([]pipeline.MediaDescriptor, error) {
	body, finalURL, err := b.get(ctx, pageURL, nil)
	if err != nil {
		return nil, err
	}

	markup := string(body)
	var out []pipeline.MediaDescriptor
	for _, u := range pinparse.ExtractVideoURLs(markup) {
		out = append(out, pinparse.Descriptor(finalURL, u))
	}
	for _, u := range pinparse.ExtractImageURLs(markup) {
		out = append(out, pinparse.Descriptor(finalURL, u))
	}
	return out, nil
}

// boardCursor round-trips the board ID with the bookmark so subsequent pages
// need no rescrape of the board HTML.
type boardCursor struct {
	BoardID  string `json:"board_id"`
	Bookmark string `json:"bookmark"`
}

func encodeCursor(c boardCursor) string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

func decodeCursor(s string) (boardCursor, error) {
	var c boardCursor
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return boardCursor{}, fmt.Errorf("decode board cursor: %w", err)
	}
	return c, nil
}

// ResolveCollection returns one page of a board. The first call scrapes the
// board HTML for seed images and the pagination anchor; subsequent calls hit
// the JSON feed endpoint with the bookmark cursor.
func (b *Backend) ResolveCollection(ctx context.Context, boardURL, cursor string) (pipeline.CollectionPage, error) {
	if cursor == "" {
		return b.firstBoardPage(ctx, boardURL)
	}

	cur, err := decodeCursor(cursor)
	if err != nil {
		return pipeline.CollectionPage{}, err
	}
	return b.feedPage(ctx, boardURL, cur)
}

func (b *Backend) firstBoardPage(ctx context.Context, boardURL string) (pipeline.CollectionPage, error) {
	body, finalURL, err := b.get(ctx, boardURL, nil)
	if err != nil {
		return pipeline.CollectionPage{}, err
	}

	markup := string(body)
	page := pipeline.CollectionPage{}
	for _, u := range pinparse.ExtractImageURLs(markup) {
		page.Items = append(page.Items, pinparse.Descriptor(finalURL, u))
	}

	meta := pinparse.ExtractBoardMeta(markup)
	if meta.BoardID != "" && meta.Bookmark != "" && meta.Bookmark != pinparse.BookmarkEnd {
		page.Cursor = encodeCursor(boardCursor{BoardID: meta.BoardID, Bookmark: meta.Bookmark})
	} else {
		b.logger.Debug("board has no pagination anchor, treating as single page",
			zap.String("board_url", boardURL),
		)
	}
	return page, nil
}

// feedResponse is the slice of the feed JSON the backend cares about.
type feedResponse struct {
	ResourceResponse struct {
		Bookmark string    `json:"bookmark"`
		Data     []feedPin `json:"data"`
	} `json:"resource_response"`
}

type feedPin struct {
	Images map[string]feedImage `json:"images"`
}

type feedImage struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (b *Backend) feedPage(ctx context.Context, boardURL string, cur boardCursor) (pipeline.CollectionPage, error) {
	payload := map[string]any{
		"options": map[string]any{
			"board_id":  cur.BoardID,
			"page_size": b.cfg.PageSize,
			"bookmarks": []string{cur.Bookmark},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return pipeline.CollectionPage{}, fmt.Errorf("marshal feed payload: %w", err)
	}

	params := url.Values{}
	params.Set("source_url", boardURL)
	params.Set("data", string(data))

	body, _, err := b.get(ctx, b.cfg.FeedEndpoint+"?"+params.Encode(), jsonHeaders())
	if err != nil {
		return pipeline.CollectionPage{}, err
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return pipeline.CollectionPage{}, fmt.Errorf("decode feed response: %w", err)
	}

	page := pipeline.CollectionPage{}
	for _, pin := range feed.ResourceResponse.Data {
		if d, ok := bestFeedVariant(boardURL, pin.Images); ok {
			page.Items = append(page.Items, d)
		}
	}

	next := feed.ResourceResponse.Bookmark
	if next != "" && next != pinparse.BookmarkEnd {
		page.Cursor = encodeCursor(boardCursor{BoardID: cur.BoardID, Bookmark: next})
	}
	return page, nil
}

// bestFeedVariant picks the highest-resolution image variant a feed pin
// exposes.
func bestFeedVariant(sourceURL string, images map[string]feedImage) (pipeline.MediaDescriptor, bool) {
	best := pipeline.MediaDescriptor{}
	found := false
	for _, img := range images {
		if img.URL == "" {
			continue
		}
		d := pinparse.Descriptor(sourceURL, img.URL)
		if d.Width == 0 {
			d.Width, d.Height = img.Width, img.Height
		}
		if !found || d.Pixels() > best.Pixels() {
			best = d
			found = true
		}
	}
	return best, found
}

// Search fetches the search result page for query and returns up to limit
// candidates.
func (b *Backend) Search(ctx context.Context, query string, limit int) ([]pipeline.MediaDescriptor, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("rs", "typed")
	searchURL := b.cfg.SearchEndpoint + "?" + params.Encode()

	body, finalURL, err := b.get(ctx, searchURL, nil)
	if err != nil {
		return nil, err
	}

	var out []pipeline.MediaDescriptor
	for _, u := range pinparse.ExtractImageURLs(string(body)) {
		out = append(out, pinparse.Descriptor(finalURL, u))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("X-Requested-With", "XMLHttpRequest")
	return h
}

// get executes a single HTTP GET through a cloned collector, classifying
// failures as transient or fatal for the retry layer.
func (b *Backend) get(ctx context.Context, target string, headers http.Header) ([]byte, string, error) {
	if err := b.limiter.Wait(ctx, target); err != nil {
		return nil, "", err
	}

	collector := b.base.Clone()
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(b.cfg.Timeout)
	collector.WithTransport(newHTTPTransport())

	var (
		body      []byte
		finalURL  string
		status    int
		visitErr  error
		respMatch bool
	)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		respMatch = true
		status = r.StatusCode
		finalURL = r.Request.URL.String()
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case err := <-done:
		if err != nil && visitErr == nil {
			visitErr = err
		}
	}

	if visitErr != nil {
		return nil, "", classify(status, visitErr)
	}
	if !respMatch {
		return nil, "", pipeline.Transient(fmt.Errorf("no response for %s", target))
	}
	if status >= 400 {
		return nil, "", classify(status, fmt.Errorf("unexpected status %d", status))
	}
	return body, finalURL, nil
}

// classify decides whether a failed fetch is worth retrying. Timeouts,
// connection resets, and server errors are transient; client errors are not.
func classify(status int, err error) error {
	if status >= 500 {
		return pipeline.Transient(fmt.Errorf("server error %d: %w", status, err))
	}
	if status >= 400 {
		return fmt.Errorf("request rejected with %d: %w", status, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Transient(err)
	}
	// Connection-level faults arrive as *net.OpError or url.Error wrapping.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return pipeline.Transient(err)
	}
	return err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
