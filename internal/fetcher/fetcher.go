// Package fetcher resolves normalized references into media descriptors.
// It owns backend routing (primary HTTP parser first, headless browser
// fallback), per-backend retry with jittered backoff, circuit breaking, and
// item finalization: resolution-tier rewriting, payload download and
// fingerprinting, and item-level failure absorption.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/breaker"
	"github.com/pinfairy/mediafetch/internal/fetcher/pinparse"
	"github.com/pinfairy/mediafetch/internal/metrics"
	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Config tunes the fetcher. Zero values select the defaults noted per field.
type Config struct {
	// MinWidth and MinHeight drop thumbnails below a usable floor
	// (default 200x200).
	MinWidth  int
	MinHeight int
	// MaxItemBytes caps a single payload download (default 50MiB).
	MaxItemBytes int64
	// FanOut bounds concurrent item finalizations within one request
	// (default 5).
	FanOut int
	// ItemTimeout caps a single-item request (default 60s);
	// CollectionTimeout caps collection and query requests (default 5m).
	ItemTimeout       time.Duration
	CollectionTimeout time.Duration
	// MaxCollectionItems stops pagination after this many raw candidates
	// (default 500).
	MaxCollectionItems int
	// SearchLimit is the candidate cap for query references (default 10).
	SearchLimit int
}

func (c *Config) applyDefaults() {
	if c.MinWidth <= 0 {
		c.MinWidth = 200
	}
	if c.MinHeight <= 0 {
		c.MinHeight = 200
	}
	if c.MaxItemBytes <= 0 {
		c.MaxItemBytes = 50 << 20
	}
	if c.FanOut <= 0 {
		c.FanOut = 5
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 60 * time.Second
	}
	if c.CollectionTimeout <= 0 {
		c.CollectionTimeout = 5 * time.Minute
	}
	if c.MaxCollectionItems <= 0 {
		c.MaxCollectionItems = 500
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 10
	}
}

// ItemFailure is one absorbed item-level failure inside a request. It never
// fails the request; the assembler surfaces the count and reasons.
type ItemFailure struct {
	AssetURL string
	Reason   string
}

// Item failure reasons.
const (
	reasonDeadLink      = "dead_link"
	reasonTooSmall      = "below_minimum_resolution"
	reasonOversize      = "payload_too_large"
	reasonUnsupported   = "unsupported_format"
	reasonDownloadError = "download_error"
	reasonPageAborted   = "pagination_aborted"
)

// Stream delivers descriptors for one request in discovery order. Err,
// Failures and Attempts are valid only after Items is closed.
type Stream struct {
	items chan pipeline.MediaDescriptor

	mu       sync.Mutex
	attempts []pipeline.FetchAttempt
	failures []ItemFailure
	err      error
}

// Items is the ordered descriptor channel. It closes when the request is
// done, whether it succeeded or not.
func (s *Stream) Items() <-chan pipeline.MediaDescriptor { return s.items }

// Err returns the reference-level failure, nil on success or partial success.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Failures returns the absorbed item-level failures.
func (s *Stream) Failures() []ItemFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ItemFailure(nil), s.failures...)
}

// Attempts returns the backend attempt log for this request.
func (s *Stream) Attempts() []pipeline.FetchAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.FetchAttempt(nil), s.attempts...)
}

func (s *Stream) recordAttempt(a pipeline.FetchAttempt) {
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()
}

func (s *Stream) recordFailure(f ItemFailure) {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
	metrics.CountItemFailure(f.Reason)
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Fetcher routes references across the two backends.
type Fetcher struct {
	cfg      Config
	primary  pipeline.Backend
	fallback pipeline.Backend
	breakers map[pipeline.BackendKind]*breaker.Breaker
	policy   RetryPolicy
	hasher   pipeline.Hasher
	client   *http.Client
	logger   *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRetryPolicy replaces the default exponential policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithHTTPClient replaces the payload download client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBreaker replaces the breaker guarding one backend.
func WithBreaker(kind pipeline.BackendKind, b *breaker.Breaker) Option {
	return func(f *Fetcher) { f.breakers[kind] = b }
}

// New builds a Fetcher. fallback may be nil when no headless backend is
// configured; the primary then carries all traffic.
func New(primary, fallback pipeline.Backend, hasher pipeline.Hasher, cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		breakers: map[pipeline.BackendKind]*breaker.Breaker{
			pipeline.BackendPrimary:  breaker.New(),
			pipeline.BackendFallback: breaker.New(),
		},
		policy: NewExponentialRetryPolicy(),
		hasher: hasher,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves ref asynchronously and returns a Stream of descriptors in
// discovery order. The request deadline depends on the reference kind.
func (f *Fetcher) Fetch(ctx context.Context, ref pipeline.NormalizedReference) *Stream {
	s := &Stream{items: make(chan pipeline.MediaDescriptor)}
	go f.run(ctx, ref, s)
	return s
}

func (f *Fetcher) run(ctx context.Context, ref pipeline.NormalizedReference, s *Stream) {
	defer close(s.items)

	timeout := f.cfg.ItemTimeout
	if ref.Kind != pipeline.ReferenceSingleItem {
		timeout = f.cfg.CollectionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch ref.Kind {
	case pipeline.ReferenceSingleItem:
		err = f.runItem(ctx, ref, s)
	case pipeline.ReferenceCollection:
		err = f.runCollection(ctx, ref, s)
	case pipeline.ReferenceQuery:
		err = f.runQuery(ctx, ref, s)
	default:
		err = &pipeline.FetchFailedError{Reason: pipeline.FailDeadLink,
			Err: fmt.Errorf("unknown reference kind %q", ref.Kind)}
	}
	if err != nil {
		s.setErr(f.classifyReferenceErr(ctx, err))
	}
}

func (f *Fetcher) runItem(ctx context.Context, ref pipeline.NormalizedReference, s *Stream) error {
	candidates, err := f.resolve(ctx, s, func(b pipeline.Backend) ([]pipeline.MediaDescriptor, error) {
		return b.ResolveItem(ctx, ref.URL)
	})
	if err != nil {
		return err
	}
	best, ok := selectVariant(candidates)
	if !ok {
		return &pipeline.FetchFailedError{Reason: pipeline.FailUnsupportedFormat,
			Err: errors.New("no usable media on page")}
	}
	final, reason, err := f.finalizeItem(ctx, best, ref.Quality)
	if err != nil {
		// A single item has nothing to absorb into; the request fails.
		return &pipeline.FetchFailedError{Reason: itemReasonToFetchFail(reason), Err: err}
	}
	return f.emit(ctx, s, final)
}

func (f *Fetcher) runCollection(ctx context.Context, ref pipeline.NormalizedReference, s *Stream) error {
	emitted := 0
	var lastErr error
	for _, be := range f.route() {
		n, err := f.paginate(ctx, be, ref, s)
		emitted += n
		if err == nil {
			return nil
		}
		if !errors.Is(err, errBreakerOpen) {
			lastErr = err
		}
		if emitted > 0 {
			// Pages already delivered; keep the partial batch instead of
			// restarting the collection on the other backend.
			s.recordFailure(ItemFailure{AssetURL: ref.URL, Reason: reasonPageAborted})
			f.logger.Warn("collection pagination aborted",
				zap.String("url", ref.URL),
				zap.Int("delivered", emitted),
				zap.Error(err),
			)
			return nil
		}
	}
	if lastErr == nil {
		lastErr = &pipeline.FetchFailedError{Reason: pipeline.FailBackendUnavailable,
			Err: errors.New("all backends unavailable")}
	}
	return lastErr
}

// paginate walks one backend's collection pages, finalizing each page with
// bounded fan-out. Returns how many descriptors were emitted.
func (f *Fetcher) paginate(ctx context.Context, be pipeline.Backend, ref pipeline.NormalizedReference, s *Stream) (int, error) {
	br := f.breakers[be.Kind()]
	cursor := ""
	emitted := 0
	seen := 0
	for {
		page, err := runAttempts(ctx, f, be, br, s, func() (pipeline.CollectionPage, error) {
			return be.ResolveCollection(ctx, ref.URL, cursor)
		})
		if err != nil {
			return emitted, err
		}
		if len(page.Items) == 0 && page.Cursor == "" {
			if seen == 0 && emitted == 0 && cursor == "" {
				return 0, &pipeline.FetchFailedError{Reason: pipeline.FailDeadLink,
					Err: errors.New("collection resolved empty")}
			}
			return emitted, nil
		}
		seen += len(page.Items)
		n, err := f.finalizeBatch(ctx, page.Items, ref.Quality, s)
		emitted += n
		if err != nil {
			return emitted, err
		}
		if page.Cursor == "" || seen >= f.cfg.MaxCollectionItems {
			return emitted, nil
		}
		cursor = page.Cursor
	}
}

func (f *Fetcher) runQuery(ctx context.Context, ref pipeline.NormalizedReference, s *Stream) error {
	candidates, err := f.resolve(ctx, s, func(b pipeline.Backend) ([]pipeline.MediaDescriptor, error) {
		return b.Search(ctx, ref.Query, f.cfg.SearchLimit)
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return &pipeline.FetchFailedError{Reason: pipeline.FailDeadLink,
			Err: errors.New("query matched nothing")}
	}
	_, err = f.finalizeBatch(ctx, candidates, ref.Quality, s)
	return err
}

// route returns the backends in preference order. The breaker gates each
// attempt, not the routing, so a half-open probe is admitted naturally.
func (f *Fetcher) route() []pipeline.Backend {
	out := make([]pipeline.Backend, 0, 2)
	if f.primary != nil {
		out = append(out, f.primary)
	}
	if f.fallback != nil {
		out = append(out, f.fallback)
	}
	return out
}

// resolve runs op against the backends in order, retrying transient failures
// per the policy, until one backend yields candidates.
func (f *Fetcher) resolve(ctx context.Context, s *Stream, op func(pipeline.Backend) ([]pipeline.MediaDescriptor, error)) ([]pipeline.MediaDescriptor, error) {
	var lastErr error
	attempted := false
	for _, be := range f.route() {
		br := f.breakers[be.Kind()]
		res, err := runAttempts(ctx, f, be, br, s, func() ([]pipeline.MediaDescriptor, error) {
			return op(be)
		})
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errBreakerOpen) {
			attempted = true
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if !attempted {
		return nil, &pipeline.FetchFailedError{Reason: pipeline.FailBackendUnavailable,
			Err: errors.New("all backends unavailable")}
	}
	return nil, lastErr
}

var errBreakerOpen = errors.New("breaker open")

// runAttempts runs one operation against one backend with retry, attempt
// logging, breaker bookkeeping and metrics.
func runAttempts[T any](ctx context.Context, f *Fetcher, be pipeline.Backend, br *breaker.Breaker, s *Stream, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; ; attempt++ {
		if !br.Allow() {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, errBreakerOpen
		}
		start := time.Now()
		res, err := op()
		latency := time.Since(start)
		outcome := classifyOutcome(err)
		s.recordAttempt(pipeline.FetchAttempt{
			Backend:   be.Kind(),
			StartedAt: start,
			Outcome:   outcome,
			Latency:   latency,
		})
		metrics.ObserveFetchAttempt(string(be.Kind()), string(outcome), latency)
		if err == nil {
			br.RecordSuccess()
			metrics.SetBreakerState(string(be.Kind()), int(br.State()))
			return res, nil
		}
		if ctx.Err() == nil {
			// A cancelled caller says nothing about backend health; only
			// genuine backend failures feed the breaker.
			br.RecordFailure()
			metrics.SetBreakerState(string(be.Kind()), int(br.State()))
		}
		f.logger.Debug("backend attempt failed",
			zap.String("backend", string(be.Kind())),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		lastErr = err
		if !f.policy.ShouldRetry(err, attempt) {
			return zero, err
		}
		if serr := sleep(ctx, f.policy.Backoff(attempt)); serr != nil {
			return zero, serr
		}
	}
}

func classifyOutcome(err error) pipeline.AttemptOutcome {
	switch {
	case err == nil:
		return pipeline.OutcomeSuccess
	case pipeline.IsTransient(err):
		return pipeline.OutcomeRetryable
	default:
		return pipeline.OutcomeFatal
	}
}

// selectVariant picks the best candidate for a single-item reference: videos
// win over images, higher pixel counts win within a kind, and candidates of
// unknown resolution rank last.
func selectVariant(candidates []pipeline.MediaDescriptor) (pipeline.MediaDescriptor, bool) {
	var best pipeline.MediaDescriptor
	found := false
	for _, c := range candidates {
		if c.Kind == pipeline.MediaUnknown {
			continue
		}
		if !found || betterVariant(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func betterVariant(a, b pipeline.MediaDescriptor) bool {
	aVideo := a.Kind == pipeline.MediaMP4
	bVideo := b.Kind == pipeline.MediaMP4
	if aVideo != bVideo {
		return aVideo
	}
	return a.Pixels() > b.Pixels()
}

// finalizeBatch finalizes items with at most FanOut concurrent downloads,
// emitting survivors in input order. Item failures are absorbed.
func (f *Fetcher) finalizeBatch(ctx context.Context, items []pipeline.MediaDescriptor, q pipeline.Quality, s *Stream) (int, error) {
	type slot struct {
		d      pipeline.MediaDescriptor
		reason string
		err    error
	}
	results := make([]slot, len(items))
	sem := make(chan struct{}, f.cfg.FanOut)
	var wg sync.WaitGroup
	for i := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return 0, ctx.Err()
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			d, reason, err := f.finalizeItem(ctx, items[i], q)
			results[i] = slot{d: d, reason: reason, err: err}
		}(i)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	emitted := 0
	for i, r := range results {
		if r.err != nil {
			s.recordFailure(ItemFailure{AssetURL: items[i].AssetURL, Reason: r.reason})
			continue
		}
		if err := f.emit(ctx, s, r.d); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

// finalizeItem applies the quality tier, enforces the resolution floor, and
// downloads the payload to fingerprint it. The returned reason classifies a
// non-nil error for the failure log.
func (f *Fetcher) finalizeItem(ctx context.Context, d pipeline.MediaDescriptor, q pipeline.Quality) (pipeline.MediaDescriptor, string, error) {
	// Width-only tier segments leave Height at zero, so each dimension is
	// checked against the floor only when the URL actually exposed it.
	if (d.Width > 0 && d.Width < f.cfg.MinWidth) ||
		(d.Height > 0 && d.Height < f.cfg.MinHeight) {
		return d, reasonTooSmall, fmt.Errorf("resolution %dx%d below floor", d.Width, d.Height)
	}

	urls := []string{d.AssetURL}
	if d.Kind != pipeline.MediaMP4 {
		if upgraded := pinparse.WithTier(d.AssetURL, pinparse.TierForQuality(q)); upgraded != d.AssetURL {
			// Try the requested tier first; fall back to the discovered
			// variant if the remote never stored that size.
			urls = []string{upgraded, d.AssetURL}
		}
	}

	var lastReason string
	var lastErr error
	for _, u := range urls {
		body, size, err := f.download(ctx, u)
		if err != nil {
			lastReason, lastErr = downloadReason(err), err
			continue
		}
		fp, err := f.hasher.Hash(body)
		if err != nil {
			return d, reasonDownloadError, fmt.Errorf("fingerprint: %w", err)
		}
		d.AssetURL = u
		d.SizeBytes = size
		d.Fingerprint = fp
		if w, h := pinparse.ParseResolution(u); w > 0 {
			d.Width, d.Height = w, h
		}
		return d, "", nil
	}
	return d, lastReason, lastErr
}

var errOversize = errors.New("payload exceeds size cap")

func (f *Fetcher) download(ctx context.Context, u string) ([]byte, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, 0, fmt.Errorf("payload fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxItemBytes+1))
	if err != nil {
		return nil, 0, err
	}
	if int64(len(body)) > f.cfg.MaxItemBytes {
		return nil, 0, errOversize
	}
	return body, int64(len(body)), nil
}

func downloadReason(err error) string {
	switch {
	case errors.Is(err, errOversize):
		return reasonOversize
	case strings.Contains(err.Error(), "unexpected status"):
		return reasonDeadLink
	default:
		return reasonDownloadError
	}
}

func itemReasonToFetchFail(reason string) pipeline.FetchFailReason {
	switch reason {
	case reasonDeadLink:
		return pipeline.FailDeadLink
	case reasonTooSmall, reasonOversize, reasonUnsupported:
		return pipeline.FailUnsupportedFormat
	default:
		return pipeline.FailDeadLink
	}
}

func (f *Fetcher) emit(ctx context.Context, s *Stream, d pipeline.MediaDescriptor) error {
	select {
	case s.items <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyReferenceErr maps the terminal resolve error to the reference-level
// failure taxonomy.
func (f *Fetcher) classifyReferenceErr(ctx context.Context, err error) error {
	var ff *pipeline.FetchFailedError
	if errors.As(err, &ff) {
		return ff
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &pipeline.FetchFailedError{Reason: pipeline.FailTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	case pipeline.IsTransient(err):
		return &pipeline.FetchFailedError{Reason: pipeline.FailBackendUnavailable, Err: err}
	default:
		return &pipeline.FetchFailedError{Reason: pipeline.FailDeadLink, Err: err}
	}
}
