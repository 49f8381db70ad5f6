package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/breaker"
	"github.com/pinfairy/mediafetch/internal/hash/sha256"
	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// immediatePolicy retries transient failures without waiting.
type immediatePolicy struct{ max int }

func (p immediatePolicy) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.max && pipeline.IsTransient(err)
}

func (p immediatePolicy) Backoff(int) time.Duration { return 0 }

type stubBackend struct {
	kind pipeline.BackendKind

	mu        sync.Mutex
	itemCalls int
	itemErrs  []error
	items     []pipeline.MediaDescriptor

	pageCalls int
	pages     []pipeline.CollectionPage

	searchItems []pipeline.MediaDescriptor
	searchErr   error
}

func (b *stubBackend) Kind() pipeline.BackendKind { return b.kind }

func (b *stubBackend) ResolveItem(_ context.Context, _ string) ([]pipeline.MediaDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itemCalls++
	if b.itemCalls <= len(b.itemErrs) {
		return nil, b.itemErrs[b.itemCalls-1]
	}
	return b.items, nil
}

func (b *stubBackend) ResolveCollection(_ context.Context, _ string, cursor string) (pipeline.CollectionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageCalls++
	for i, p := range b.pages {
		want := ""
		if i > 0 {
			want = b.pages[i-1].Cursor
		}
		if cursor == want {
			return p, nil
		}
	}
	return pipeline.CollectionPage{}, nil
}

func (b *stubBackend) Search(_ context.Context, _ string, limit int) ([]pipeline.MediaDescriptor, error) {
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	if limit > 0 && limit < len(b.searchItems) {
		return b.searchItems[:limit], nil
	}
	return b.searchItems, nil
}

func (b *stubBackend) calls() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.itemCalls, b.pageCalls
}

func payloadServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.jpg":
			http.NotFound(w, r)
		default:
			w.Write([]byte("payload-bytes-" + r.URL.Path))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func descriptor(srv *httptest.Server, path string) pipeline.MediaDescriptor {
	return pipeline.MediaDescriptor{
		SourceURL: "https://www.pinterest.com/pin/1/",
		AssetURL:  srv.URL + path,
		Kind:      pipeline.MediaJPEG,
		Width:     736,
		Height:    552,
	}
}

func newTestFetcher(t *testing.T, primary, fallback pipeline.Backend, opts ...Option) *Fetcher {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(immediatePolicy{max: 3})}, opts...)
	return New(primary, fallback, sha256.New(), Config{}, zap.NewNop(), opts...)
}

func collect(t *testing.T, s *Stream) []pipeline.MediaDescriptor {
	t.Helper()
	var out []pipeline.MediaDescriptor
	for d := range s.Items() {
		out = append(out, d)
	}
	return out
}

func TestFetchSingleItemSuccess(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{descriptor(srv, "/a.jpg")}}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind:    pipeline.ReferenceSingleItem,
		URL:     "https://www.pinterest.com/pin/1/",
		Quality: pipeline.QualityHigh,
	})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 1)
	require.NotEmpty(t, got[0].Fingerprint)
	require.Greater(t, got[0].SizeBytes, int64(0))
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{
		kind: pipeline.BackendPrimary,
		itemErrs: []error{
			pipeline.Transient(errors.New("502")),
			pipeline.Transient(errors.New("reset")),
		},
		items: []pipeline.MediaDescriptor{descriptor(srv, "/b.jpg")},
	}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/2/"})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 1)

	itemCalls, _ := primary.calls()
	require.Equal(t, 3, itemCalls)

	attempts := s.Attempts()
	require.Len(t, attempts, 3)
	require.Equal(t, pipeline.OutcomeRetryable, attempts[0].Outcome)
	require.Equal(t, pipeline.OutcomeRetryable, attempts[1].Outcome)
	require.Equal(t, pipeline.OutcomeSuccess, attempts[2].Outcome)
}

func TestFetchFallsBackAfterPrimaryExhausted(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{
		kind: pipeline.BackendPrimary,
		itemErrs: []error{
			pipeline.Transient(errors.New("down")),
			pipeline.Transient(errors.New("down")),
			pipeline.Transient(errors.New("down")),
		},
	}
	fallback := &stubBackend{kind: pipeline.BackendFallback,
		items: []pipeline.MediaDescriptor{descriptor(srv, "/c.jpg")}}

	f := newTestFetcher(t, primary, fallback)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/3/"})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 1)

	attempts := s.Attempts()
	require.Len(t, attempts, 4)
	require.Equal(t, pipeline.BackendPrimary, attempts[0].Backend)
	require.Equal(t, pipeline.BackendFallback, attempts[3].Backend)
}

func TestFetchSkipsPrimaryWhenBreakerOpen(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{descriptor(srv, "/d.jpg")}}
	fallback := &stubBackend{kind: pipeline.BackendFallback,
		items: []pipeline.MediaDescriptor{descriptor(srv, "/e.jpg")}}

	tripped := breaker.New()
	for i := 0; i < 5; i++ {
		tripped.RecordFailure()
	}
	require.Equal(t, breaker.Open, tripped.State())

	f := newTestFetcher(t, primary, fallback,
		WithBreaker(pipeline.BackendPrimary, tripped))
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/4/"})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 1)

	itemCalls, _ := primary.calls()
	require.Zero(t, itemCalls)
	for _, a := range s.Attempts() {
		require.Equal(t, pipeline.BackendFallback, a.Backend)
	}
}

func TestFetchAllBackendsDownIsBackendUnavailable(t *testing.T) {
	t.Parallel()
	primary := &stubBackend{kind: pipeline.BackendPrimary}
	fallback := &stubBackend{kind: pipeline.BackendFallback}

	trippedA, trippedB := breaker.New(), breaker.New()
	for i := 0; i < 5; i++ {
		trippedA.RecordFailure()
		trippedB.RecordFailure()
	}

	f := newTestFetcher(t, primary, fallback,
		WithBreaker(pipeline.BackendPrimary, trippedA),
		WithBreaker(pipeline.BackendFallback, trippedB))
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/5/"})

	require.Empty(t, collect(t, s))
	var ff *pipeline.FetchFailedError
	require.ErrorAs(t, s.Err(), &ff)
	require.Equal(t, pipeline.FailBackendUnavailable, ff.Reason)
}

func TestFetchCollectionPaginatesAndAbsorbsItemFailures(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{
		kind: pipeline.BackendPrimary,
		pages: []pipeline.CollectionPage{
			{
				Items: []pipeline.MediaDescriptor{
					descriptor(srv, "/p1.jpg"),
					descriptor(srv, "/missing.jpg"),
				},
				Cursor: "page-2",
			},
			{
				Items: []pipeline.MediaDescriptor{descriptor(srv, "/p2.jpg")},
			},
		},
	}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceCollection,
		URL:  "https://www.pinterest.com/u/board/",
	})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 2)
	require.Contains(t, got[0].AssetURL, "/p1.jpg")
	require.Contains(t, got[1].AssetURL, "/p2.jpg")

	failures := s.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, "dead_link", failures[0].Reason)
	require.Contains(t, failures[0].AssetURL, "/missing.jpg")
}

func TestFetchQueryHonorsLimit(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{
		kind: pipeline.BackendPrimary,
		searchItems: []pipeline.MediaDescriptor{
			descriptor(srv, "/q1.jpg"),
			descriptor(srv, "/q2.jpg"),
			descriptor(srv, "/q3.jpg"),
			descriptor(srv, "/q4.jpg"),
		},
	}

	f := New(primary, nil, sha256.New(), Config{SearchLimit: 2}, zap.NewNop(),
		WithRetryPolicy(immediatePolicy{max: 3}))
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceQuery, Query: "mountain lakes"})

	require.Len(t, collect(t, s), 2)
	require.NoError(t, s.Err())
}

func TestFetchRejectsBelowResolutionFloor(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	small := descriptor(srv, "/tiny.jpg")
	small.Width, small.Height = 150, 150
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{small}}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/6/"})

	require.Empty(t, collect(t, s))
	var ff *pipeline.FetchFailedError
	require.ErrorAs(t, s.Err(), &ff)
	require.Equal(t, pipeline.FailUnsupportedFormat, ff.Reason)
}

func TestFetchRejectsWidthOnlyTierBelowFloor(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	// Standard tier segments carry only a width; the floor must still apply.
	small := pipeline.MediaDescriptor{
		SourceURL: "https://www.pinterest.com/pin/9/",
		AssetURL:  srv.URL + "/150x/aa/tiny.jpg",
		Kind:      pipeline.MediaJPEG,
		Width:     150,
	}
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{small}}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/9/"})

	require.Empty(t, collect(t, s))
	var ff *pipeline.FetchFailedError
	require.ErrorAs(t, s.Err(), &ff)
	require.Equal(t, pipeline.FailUnsupportedFormat, ff.Reason)
}

func TestFetchParsesWidthOnlyTierResolution(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{{
			SourceURL: "https://www.pinterest.com/pin/10/",
			AssetURL:  srv.URL + "/736x/aa/g.jpg",
			Kind:      pipeline.MediaJPEG,
		}}}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind:    pipeline.ReferenceSingleItem,
		URL:     "https://www.pinterest.com/pin/10/",
		Quality: pipeline.QualityMedium,
	})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 1)
	require.Equal(t, 736, got[0].Width)
	require.Zero(t, got[0].Height)
}

func TestFetchCanceledRequestDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	primary := &stubBackend{
		kind: pipeline.BackendPrimary,
		itemErrs: []error{
			context.Canceled, context.Canceled, context.Canceled,
			context.Canceled, context.Canceled,
		},
	}
	br := breaker.New()
	f := newTestFetcher(t, primary, nil, WithBreaker(pipeline.BackendPrimary, br))

	// Five aborted requests would trip the breaker if client cancellations
	// counted as backend failures.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := f.Fetch(ctx, pipeline.NormalizedReference{
			Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/11/"})
		collect(t, s)
		require.ErrorIs(t, s.Err(), context.Canceled)
	}
	require.Equal(t, breaker.Closed, br.State())
}

func TestFetchOversizePayloadFailsItem(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{descriptor(srv, "/big.jpg")}}

	f := New(primary, nil, sha256.New(), Config{MaxItemBytes: 4}, zap.NewNop(),
		WithRetryPolicy(immediatePolicy{max: 3}))
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/7/"})

	require.Empty(t, collect(t, s))
	var ff *pipeline.FetchFailedError
	require.ErrorAs(t, s.Err(), &ff)
	require.Equal(t, pipeline.FailUnsupportedFormat, ff.Reason)
}

func TestFetchVariantSelectionPrefersVideo(t *testing.T) {
	t.Parallel()
	srv := payloadServer(t)
	video := pipeline.MediaDescriptor{
		SourceURL: "https://www.pinterest.com/pin/8/",
		AssetURL:  srv.URL + "/clip.mp4",
		Kind:      pipeline.MediaMP4,
	}
	primary := &stubBackend{kind: pipeline.BackendPrimary,
		items: []pipeline.MediaDescriptor{descriptor(srv, "/f.jpg"), video}}

	f := newTestFetcher(t, primary, nil)
	s := f.Fetch(context.Background(), pipeline.NormalizedReference{
		Kind: pipeline.ReferenceSingleItem, URL: "https://www.pinterest.com/pin/8/"})

	got := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, got, 1)
	require.Equal(t, pipeline.MediaMP4, got[0].Kind)
}

func TestExponentialRetryPolicyBounds(t *testing.T) {
	t.Parallel()
	p := NewExponentialRetryPolicy()

	require.True(t, p.ShouldRetry(pipeline.Transient(errors.New("x")), 1))
	require.True(t, p.ShouldRetry(pipeline.Transient(errors.New("x")), 2))
	require.False(t, p.ShouldRetry(pipeline.Transient(errors.New("x")), 3))
	require.False(t, p.ShouldRetry(errors.New("fatal"), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 1; attempt <= 3; attempt++ {
		base := 500 * time.Millisecond << (attempt - 1)
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, base-base/5)
			require.LessOrEqual(t, d, base+base/5)
		}
	}
}
