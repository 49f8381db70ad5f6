package pipeline

import (
	"context"
	"io"
	"time"
)

// CollectionPage is one page of a paginated collection resolve. An empty
// Cursor means the collection is exhausted.
type CollectionPage struct {
	Items  []MediaDescriptor
	Cursor string
}

// Backend resolves references against one remote surface. The primary
// implementation is a lightweight HTTP parser; the fallback renders the page
// in a headless browser. Backends return every candidate variant they can
// see; variant selection and filtering belong to the fetcher.
type Backend interface {
	Kind() BackendKind

	// ResolveItem returns the candidate descriptors for a single item page.
	ResolveItem(ctx context.Context, url string) ([]MediaDescriptor, error)

	// ResolveCollection returns one page of a collection. Pass an empty
	// cursor for the first page and the returned cursor thereafter.
	ResolveCollection(ctx context.Context, url string, cursor string) (CollectionPage, error)

	// Search resolves a text query to at most limit candidate descriptors.
	Search(ctx context.Context, query string, limit int) ([]MediaDescriptor, error)
}

// Hasher computes content fingerprints for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// HistoryStore persists the append-only download history.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
	Recent(ctx context.Context, callerID string, limit int) ([]HistoryRecord, error)
}

// BlobStore writes batch artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}
