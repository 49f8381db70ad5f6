package pipeline

import "time"

// ReferenceKind distinguishes the three accepted reference shapes.
type ReferenceKind string

// Accepted reference kinds.
const (
	ReferenceSingleItem ReferenceKind = "single_item"
	ReferenceCollection ReferenceKind = "collection"
	ReferenceQuery      ReferenceKind = "query"
)

// Quality selects the resolution tier requested by the caller.
type Quality string

// Quality tiers, mapping to the remote resolution ladder.
const (
	QualityHigh   Quality = "high"   // originals
	QualityMedium Quality = "medium" // 736x
	QualityLow    Quality = "low"    // 236x
)

// Reference is a caller-supplied identifier of what to fetch. URL is set for
// single items and collections, Query for text searches.
type Reference struct {
	Kind    ReferenceKind
	URL     string
	Query   string
	Quality Quality
}

// NormalizedReference is a Reference that passed validation. The URL is
// cleaned (tracking parameters and stray quoting removed) and the query
// trimmed. Producing one is the only way into the rest of the pipeline.
type NormalizedReference struct {
	Kind    ReferenceKind
	URL     string
	Query   string
	Quality Quality
}

// MediaKind is the content type of a fetched asset.
type MediaKind string

// Media kinds accepted for delivery.
const (
	MediaJPEG    MediaKind = "jpeg"
	MediaPNG     MediaKind = "png"
	MediaWebP    MediaKind = "webp"
	MediaMP4     MediaKind = "mp4"
	MediaUnknown MediaKind = "unknown"
)

// MediaDescriptor is the metadata record for one fetched media candidate.
// It is immutable once produced by the fetcher and is never persisted;
// the deduplicator and assembler consume and discard it.
type MediaDescriptor struct {
	// SourceURL is the page the asset was discovered on.
	SourceURL string
	// AssetURL is the resolved direct URL of the media payload.
	AssetURL string
	Kind     MediaKind
	// Width and Height are zero when the resolution is unknown.
	Width  int
	Height int
	// SizeBytes is zero until the payload has been probed or downloaded.
	SizeBytes int64
	// Fingerprint is the hex content hash, empty unless the fetcher
	// downloaded the payload.
	Fingerprint string
}

// Pixels returns the descriptor's pixel count, zero when unknown.
func (d MediaDescriptor) Pixels() int {
	return d.Width * d.Height
}

// BackendKind identifies which fetch backend served an attempt.
type BackendKind string

// Fetch backends.
const (
	BackendPrimary  BackendKind = "primary"
	BackendFallback BackendKind = "fallback"
)

// AttemptOutcome classifies one backend call.
type AttemptOutcome string

// Attempt outcomes.
const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeRetryable AttemptOutcome = "retryable_failure"
	OutcomeFatal     AttemptOutcome = "fatal_failure"
)

// FetchAttempt records one backend call for retry and breaker bookkeeping.
// Attempts live only for the duration of a single request.
type FetchAttempt struct {
	Backend   BackendKind
	StartedAt time.Time
	Outcome   AttemptOutcome
	Latency   time.Duration
}

// PackagingMode is the assembler's hint to the front-end on how to present
// the batch. Packaging itself is the front-end's concern.
type PackagingMode string

// Packaging hints.
const (
	PackageIndividual PackagingMode = "individual"
	PackageArchive    PackagingMode = "archive"
)

// DeliveryBatch is the ordered result of one completed request.
type DeliveryBatch struct {
	Items []MediaDescriptor
	// RequestedCount is the number of raw descriptors the fetcher emitted
	// before deduplication.
	RequestedCount int
	// DedupedCount is how many duplicates were dropped.
	DedupedCount int
	// FailedCount is how many items were dropped for item-level failures.
	FailedCount int
	// FailureReasons carries one short reason per failed item.
	FailureReasons []string
	Packaging      PackagingMode
	// ArchiveURI points at the uploaded batch manifest when Packaging is
	// PackageArchive and a blob store is configured.
	ArchiveURI string
}

// Outcome summarizes a batch for the history log.
func (b DeliveryBatch) Outcome() string {
	switch {
	case len(b.Items) == 0:
		return "failure"
	case b.FailedCount > 0:
		return "partial"
	default:
		return "success"
	}
}

// HistoryRecord is the append-only audit entry written once per completed
// request, successful or not. It never carries raw descriptors.
type HistoryRecord struct {
	CallerID      string
	Timestamp     time.Time
	ReferenceKind ReferenceKind
	Outcome       string
	ItemCount     int
}
