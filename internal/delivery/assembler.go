// Package delivery turns a deduplicated descriptor set into the batch handed
// back to the caller: ordered items, counts, the packaging hint, the history
// record, and the best-effort completion event.
package delivery

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/metrics"
	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Config tunes the assembler.
type Config struct {
	// ArchiveThreshold is the item count above which the batch carries the
	// archive packaging hint (default 5).
	ArchiveThreshold int
	// ArchivePrefix is the blob path prefix for uploaded batch manifests.
	ArchivePrefix string
}

// Input is everything the assembler needs about one completed fetch.
type Input struct {
	CallerID      string
	ReferenceKind pipeline.ReferenceKind
	// Items are the surviving descriptors in discovery order.
	Items []pipeline.MediaDescriptor
	// RawCount is how many descriptors the fetcher emitted before
	// deduplication.
	RawCount int
	// DuplicatesDropped is how many of those the deduplicator removed.
	DuplicatesDropped int
	// FailureReasons carries one reason per absorbed item failure.
	FailureReasons []string
}

// CompletionEvent is the payload published when a batch is assembled.
type CompletionEvent struct {
	CallerID      string                 `json:"caller_id"`
	ReferenceKind pipeline.ReferenceKind `json:"reference_kind"`
	Outcome       string                 `json:"outcome"`
	ItemCount     int                    `json:"item_count"`
	FailedCount   int                    `json:"failed_count"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Assembler builds delivery batches. The blob store and publisher are
// optional; history is not.
type Assembler struct {
	cfg       Config
	history   pipeline.HistoryStore
	blobs     pipeline.BlobStore
	publisher pipeline.Publisher
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	logger    *zap.Logger
}

// New builds an Assembler.
func New(cfg Config, history pipeline.HistoryStore, blobs pipeline.BlobStore, publisher pipeline.Publisher, clock pipeline.Clock, ids pipeline.IDGenerator, logger *zap.Logger) *Assembler {
	if cfg.ArchiveThreshold <= 0 {
		cfg.ArchiveThreshold = 5
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "batches"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		cfg:       cfg,
		history:   history,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Assemble produces the batch for one request, appends the history record,
// and publishes the completion event. The history write is mandatory: its
// failure fails the request. Publishing is best-effort.
func (a *Assembler) Assemble(ctx context.Context, in Input) (pipeline.DeliveryBatch, error) {
	batch := pipeline.DeliveryBatch{
		Items:          in.Items,
		RequestedCount: in.RawCount,
		DedupedCount:   in.DuplicatesDropped,
		FailedCount:    len(in.FailureReasons),
		FailureReasons: in.FailureReasons,
		Packaging:      pipeline.PackageIndividual,
	}
	if len(in.Items) > a.cfg.ArchiveThreshold {
		batch.Packaging = pipeline.PackageArchive
	}

	if batch.Packaging == pipeline.PackageArchive && a.blobs != nil {
		uri, err := a.uploadManifest(ctx, in)
		if err != nil {
			// The hint survives without the artifact; the front-end can
			// still bundle from the item URLs.
			a.logger.Warn("batch manifest upload failed",
				zap.String("caller_id", in.CallerID),
				zap.Error(err),
			)
		} else {
			batch.ArchiveURI = uri
		}
	}

	rec := pipeline.HistoryRecord{
		CallerID:      in.CallerID,
		Timestamp:     a.clock.Now(),
		ReferenceKind: in.ReferenceKind,
		Outcome:       batch.Outcome(),
		ItemCount:     len(in.Items),
	}
	if err := a.history.Append(ctx, rec); err != nil {
		return pipeline.DeliveryBatch{}, fmt.Errorf("append history: %w", err)
	}

	metrics.CountDelivered(len(in.Items))
	metrics.CountDuplicates(in.DuplicatesDropped)

	a.publish(ctx, in, batch)
	return batch, nil
}

func (a *Assembler) publish(ctx context.Context, in Input, batch pipeline.DeliveryBatch) {
	if a.publisher == nil {
		return
	}
	ev := CompletionEvent{
		CallerID:      in.CallerID,
		ReferenceKind: in.ReferenceKind,
		Outcome:       batch.Outcome(),
		ItemCount:     len(batch.Items),
		FailedCount:   batch.FailedCount,
		Timestamp:     a.clock.Now(),
	}
	if _, err := a.publisher.Publish(ctx, ev); err != nil {
		a.logger.Warn("completion event publish failed",
			zap.String("caller_id", in.CallerID),
			zap.Error(err),
		)
	}
}

// manifestEntry is one line of the uploaded batch manifest.
type manifestEntry struct {
	AssetURL    string             `json:"asset_url"`
	Kind        pipeline.MediaKind `json:"kind"`
	Width       int                `json:"width,omitempty"`
	Height      int                `json:"height,omitempty"`
	SizeBytes   int64              `json:"size_bytes,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
}

// uploadManifest writes a zip containing the batch manifest and returns the
// blob URI.
func (a *Assembler) uploadManifest(ctx context.Context, in Input) (string, error) {
	entries := make([]manifestEntry, 0, len(in.Items))
	for _, d := range in.Items {
		entries = append(entries, manifestEntry{
			AssetURL:    d.AssetURL,
			Kind:        d.Kind,
			Width:       d.Width,
			Height:      d.Height,
			SizeBytes:   d.SizeBytes,
			Fingerprint: d.Fingerprint,
		})
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("manifest.json")
	if err != nil {
		return "", fmt.Errorf("create manifest entry: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	id, err := a.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	path := fmt.Sprintf("%s/%s/%s-%s.zip",
		a.cfg.ArchivePrefix,
		in.CallerID,
		a.clock.Now().Format("20060102T150405"),
		id,
	)
	return a.blobs.PutObject(ctx, path, "application/zip", &buf)
}
