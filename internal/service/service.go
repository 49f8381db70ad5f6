// Package service wires the pipeline stages together: validation, admission,
// fetch, deduplication and delivery assembly. It owns the bounded concurrency
// of in-flight requests; everything below it is per-request.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/admission"
	"github.com/pinfairy/mediafetch/internal/dedup"
	"github.com/pinfairy/mediafetch/internal/delivery"
	"github.com/pinfairy/mediafetch/internal/fetcher"
	"github.com/pinfairy/mediafetch/internal/metrics"
	"github.com/pinfairy/mediafetch/internal/pipeline"
	"github.com/pinfairy/mediafetch/internal/validator"
)

// Request is one caller submission.
type Request struct {
	CallerID  string
	Reference pipeline.Reference
}

// Fetcher resolves a normalized reference into a descriptor stream.
type Fetcher interface {
	Fetch(ctx context.Context, ref pipeline.NormalizedReference) *fetcher.Stream
}

// Config tunes the service.
type Config struct {
	// MaxConcurrent bounds in-flight requests across all callers
	// (default 8). Waiters queue in submission order.
	MaxConcurrent int
}

// Service runs the pipeline end to end.
type Service struct {
	validator *validator.Validator
	admitter  *admission.Controller
	fetcher   Fetcher
	assembler *delivery.Assembler
	history   pipeline.HistoryStore
	clock     pipeline.Clock
	slots     chan struct{}
	logger    *zap.Logger
}

// New builds a Service.
func New(cfg Config, v *validator.Validator, adm *admission.Controller, f Fetcher, asm *delivery.Assembler, history pipeline.HistoryStore, clock pipeline.Clock, logger *zap.Logger) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		validator: v,
		admitter:  adm,
		fetcher:   f,
		assembler: asm,
		history:   history,
		clock:     clock,
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		logger:    logger,
	}
}

// Submit runs one request through the whole pipeline. Rejections surface as
// the typed pipeline errors; rejected requests consume no quota and no
// concurrency slot.
func (s *Service) Submit(ctx context.Context, req Request) (pipeline.DeliveryBatch, error) {
	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	if req.CallerID == "" {
		return pipeline.DeliveryBatch{}, &pipeline.ValidationError{
			Reason: pipeline.InvalidFormat, Detail: "caller id is required"}
	}

	ref, err := s.validator.Validate(req.Reference)
	if err != nil {
		s.recordRejection(ctx, req, "rejected")
		metrics.CountRequest(string(req.Reference.Kind), "rejected")
		return pipeline.DeliveryBatch{}, err
	}

	if err := s.admitter.Admit(ctx, req.CallerID); err != nil {
		s.recordRejection(ctx, req, "rejected")
		metrics.CountRequest(string(ref.Kind), "rejected")
		return pipeline.DeliveryBatch{}, err
	}

	if err := s.acquire(ctx); err != nil {
		return pipeline.DeliveryBatch{}, err
	}
	defer s.release()

	stream := s.fetcher.Fetch(ctx, ref)
	dd := dedup.New()
	var items []pipeline.MediaDescriptor
	raw := 0
	for d := range stream.Items() {
		raw++
		if dd.Admit(d) {
			items = append(items, d)
		}
	}

	if ferr := stream.Err(); ferr != nil {
		if errors.Is(ferr, context.Canceled) {
			return pipeline.DeliveryBatch{}, ferr
		}
		s.recordFetchFailure(ctx, req, ref)
		metrics.CountRequest(string(ref.Kind), "failure")
		s.logger.Info("fetch failed",
			zap.String("caller_id", req.CallerID),
			zap.String("kind", string(ref.Kind)),
			zap.Int("attempts", len(stream.Attempts())),
			zap.Error(ferr),
		)
		return pipeline.DeliveryBatch{}, ferr
	}

	reasons := make([]string, 0, len(stream.Failures()))
	for _, f := range stream.Failures() {
		reasons = append(reasons, f.Reason)
	}

	batch, err := s.assembler.Assemble(ctx, delivery.Input{
		CallerID:          req.CallerID,
		ReferenceKind:     ref.Kind,
		Items:             items,
		RawCount:          raw,
		DuplicatesDropped: dd.Dropped(),
		FailureReasons:    reasons,
	})
	if err != nil {
		return pipeline.DeliveryBatch{}, fmt.Errorf("assemble batch: %w", err)
	}

	metrics.CountRequest(string(ref.Kind), batch.Outcome())
	s.logger.Info("request delivered",
		zap.String("caller_id", req.CallerID),
		zap.String("kind", string(ref.Kind)),
		zap.String("outcome", batch.Outcome()),
		zap.Int("items", len(batch.Items)),
		zap.Int("duplicates", batch.DedupedCount),
		zap.Int("failed", batch.FailedCount),
	)
	return batch, nil
}

// Quota reports the caller's current admission state without consuming
// anything.
func (s *Service) Quota(ctx context.Context, callerID string) (admission.Result, error) {
	return s.admitter.Quota(ctx, callerID)
}

// History returns the caller's recent download history, newest first.
func (s *Service) History(ctx context.Context, callerID string, limit int) ([]pipeline.HistoryRecord, error) {
	return s.history.Recent(ctx, callerID, limit)
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.slots
}

// recordRejection writes the history entry for a request that never reached
// the fetcher. Best-effort: a history outage must not mask the rejection.
func (s *Service) recordRejection(ctx context.Context, req Request, outcome string) {
	rec := pipeline.HistoryRecord{
		CallerID:      req.CallerID,
		Timestamp:     s.clock.Now(),
		ReferenceKind: req.Reference.Kind,
		Outcome:       outcome,
	}
	if err := s.history.Append(ctx, rec); err != nil {
		s.logger.Warn("history append failed",
			zap.String("caller_id", req.CallerID),
			zap.Error(err),
		)
	}
}

func (s *Service) recordFetchFailure(ctx context.Context, req Request, ref pipeline.NormalizedReference) {
	rec := pipeline.HistoryRecord{
		CallerID:      req.CallerID,
		Timestamp:     s.clock.Now(),
		ReferenceKind: ref.Kind,
		Outcome:       "failure",
	}
	if err := s.history.Append(ctx, rec); err != nil {
		s.logger.Warn("history append failed",
			zap.String("caller_id", req.CallerID),
			zap.Error(err),
		)
	}
}
