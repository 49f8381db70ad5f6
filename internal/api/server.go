// Package api exposes the HTTP interface of the media fetch service.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/requests for reference submission.
//   - GET /v1/quota/{caller_id} and /v1/history/{caller_id} for caller state.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/admission"
	"github.com/pinfairy/mediafetch/internal/metrics"
	"github.com/pinfairy/mediafetch/internal/pipeline"
	"github.com/pinfairy/mediafetch/internal/service"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Pipeline is the service surface the handlers need.
type Pipeline interface {
	Submit(ctx context.Context, req service.Request) (pipeline.DeliveryBatch, error)
	Quota(ctx context.Context, callerID string) (admission.Result, error)
	History(ctx context.Context, callerID string, limit int) ([]pipeline.HistoryRecord, error)
}

// Config controls the HTTP server surface.
type Config struct {
	// RequestTimeout caps one HTTP request end to end (default 10m, wide
	// enough for a large collection fetch).
	RequestTimeout time.Duration
	// APIKey, when set, is required on every /v1 route via the X-API-Key
	// header.
	APIKey string
}

// Server wires HTTP handlers to the pipeline service.
type Server struct {
	router chi.Router
	svc    Pipeline
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Pipeline, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/requests", s.submitRequest)
		r.Get("/quota/{caller_id}", s.getQuota)
		r.Get("/history/{caller_id}", s.getHistory)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequestBody struct {
	CallerID string `json:"caller_id"`
	Kind     string `json:"kind"`
	URL      string `json:"url,omitempty"`
	Query    string `json:"query,omitempty"`
	Quality  string `json:"quality,omitempty"`
}

type batchItem struct {
	SourceURL   string `json:"source_url"`
	AssetURL    string `json:"asset_url"`
	Kind        string `json:"kind"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type batchResponse struct {
	Outcome        string      `json:"outcome"`
	Items          []batchItem `json:"items"`
	RequestedCount int         `json:"requested_count"`
	DedupedCount   int         `json:"deduped_count"`
	FailedCount    int         `json:"failed_count"`
	FailureReasons []string    `json:"failure_reasons,omitempty"`
	Packaging      string      `json:"packaging"`
	ArchiveURI     string      `json:"archive_uri,omitempty"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}

	batch, err := s.svc.Submit(r.Context(), service.Request{
		CallerID: body.CallerID,
		Reference: pipeline.Reference{
			Kind:    pipeline.ReferenceKind(body.Kind),
			URL:     body.URL,
			Query:   body.Query,
			Quality: pipeline.Quality(body.Quality),
		},
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	resp := batchResponse{
		Outcome:        batch.Outcome(),
		Items:          make([]batchItem, 0, len(batch.Items)),
		RequestedCount: batch.RequestedCount,
		DedupedCount:   batch.DedupedCount,
		FailedCount:    batch.FailedCount,
		FailureReasons: batch.FailureReasons,
		Packaging:      string(batch.Packaging),
		ArchiveURI:     batch.ArchiveURI,
	}
	for _, d := range batch.Items {
		resp.Items = append(resp.Items, batchItem{
			SourceURL:   d.SourceURL,
			AssetURL:    d.AssetURL,
			Kind:        string(d.Kind),
			Width:       d.Width,
			Height:      d.Height,
			SizeBytes:   d.SizeBytes,
			Fingerprint: d.Fingerprint,
		})
	}
	writeJSON(s.logger, w, http.StatusOK, resp)
}

// writeSubmitError maps the pipeline error taxonomy onto HTTP statuses.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var (
		verr  *pipeline.ValidationError
		rferr *pipeline.RateLimitedError
		qerr  *pipeline.QuotaExceededError
		ferr  *pipeline.FetchFailedError
	)
	switch {
	case errors.As(err, &verr):
		writeError(s.logger, w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &rferr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rferr.RetryAfter.Seconds()+0.999)))
		writeError(s.logger, w, http.StatusTooManyRequests, rferr.Error())
	case errors.As(err, &qerr):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(qerr.ResetAt).Seconds()), 10))
		writeError(s.logger, w, http.StatusTooManyRequests, qerr.Error())
	case errors.As(err, &ferr):
		switch ferr.Reason {
		case pipeline.FailTimeout:
			writeError(s.logger, w, http.StatusGatewayTimeout, ferr.Error())
		case pipeline.FailBackendUnavailable:
			writeError(s.logger, w, http.StatusServiceUnavailable, ferr.Error())
		default:
			writeError(s.logger, w, http.StatusBadGateway, ferr.Error())
		}
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
	}
}

type quotaResponse struct {
	CallerID  string    `json:"caller_id"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")
	if callerID == "" {
		writeError(s.logger, w, http.StatusBadRequest, "caller_id is required")
		return
	}
	res, err := s.svc.Quota(r.Context(), callerID)
	if err != nil {
		s.logger.Error("quota lookup failed", zap.String("caller_id", callerID), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "quota lookup failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, quotaResponse{
		CallerID:  callerID,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	})
}

type historyEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	ReferenceKind string    `json:"reference_kind"`
	Outcome       string    `json:"outcome"`
	ItemCount     int       `json:"item_count"`
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")
	if callerID == "" {
		writeError(s.logger, w, http.StatusBadRequest, "caller_id is required")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}
	recs, err := s.svc.History(r.Context(), callerID, limit)
	if err != nil {
		s.logger.Error("history lookup failed", zap.String("caller_id", callerID), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	entries := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, historyEntry{
			Timestamp:     rec.Timestamp,
			ReferenceKind: string(rec.ReferenceKind),
			Outcome:       rec.Outcome,
			ItemCount:     rec.ItemCount,
		})
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"history": entries})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
