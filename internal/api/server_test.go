package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/admission"
	"github.com/pinfairy/mediafetch/internal/pipeline"
	"github.com/pinfairy/mediafetch/internal/service"
)

type stubPipeline struct {
	batch      pipeline.DeliveryBatch
	submitErr  error
	lastSubmit service.Request

	quota    admission.Result
	quotaErr error

	history    []pipeline.HistoryRecord
	historyErr error
	lastLimit  int
}

func (p *stubPipeline) Submit(_ context.Context, req service.Request) (pipeline.DeliveryBatch, error) {
	p.lastSubmit = req
	return p.batch, p.submitErr
}

func (p *stubPipeline) Quota(_ context.Context, _ string) (admission.Result, error) {
	return p.quota, p.quotaErr
}

func (p *stubPipeline) History(_ context.Context, _ string, limit int) ([]pipeline.HistoryRecord, error) {
	p.lastLimit = limit
	return p.history, p.historyErr
}

func newTestServer(p Pipeline, cfg Config) *httptest.Server {
	return httptest.NewServer(NewServer(p, cfg, zap.NewNop()).Handler())
}

func postRequest(t *testing.T, srv *httptest.Server, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/requests", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestSubmitRequestSuccess(t *testing.T) {
	t.Parallel()
	p := &stubPipeline{
		batch: pipeline.DeliveryBatch{
			Items: []pipeline.MediaDescriptor{{
				SourceURL:   "https://www.pinterest.com/pin/1/",
				AssetURL:    "https://i.pinimg.com/originals/aa/bb/cc.jpg",
				Kind:        pipeline.MediaJPEG,
				Width:       1200,
				Height:      900,
				Fingerprint: "abc",
			}},
			RequestedCount: 2,
			DedupedCount:   1,
			Packaging:      pipeline.PackageIndividual,
		},
	}
	srv := newTestServer(p, Config{})
	defer srv.Close()

	resp := postRequest(t, srv, map[string]string{
		"caller_id": "caller-1",
		"kind":      "single_item",
		"url":       "https://www.pinterest.com/pin/1/",
		"quality":   "high",
	}, nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body batchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "success", body.Outcome)
	require.Len(t, body.Items, 1)
	require.Equal(t, "individual", body.Packaging)
	require.Equal(t, 1, body.DedupedCount)

	require.Equal(t, "caller-1", p.lastSubmit.CallerID)
	require.Equal(t, pipeline.ReferenceSingleItem, p.lastSubmit.Reference.Kind)
	require.Equal(t, pipeline.QualityHigh, p.lastSubmit.Reference.Quality)
}

func TestSubmitRequestErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"validation", &pipeline.ValidationError{Reason: pipeline.InvalidFormat}, http.StatusBadRequest, false},
		{"rate_limited", &pipeline.RateLimitedError{RetryAfter: 2 * time.Second}, http.StatusTooManyRequests, true},
		{"quota", &pipeline.QuotaExceededError{ResetAt: time.Now().Add(time.Hour)}, http.StatusTooManyRequests, true},
		{"dead_link", &pipeline.FetchFailedError{Reason: pipeline.FailDeadLink}, http.StatusBadGateway, false},
		{"timeout", &pipeline.FetchFailedError{Reason: pipeline.FailTimeout}, http.StatusGatewayTimeout, false},
		{"unavailable", &pipeline.FetchFailedError{Reason: pipeline.FailBackendUnavailable}, http.StatusServiceUnavailable, false},
		{"internal", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(&stubPipeline{submitErr: tc.err}, Config{})
			defer srv.Close()

			resp := postRequest(t, srv, map[string]string{
				"caller_id": "c", "kind": "single_item", "url": "https://www.pinterest.com/pin/1/",
			}, nil)
			defer resp.Body.Close()

			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantRetry {
				require.NotEmpty(t, resp.Header.Get("Retry-After"))
			}
		})
	}
}

func TestSubmitRequestRejectsBadJSON(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&stubPipeline{}, Config{})
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/requests", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetQuota(t *testing.T) {
	t.Parallel()
	reset := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	p := &stubPipeline{quota: admission.Result{Remaining: 42, ResetAt: reset}}
	srv := newTestServer(p, Config{})
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/quota/caller-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body quotaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "caller-1", body.CallerID)
	require.Equal(t, 42, body.Remaining)
	require.True(t, body.ResetAt.Equal(reset))
}

func TestGetHistory(t *testing.T) {
	t.Parallel()
	p := &stubPipeline{history: []pipeline.HistoryRecord{
		{ReferenceKind: pipeline.ReferenceCollection, Outcome: "success", ItemCount: 7},
	}}
	srv := newTestServer(p, Config{})
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/history/caller-1?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, p.lastLimit)

	var body struct {
		History []historyEntry `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.History, 1)
	require.Equal(t, "collection", body.History[0].ReferenceKind)

	resp, err = srv.Client().Get(srv.URL + "/v1/history/caller-1?limit=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&stubPipeline{}, Config{})
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&stubPipeline{}, Config{APIKey: "secret"})
	defer srv.Close()

	resp := postRequest(t, srv, map[string]string{
		"caller_id": "c", "kind": "single_item", "url": "https://www.pinterest.com/pin/1/",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postRequest(t, srv, map[string]string{
		"caller_id": "c", "kind": "single_item", "url": "https://www.pinterest.com/pin/1/",
	}, map[string]string{"X-API-Key": "secret"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Probes stay open.
	probe, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	probe.Body.Close()
	require.Equal(t, http.StatusOK, probe.StatusCode)
}
