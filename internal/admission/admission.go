// Package admission gates requests per caller: a cooldown-based rate gate
// followed by a daily quota gate. Both counters move as one atomic unit; a
// rejected request leaves them untouched.
package admission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/metrics"
	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Params are the per-caller limits evaluated on every request.
type Params struct {
	Cooldown   time.Duration
	DailyQuota int
}

// RejectReason says which gate turned a request away.
type RejectReason string

// Reject reasons.
const (
	RejectRate  RejectReason = "rate_limited"
	RejectQuota RejectReason = "quota_exceeded"
)

// Result is the outcome of one atomic gate evaluation.
type Result struct {
	Admitted   bool
	Reason     RejectReason
	RetryAfter time.Duration
	// Remaining is the quota left after this request (or at peek time).
	Remaining int
	// ResetAt is the next UTC midnight, when the quota resets.
	ResetAt time.Time
}

// Store holds per-caller quota and rate-window state. Admit must evaluate
// both gates and mutate both counters atomically with respect to concurrent
// requests from the same caller.
type Store interface {
	Admit(ctx context.Context, callerID string, p Params, now time.Time) (Result, error)
	// Peek reads quota state without consuming anything.
	Peek(ctx context.Context, callerID string, p Params, now time.Time) (Result, error)
}

// Controller wraps a Store with defaults, typed errors, and metrics.
type Controller struct {
	store  Store
	params Params
	clock  pipeline.Clock
	logger *zap.Logger
}

// New builds a Controller. Zero params fall back to the defaults: 3s
// cooldown, 100 requests per UTC day.
func New(store Store, params Params, clock pipeline.Clock, logger *zap.Logger) *Controller {
	if params.Cooldown <= 0 {
		params.Cooldown = 3 * time.Second
	}
	if params.DailyQuota <= 0 {
		params.DailyQuota = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, params: params, clock: clock, logger: logger}
}

// Admit evaluates both gates for callerID. On success exactly one quota unit
// is consumed and the rate window restarts. On rejection it returns
// *pipeline.RateLimitedError or *pipeline.QuotaExceededError.
func (c *Controller) Admit(ctx context.Context, callerID string) error {
	now := c.clock.Now()
	res, err := c.store.Admit(ctx, callerID, c.params, now)
	if err != nil {
		return err
	}
	if res.Admitted {
		return nil
	}
	metrics.CountAdmissionReject(string(res.Reason))
	switch res.Reason {
	case RejectRate:
		c.logger.Debug("request rate limited",
			zap.String("caller_id", callerID),
			zap.Duration("retry_after", res.RetryAfter),
		)
		return &pipeline.RateLimitedError{RetryAfter: res.RetryAfter}
	default:
		c.logger.Debug("request over daily quota",
			zap.String("caller_id", callerID),
			zap.Time("reset_at", res.ResetAt),
		)
		return &pipeline.QuotaExceededError{Remaining: res.Remaining, ResetAt: res.ResetAt}
	}
}

// Quota reads the caller's remaining quota without consuming any.
func (c *Controller) Quota(ctx context.Context, callerID string) (Result, error) {
	return c.store.Peek(ctx, callerID, c.params, c.clock.Now())
}

// EpochDay returns the UTC day number for t.
func EpochDay(t time.Time) int64 {
	return t.UTC().Unix() / 86400
}

// NextUTCMidnight returns the start of the next UTC day after t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
