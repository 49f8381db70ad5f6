// Package redisstore provides a Redis-backed admission store so quota and
// rate state survive restarts and can be shared between replicas.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pinfairy/mediafetch/internal/admission"
)

const (
	keyPrefix    = "mf:adm"
	keySeparator = ":"

	// Caller keys expire after two days so a day rollover is always
	// observable before expiry.
	keyTTL = 48 * time.Hour
)

// admitScript evaluates both gates server-side in one atomic step. It
// returns {code, retry_after_ms, remaining} with code 0 = rate limited,
// 1 = quota exceeded, 2 = admitted.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local day = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])

local last = tonumber(redis.call('HGET', key, 'last') or '0')
if last > 0 and now - last < cooldown then
  return {0, cooldown - (now - last), -1}
end

local stored = tonumber(redis.call('HGET', key, 'day') or '-1')
if stored ~= day then
  redis.call('HSET', key, 'day', day, 'used', 0)
end

local used = tonumber(redis.call('HGET', key, 'used') or '0')
if used >= limit then
  return {1, 0, 0}
end

redis.call('HSET', key, 'used', used + 1, 'last', now)
redis.call('EXPIRE', key, 172800)
return {2, 0, limit - used - 1}
`)

// Store implements admission.Store on a Redis hash per caller.
type Store struct {
	cl *redis.Client
}

// New wraps an existing Redis client.
func New(cl *redis.Client) *Store {
	return &Store{cl: cl}
}

func key(callerID string) string {
	return strings.Join([]string{keyPrefix, callerID}, keySeparator)
}

// Admit runs the gate script atomically on the caller's hash.
func (s *Store) Admit(ctx context.Context, callerID string, p admission.Params, now time.Time) (admission.Result, error) {
	raw, err := admitScript.Run(ctx, s.cl, []string{key(callerID)},
		now.UnixMilli(),
		p.Cooldown.Milliseconds(),
		admission.EpochDay(now),
		p.DailyQuota,
	).Result()
	if err != nil {
		return admission.Result{}, fmt.Errorf("admission script: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return admission.Result{}, fmt.Errorf("admission script: unexpected reply %v", raw)
	}
	code, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	remaining, _ := vals[2].(int64)

	switch code {
	case 0:
		return admission.Result{
			Reason:     admission.RejectRate,
			RetryAfter: time.Duration(retryMs) * time.Millisecond,
		}, nil
	case 1:
		return admission.Result{
			Reason:    admission.RejectQuota,
			Remaining: 0,
			ResetAt:   admission.NextUTCMidnight(now),
		}, nil
	default:
		return admission.Result{
			Admitted:  true,
			Remaining: int(remaining),
			ResetAt:   admission.NextUTCMidnight(now),
		}, nil
	}
}

// Peek reads the caller's hash without mutating it.
func (s *Store) Peek(ctx context.Context, callerID string, p admission.Params, now time.Time) (admission.Result, error) {
	fields, err := s.cl.HMGet(ctx, key(callerID), "day", "used").Result()
	if err != nil {
		return admission.Result{}, fmt.Errorf("admission peek: %w", err)
	}

	used := 0
	if len(fields) == 2 && fields[0] != nil && fields[1] != nil {
		day, dayOK := parseInt(fields[0])
		n, usedOK := parseInt(fields[1])
		if dayOK && usedOK && day == admission.EpochDay(now) {
			used = int(n)
		}
	}

	remaining := p.DailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	return admission.Result{
		Admitted:  remaining > 0,
		Remaining: remaining,
		ResetAt:   admission.NextUTCMidnight(now),
	}, nil
}

func parseInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
