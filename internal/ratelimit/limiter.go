// Package ratelimit enforces the admission caps: per-endpoint windows,
// the weekly tier quota, and the app author's own per-minute and
// per-day caps on callers. Counters live in redis (the weekly quota in
// the relational store); when either is unreachable the limiter counts
// in-process instead of denying, so an outage degrades accuracy
// rather than availability.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

// Limiter scopes, in the order denials are inspected.
const (
	ScopeEndpoint  = "endpoint"
	ScopeWeekly    = "weekly"
	ScopeAppMinute = "app_minute"
	ScopeAppDay    = "app_day"
)

// Denial reports which cap rejected the request and when its window
// resets.
type Denial struct {
	Scope   string
	Limit   int64
	ResetAt time.Time
}

// QuotaStore is the slice of the repository holding the weekly quota
// procedure, which increments and tests in one round trip.
type QuotaStore interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, windowStart time.Time) (*store.QuotaDecision, error)
}

// Options configure the limiter.
type Options struct {
	// EndpointLimits maps endpoint names (e.g. "mcp:tools/call") to
	// their per-minute allowance. Missing or non-positive means
	// unlimited.
	EndpointLimits map[string]int64

	// WeeklyLimit maps a tier to its weekly call allowance. Nil or
	// non-positive results disable the weekly check.
	WeeklyLimit func(tier string) int64

	// Now supplies the clock; nil means time.Now.
	Now func() time.Time

	// OnDeny, when set, observes every denial by scope.
	OnDeny func(scope string)
}

// CallRequest carries everything the tools/call admission gate needs.
type CallRequest struct {
	UserID        string
	Tier          string
	AppID         string
	AppLimits     *store.RateLimitConfig
	CallerIsOwner bool
}

// Limiter applies fixed-window counters with a process-local fallback.
type Limiter struct {
	rdb      *redis.Client
	quota    QuotaStore
	opts     Options
	fallback *fallbackMap
	log      *zap.Logger
}

func New(rdb *redis.Client, quota QuotaStore, log *zap.Logger, opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		rdb:      rdb,
		quota:    quota,
		opts:     opts,
		fallback: newFallbackMap(opts.Now),
		log:      log,
	}
}

// Close stops the fallback sweeper.
func (l *Limiter) Close() { l.fallback.close() }

// AllowEndpoint applies only the per-endpoint window; initialize and
// the read-only methods use it.
func (l *Limiter) AllowEndpoint(ctx context.Context, userID, endpoint string) *Denial {
	return l.endpointCheck(ctx, userID, endpoint)
}

// AllowCall applies the full tools/call set. All checks run in
// parallel; denials are inspected in a fixed order so the reported
// reason is stable regardless of which check finished first.
func (l *Limiter) AllowCall(ctx context.Context, req CallRequest) *Denial {
	checks := make([]*Denial, 4)

	var g errgroup.Group
	g.Go(func() error {
		checks[0] = l.endpointCheck(ctx, req.UserID, "mcp:tools/call")
		return nil
	})
	g.Go(func() error {
		checks[1] = l.weeklyCheck(ctx, req.UserID, req.Tier)
		return nil
	})
	g.Go(func() error {
		checks[2] = l.appWindowCheck(ctx, req, ScopeAppMinute)
		return nil
	})
	g.Go(func() error {
		checks[3] = l.appWindowCheck(ctx, req, ScopeAppDay)
		return nil
	})
	_ = g.Wait() // checks report denials in the slice, never errors

	for _, d := range checks {
		if d != nil {
			return d
		}
	}
	return nil
}

func (l *Limiter) endpointCheck(ctx context.Context, userID, endpoint string) *Denial {
	limit := l.opts.EndpointLimits[endpoint]
	if limit <= 0 {
		return nil
	}
	start := l.opts.Now().UTC().Truncate(time.Minute)
	key := fmt.Sprintf("rl:%s:%s:%d", endpoint, userID, start.Unix())
	return l.window(ctx, ScopeEndpoint, key, limit, start, time.Minute)
}

func (l *Limiter) appWindowCheck(ctx context.Context, req CallRequest, scope string) *Denial {
	// Authors never throttle themselves.
	if req.CallerIsOwner || req.AppLimits == nil {
		return nil
	}

	var (
		limit  int64
		start  time.Time
		length time.Duration
		tag    string
	)
	now := l.opts.Now().UTC()
	switch scope {
	case ScopeAppMinute:
		limit = req.AppLimits.CallsPerMinute
		start = now.Truncate(time.Minute)
		length = time.Minute
		tag = "m"
	case ScopeAppDay:
		limit = req.AppLimits.CallsPerDay
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		length = 24 * time.Hour
		tag = "d"
	}
	if limit <= 0 {
		return nil
	}

	key := fmt.Sprintf("rl:app:%s:%s:%s:%d", req.AppID, tag, req.UserID, start.Unix())
	return l.window(ctx, scope, key, limit, start, length)
}

// window increments the counter for key and tests it against limit.
// A redis failure shifts counting to the in-process map.
func (l *Limiter) window(ctx context.Context, scope, key string, limit int64, start time.Time, length time.Duration) *Denial {
	resetAt := start.Add(length)

	count, err := l.incr(ctx, key, length+time.Minute)
	if err != nil {
		l.log.Warn("rate limit counter unavailable, counting in-process",
			zap.String("key", key), zap.Error(err))
		count = l.fallback.incr(key, resetAt)
	}

	if count > limit {
		l.deny(scope)
		return &Denial{Scope: scope, Limit: limit, ResetAt: resetAt}
	}
	return nil
}

func (l *Limiter) weeklyCheck(ctx context.Context, userID, tier string) *Denial {
	if l.opts.WeeklyLimit == nil {
		return nil
	}
	limit := l.opts.WeeklyLimit(tier)
	if limit <= 0 {
		return nil
	}

	start := isoWeekStart(l.opts.Now())
	resetAt := start.AddDate(0, 0, 7)
	key := fmt.Sprintf("week:%s:%d", userID, start.Unix())

	dec, err := l.quota.CheckRateLimit(ctx, key, limit, start)
	if err != nil {
		l.log.Warn("weekly quota unavailable, counting in-process",
			zap.String("user_id", userID), zap.Error(err))
		if l.fallback.incr(key, resetAt) > limit {
			l.deny(ScopeWeekly)
			return &Denial{Scope: ScopeWeekly, Limit: limit, ResetAt: resetAt}
		}
		return nil
	}
	if !dec.Allowed {
		l.deny(ScopeWeekly)
		return &Denial{Scope: ScopeWeekly, Limit: limit, ResetAt: resetAt}
	}
	return nil
}

// incr bumps the window counter and refreshes its expiry in one
// pipelined round trip.
func (l *Limiter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (l *Limiter) deny(scope string) {
	if l.opts.OnDeny != nil {
		l.opts.OnDeny(scope)
	}
}

// isoWeekStart truncates to the preceding Monday midnight UTC.
func isoWeekStart(now time.Time) time.Time {
	utc := now.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -(int(day.Weekday())+6)%7)
}
