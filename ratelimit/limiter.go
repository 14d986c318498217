/*
limiter.go - Multi-tier fixed-window rate limiter

PURPOSE:
  Enforces independent quota tiers (per minute, per hour, per day) for each
  caller and returns allow/deny plus remaining-quota metadata.

BUCKET STATE MACHINE (one per caller and tier, key rl/{caller}/{tier}):
  NonExistent --request--------------> Active(tokens = max-1)
  Active      --request, tokens > 0--> Active(tokens-1)
  Active      --request, tokens = 0--> Denied (bucket unchanged)
  any         --window elapsed-------> Active(tokens = max-1)

  The window rolls over when now >= windowStart + window.

FAILURE POLICY:
  FailOpen (default) allows the request when the store is unreachable and
  marks the result Degraded. FailClosed returns ErrStoreUnavailable instead.
  Pick FailClosed for abuse-sensitive surfaces such as wallet top-ups.
*/
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/metrics"
	"golang.org/x/time/rate"
)

// Tier is one quota: at most MaxRequests per Window.
type Tier struct {
	Name        string        `json:"name"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

func (t Tier) validate() error {
	if err := generic.ValidID(t.Name); err != nil {
		return err
	}
	if t.MaxRequests <= 0 || t.Window <= 0 {
		return fmt.Errorf("%w: tier %s needs a positive limit and window", generic.ErrInvalidRequest, t.Name)
	}
	return nil
}

// DefaultTiers mirrors a typical API-key plan.
var DefaultTiers = []Tier{
	{Name: "minute", MaxRequests: 60, Window: time.Minute},
	{Name: "hour", MaxRequests: 1000, Window: time.Hour},
	{Name: "day", MaxRequests: 10000, Window: 24 * time.Hour},
}

// Result is the decision for one tier (or, from CheckAll, the deciding tier).
type Result struct {
	Allowed   bool      `json:"allowed"`
	Tier      string    `json:"tier"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is whole seconds until the window resets, set only on denial.
	RetryAfter int `json:"retry_after,omitempty"`
	// Degraded marks a fail-open decision taken without the store.
	Degraded bool `json:"degraded,omitempty"`
}

// Err converts a denial into a *generic.RateLimitError; nil when allowed.
func (r Result) Err(callerID string) error {
	if r.Allowed {
		return nil
	}
	return &generic.RateLimitError{
		CallerID:   callerID,
		Tier:       r.Tier,
		Limit:      r.Limit,
		ResetAt:    r.ResetAt,
		RetryAfter: r.RetryAfter,
	}
}

type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// ParseFailurePolicy accepts "open"/"fail-open" and "closed"/"fail-closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "open", "fail-open":
		return FailOpen, nil
	case "closed", "fail-closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("%w: unknown failure policy %q", generic.ErrInvalidRequest, s)
}

// =============================================================================
// LIMITER
// =============================================================================

type Limiter struct {
	store   generic.Store
	clock   generic.Clock
	policy  FailurePolicy
	retry   generic.RetryPolicy
	sweep   *rate.Limiter
	ids     generic.IDGenerator
	logger  *slog.Logger
	metrics *metrics.Collector
}

type Option func(*Limiter)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

func WithClock(c generic.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithRetryPolicy(p generic.RetryPolicy) Option {
	return func(l *Limiter) { l.retry = p }
}

// WithSweepRate paces Cleanup deletions.
func WithSweepRate(r rate.Limit, burst int) Option {
	return func(l *Limiter) { l.sweep = rate.NewLimiter(r, burst) }
}

func WithIDGenerator(ids generic.IDGenerator) Option {
	return func(l *Limiter) { l.ids = ids }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store generic.Store, opts ...Option) *Limiter {
	retry := generic.DefaultRetryPolicy()
	retry.MaxAttempts = 16

	l := &Limiter{
		store:  store,
		clock:  generic.SystemClock(),
		policy: FailOpen,
		retry:  retry,
		sweep:  rate.NewLimiter(200, 50),
		ids:    generic.UUIDGenerator(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Policy() FailurePolicy { return l.policy }

// Check consumes one request from the caller's bucket for tier.
func (l *Limiter) Check(ctx context.Context, callerID string, tier Tier) (Result, error) {
	if err := generic.ValidID(callerID); err != nil {
		return Result{}, err
	}
	if err := tier.validate(); err != nil {
		return Result{}, err
	}

	var res Result
	key := generic.BucketKey(callerID, tier.Name)
	err := l.retry.Do(ctx, func(int) error {
		now := l.clock.Now()

		var b generic.RateLimitBucket
		version, err := generic.GetJSON(ctx, l.store, key, &b)
		if err != nil && !errors.Is(err, generic.ErrNotFound) {
			return err
		}

		switch {
		case version == 0 || !now.Before(b.ResetAt()) || b.MaxTokens != tier.MaxRequests || b.Window != tier.Window:
			b = generic.RateLimitBucket{
				CallerID:    callerID,
				Tier:        tier.Name,
				Tokens:      tier.MaxRequests - 1,
				MaxTokens:   tier.MaxRequests,
				WindowStart: now,
				Window:      tier.Window,
			}
		case b.Tokens > 0:
			b.Tokens--
		default:
			res = denied(tier, b, now)
			return nil
		}
		b.LastSeen = now

		if _, err := generic.PutJSON(ctx, l.store, key, b, version); err != nil {
			if errors.Is(err, generic.ErrVersionConflict) {
				l.metrics.ObserveConflict("ratelimit")
			}
			return err
		}
		res = Result{Allowed: true, Tier: tier.Name, Limit: b.MaxTokens, Remaining: b.Tokens, ResetAt: b.ResetAt()}
		return nil
	})

	if err != nil {
		if errors.Is(err, generic.ErrStoreUnavailable) && l.policy == FailOpen {
			l.logger.WarnContext(ctx, "rate limiter store unavailable, allowing request",
				slog.String("caller_id", callerID), slog.String("tier", tier.Name), slog.Any("error", err))
			l.metrics.ObserveRateLimit(tier.Name, "fail_open")
			return Result{
				Allowed:   true,
				Tier:      tier.Name,
				Limit:     tier.MaxRequests,
				Remaining: tier.MaxRequests,
				ResetAt:   l.clock.Now().Add(tier.Window),
				Degraded:  true,
			}, nil
		}
		if errors.Is(err, generic.ErrStoreUnavailable) {
			l.metrics.ObserveRateLimit(tier.Name, "fail_closed")
		}
		return Result{}, err
	}

	if res.Allowed {
		l.metrics.ObserveRateLimit(tier.Name, "allowed")
	} else {
		l.metrics.ObserveRateLimit(tier.Name, "denied")
	}
	return res, nil
}

func denied(tier Tier, b generic.RateLimitBucket, now time.Time) Result {
	resetAt := b.ResetAt()
	wait := resetAt.Sub(now)
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return Result{
		Allowed:    false,
		Tier:       tier.Name,
		Limit:      b.MaxTokens,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: secs,
	}
}

// CheckAll evaluates tiers from the smallest window to the largest and stops
// at the first denial. When every tier allows, the result of the tier with
// the least remaining quota is returned.
func (l *Limiter) CheckAll(ctx context.Context, callerID string, tiers []Tier) (Result, error) {
	if len(tiers) == 0 {
		return Result{}, fmt.Errorf("%w: no tiers", generic.ErrInvalidRequest)
	}
	ordered := sortedTiers(tiers)

	var tightest Result
	for i, tier := range ordered {
		res, err := l.Check(ctx, callerID, tier)
		if err != nil {
			return Result{}, err
		}
		if !res.Allowed {
			return res, nil
		}
		if i == 0 || res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	return tightest, nil
}

func sortedTiers(tiers []Tier) []Tier {
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Window < ordered[j].Window })
	return ordered
}
