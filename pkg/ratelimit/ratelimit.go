// Package ratelimit implements the Rate-Limit Registry (spec §4.B): a
// per-endpoint token accounting layer with proactive throttling against
// observed headers and reactive backoff when a limit is hit anyway.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/metrics"
	"github.com/corvidlabs/xstream/pkg/types"
)

// Strategy is the closed set of reactive behaviors on an observed
// rate-limit hit.
type Strategy string

const (
	// StrategyWait sleeps for the retry-after duration passed to
	// OnRateLimited (WaitCap when none is given), capped at WaitCap.
	StrategyWait Strategy = "wait"
	// StrategyError propagates a typed FaultRateLimited immediately.
	StrategyError Strategy = "error"
	// StrategyAdaptive halves the endpoint's target rate going forward.
	StrategyAdaptive Strategy = "adaptive"
)

// Config configures the registry's default policy. Individual endpoints
// inherit these unless RecordResponse narrows them from observed headers.
type Config struct {
	Strategy Strategy
	// WaitCap is the hard ceiling on a single throttle wait (default 15m).
	WaitCap time.Duration
	// DefaultRatePerSec seeds a new endpoint's limiter before any response
	// has been observed.
	DefaultRatePerSec float64
	// DefaultBurst seeds a new endpoint's limiter burst size.
	DefaultBurst int
}

// DefaultConfig returns the spec's documented defaults: wait strategy,
// 15-minute wait cap.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyWait,
		WaitCap:           15 * time.Minute,
		DefaultRatePerSec: 1,
		DefaultBurst:      1,
	}
}

// window is the mutable per-endpoint state: the advisory limiter plus the
// most recently observed counters from response headers.
type window struct {
	mu sync.Mutex

	limiter *rate.Limiter
	ratePer float64
	burst   int

	limit     int
	remaining int
	resetAt   time.Time
}

// Registry is the Rate-Limit Registry. It is in-memory per process; its
// effect is advisory, the authoritative response data always updates it
// (spec's own Non-goal framing for this component).
type Registry struct {
	cfg Config

	mu        sync.Mutex
	endpoints map[string]*window

	logger zerolog.Logger
}

// NewRegistry builds a Rate-Limit Registry with cfg, falling back to
// DefaultConfig's zero-value fields.
func NewRegistry(cfg Config) *Registry {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyWait
	}
	if cfg.WaitCap <= 0 {
		cfg.WaitCap = 15 * time.Minute
	}
	if cfg.DefaultRatePerSec <= 0 {
		cfg.DefaultRatePerSec = 1
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	return &Registry{
		cfg:       cfg,
		endpoints: make(map[string]*window),
		logger:    log.WithComponent("ratelimit"),
	}
}

func (r *Registry) windowFor(endpoint string) *window {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.endpoints[endpoint]
	if !ok {
		w = &window{
			limiter: rate.NewLimiter(rate.Limit(r.cfg.DefaultRatePerSec), r.cfg.DefaultBurst),
			ratePer: r.cfg.DefaultRatePerSec,
			burst:   r.cfg.DefaultBurst,
		}
		r.endpoints[endpoint] = w
	}
	return w
}

// ResponseMeta carries the rate-limit headers an upstream call observed.
type ResponseMeta struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RecordResponse updates the endpoint's window from observed headers.
// Windows auto-forget once ResetAt passes; a stale window is treated as
// fresh capacity rather than carrying an expired Remaining forward.
func (r *Registry) RecordResponse(endpoint string, meta ResponseMeta) {
	w := r.windowFor(endpoint)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.limit = meta.Limit
	w.remaining = meta.Remaining
	w.resetAt = meta.ResetAt

	metrics.RateLimitRemaining.WithLabelValues(endpoint).Set(float64(meta.Remaining))
}

// Check reports whether endpoint may be called now and, if not, how long
// the caller should wait.
func (r *Registry) Check(endpoint string) (allowed bool, waitMS int64) {
	w := r.windowFor(endpoint)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.resetAt.IsZero() && now.After(w.resetAt) {
		w.remaining = 0
		w.resetAt = time.Time{}
	}
	if w.limit > 0 && w.remaining <= 0 && !w.resetAt.IsZero() {
		return false, w.resetAt.Sub(now).Milliseconds()
	}

	reservation := w.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	d := reservation.DelayFrom(now)
	if d <= 0 {
		return true, 0
	}
	reservation.Cancel()
	return false, d.Milliseconds()
}

// Throttle blocks until endpoint's Check reports allowed, or ctx is done.
func (r *Registry) Throttle(ctx context.Context, endpoint string) error {
	timer := metrics.NewTimer()
	for {
		allowed, waitMS := r.Check(endpoint)
		if allowed {
			timer.ObserveDurationVec(metrics.RateLimitWaitDuration, endpoint)
			return nil
		}
		wait := time.Duration(waitMS) * time.Millisecond
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// OnRateLimited records an externally observed limit hit and applies the
// configured reactive strategy (spec §4.B).
func (r *Registry) OnRateLimited(ctx context.Context, endpoint string, retryAfter time.Duration) error {
	metrics.RateLimitedTotal.WithLabelValues(endpoint).Inc()

	switch r.cfg.Strategy {
	case StrategyError:
		return types.NewFault(types.FaultRateLimited, "ratelimit.on_rate_limited",
			"upstream limit observed, error strategy configured", nil)

	case StrategyAdaptive:
		w := r.windowFor(endpoint)
		w.mu.Lock()
		w.ratePer = math.Max(w.ratePer/2, 0.01)
		w.limiter.SetLimit(rate.Limit(w.ratePer))
		newRate := w.ratePer
		w.mu.Unlock()
		r.logger.Warn().Str("endpoint", endpoint).Float64("new_rate_per_sec", newRate).
			Msg("rate limited, halving target rate")
		return nil

	default: // StrategyWait
		wait := retryAfter
		if wait <= 0 || wait > r.cfg.WaitCap {
			wait = r.cfg.WaitCap
		}
		r.logger.Warn().Str("endpoint", endpoint).Dur("wait", wait).Msg("rate limited, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			return nil
		}
	}
}

// Stats returns the currently observed window for endpoint, for
// diagnostics and tests.
func (r *Registry) Stats(endpoint string) types.RateWindow {
	w := r.windowFor(endpoint)
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.RateWindow{
		Endpoint:  endpoint,
		Limit:     w.limit,
		Remaining: w.remaining,
		ResetAt:   w.resetAt,
	}
}
