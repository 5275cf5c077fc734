// Package ratelimit implements sliding-window admission control.
//
// Each key keeps the instants of its admitted requests. A check first drops
// instants at or before now-window, then admits the request only if fewer
// than Max remain. Windows slide continuously; there are no aligned buckets.
//
// State lives behind a Backend. MemoryBackend is correct for a single
// process only: with several replicas each one enforces its own limit, so
// the effective limit is multiplied by the replica count. Use RedisBackend
// (optionally wrapped in FallbackBackend) when running more than one
// instance.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultTimeout = 2 * time.Second
	meterName      = "github.com/hablas/sessiongate/ratelimit"
)

// Window is the state of one key as seen by a backend after trimming.
type Window struct {
	// Allowed is set by Hit when the request was admitted and recorded.
	Allowed bool
	// Count is the number of admitted requests in the window, not counting
	// the one Hit just recorded.
	Count int
	// Oldest is the earliest instant still in the window; zero when empty.
	Oldest time.Time
}

// Backend stores per-key request instants.
type Backend interface {
	// Hit trims key, then records now if fewer than max instants remain.
	Hit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, error)
	// Peek reports the window as of now without recording or deleting anything.
	Peek(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
	Reset(ctx context.Context, key string) error
	// Purge drops keys with no instants left in their window.
	Purge(ctx context.Context, now time.Time) error
}

// Result is the outcome of a check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the backend failed and the failure policy decided
	// the outcome.
	Degraded bool
}

// Limiter applies named policies against a Backend.
type Limiter struct {
	backend  Backend
	policies map[string]Policy
	failOpen bool
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	meter    metric.MeterProvider

	denied   metric.Int64Counter
	degraded metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy adds or replaces a policy. The name is upper-cased.
func WithPolicy(name string, max int, window time.Duration) Option {
	return func(l *Limiter) {
		n := normalizeName(name)
		l.policies[n] = Policy{Name: n, Max: max, Window: window}
	}
}

// WithFailOpen sets what happens when the backend errors: admit (true, the
// default) or deny.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) { l.failOpen = failOpen }
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMeterProvider overrides the global MeterProvider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Limiter) { l.meter = mp }
}

// New returns a Limiter over backend with the default policy table.
func New(backend Backend, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		backend:  backend,
		policies: DefaultPolicies(),
		failOpen: true,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for name, p := range l.policies {
		if p.Max < 1 || p.Window <= 0 {
			return nil, fmt.Errorf("rate limit policy %s: max must be >= 1 and window positive", name)
		}
	}
	if l.meter == nil {
		l.meter = otel.GetMeterProvider()
	}
	l.logger = l.logger.With("component", "ratelimit")

	m := l.meter.Meter(meterName)
	var err error
	if l.denied, err = m.Int64Counter("sessiongate.ratelimit.denied",
		metric.WithDescription("Requests rejected by a rate limit policy")); err != nil {
		return nil, err
	}
	if l.degraded, err = m.Int64Counter("sessiongate.ratelimit.degraded",
		metric.WithDescription("Checks decided by the failure policy after a backend error")); err != nil {
		return nil, err
	}
	return l, nil
}

// Policy looks up a policy by name.
func (l *Limiter) Policy(name string) (Policy, error) {
	p, ok := l.policies[normalizeName(name)]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Check consumes one slot of policyName for identifier.
func (l *Limiter) Check(ctx context.Context, identifier, policyName string) (Result, error) {
	p, err := l.Policy(policyName)
	if err != nil {
		return Result{}, err
	}
	return l.CheckPolicy(ctx, identifier, p), nil
}

// CheckPolicy consumes one slot of p for identifier. Backend errors never
// surface; they are resolved by the failure policy and logged.
func (l *Limiter) CheckPolicy(ctx context.Context, identifier string, p Policy) Result {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	w, err := l.backend.Hit(ctx, p.key(identifier), p.Max, p.Window, now)
	if err != nil {
		return l.onBackendError(ctx, p, now, err)
	}
	if !w.Allowed {
		l.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", p.Name)))
		return denied(p, w, now)
	}
	return Result{
		Allowed:   true,
		Limit:     p.Max,
		Remaining: max(p.Max-w.Count-1, 0),
		ResetAt:   now.Add(p.Window),
	}
}

func denied(p Policy, w Window, now time.Time) Result {
	resetAt := now.Add(p.Window)
	if !w.Oldest.IsZero() {
		resetAt = w.Oldest.Add(p.Window)
	}
	return Result{
		Allowed:    false,
		Limit:      p.Max,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: max(resetAt.Sub(now), 0),
	}
}

func (l *Limiter) onBackendError(ctx context.Context, p Policy, now time.Time, err error) Result {
	l.degraded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", p.Name),
		attribute.Bool("fail_open", l.failOpen),
	))
	if l.failOpen {
		l.logger.Error("rate limit backend failed; admitting request", "policy", p.Name, "error", err)
		return Result{Allowed: true, Limit: p.Max, Remaining: p.Max, ResetAt: now.Add(p.Window), Degraded: true}
	}
	l.logger.Error("rate limit backend failed; rejecting request", "policy", p.Name, "error", err)
	return Result{
		Allowed:    false,
		Limit:      p.Max,
		ResetAt:    now.Add(p.Window),
		RetryAfter: p.Window,
		Degraded:   true,
	}
}

// Status reports the state of identifier under policyName without using a
// slot.
func (l *Limiter) Status(ctx context.Context, identifier, policyName string) (Result, error) {
	p, err := l.Policy(policyName)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	w, err := l.backend.Peek(ctx, p.key(identifier), p.Window, now)
	if err != nil {
		return Result{}, fmt.Errorf("reading rate limit status: %w", err)
	}
	if w.Count >= p.Max {
		return denied(p, w, now), nil
	}
	resetAt := now.Add(p.Window)
	if !w.Oldest.IsZero() {
		resetAt = w.Oldest.Add(p.Window)
	}
	return Result{
		Allowed:   true,
		Limit:     p.Max,
		Remaining: p.Max - w.Count,
		ResetAt:   resetAt,
	}, nil
}

// Reset clears identifier's state under policyName.
func (l *Limiter) Reset(ctx context.Context, identifier, policyName string) error {
	p, err := l.Policy(policyName)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.backend.Reset(ctx, p.key(identifier)); err != nil {
		return fmt.Errorf("resetting rate limit: %w", err)
	}
	return nil
}
