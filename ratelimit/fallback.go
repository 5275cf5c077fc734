package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FallbackBackend sends every call to primary and, when it fails, to
// secondary. Each fallback is logged and counted on
// sessiongate.ratelimit.fallbacks. While the primary is down, limits are
// enforced per process only.
type FallbackBackend struct {
	primary   Backend
	secondary Backend
	logger    *slog.Logger
	fallbacks metric.Int64Counter
}

var _ Backend = (*FallbackBackend)(nil)

// NewFallbackBackend wraps primary with secondary. mp may be nil to use the
// global MeterProvider.
func NewFallbackBackend(primary, secondary Backend, logger *slog.Logger, mp metric.MeterProvider) (*FallbackBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	counter, err := mp.Meter(meterName).Int64Counter("sessiongate.ratelimit.fallbacks",
		metric.WithDescription("Rate limit calls served by the fallback backend"))
	if err != nil {
		return nil, err
	}
	return &FallbackBackend{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("component", "ratelimit.fallback"),
		fallbacks: counter,
	}, nil
}

func (f *FallbackBackend) fellBack(ctx context.Context, op string, err error) {
	f.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	f.logger.Warn("primary rate limit backend failed; using fallback", "op", op, "error", err)
}

func (f *FallbackBackend) Hit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, error) {
	w, err := f.primary.Hit(ctx, key, max, window, now)
	if err == nil {
		return w, nil
	}
	f.fellBack(ctx, "hit", err)
	return f.secondary.Hit(context.WithoutCancel(ctx), key, max, window, now)
}

func (f *FallbackBackend) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	w, err := f.primary.Peek(ctx, key, window, now)
	if err == nil {
		return w, nil
	}
	f.fellBack(ctx, "peek", err)
	return f.secondary.Peek(context.WithoutCancel(ctx), key, window, now)
}

// Reset clears the key in both backends so a later fallback does not see
// stale instants.
func (f *FallbackBackend) Reset(ctx context.Context, key string) error {
	perr := f.primary.Reset(ctx, key)
	if perr != nil {
		f.fellBack(ctx, "reset", perr)
	}
	return f.secondary.Reset(context.WithoutCancel(ctx), key)
}

func (f *FallbackBackend) Purge(ctx context.Context, now time.Time) error {
	if err := f.primary.Purge(ctx, now); err != nil {
		f.logger.Warn("primary rate limit purge failed", "error", err)
	}
	return f.secondary.Purge(ctx, now)
}
