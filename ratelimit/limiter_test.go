package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, backend Backend, opts ...Option) (*Limiter, *clock, *sdkmetric.ManualReader) {
	t.Helper()
	c := newClock()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	opts = append([]Option{WithClock(c.now), WithMeterProvider(mp), WithPolicy("TEST", 3, time.Minute)}, opts...)
	l, err := New(backend, opts...)
	require.NoError(t, err)
	return l, c, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// slidingWindowScenario drives max=3/window=1m through four hits, then past
// the window.
func slidingWindowScenario(t *testing.T, l *Limiter, c *clock) {
	t.Helper()
	ctx := context.Background()

	wantAllowed := []bool{true, true, true, false}
	wantRemaining := []int{2, 1, 0, 0}
	first := c.now()
	for i := range wantAllowed {
		res, err := l.Check(ctx, "10.0.0.1", "TEST")
		require.NoError(t, err)
		assert.Equal(t, wantAllowed[i], res.Allowed, "call %d", i)
		assert.Equal(t, wantRemaining[i], res.Remaining, "call %d", i)
		assert.Equal(t, 3, res.Limit)
		c.advance(time.Second)
	}

	res, err := l.Check(ctx, "10.0.0.1", "TEST")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, first.Add(time.Minute), res.ResetAt.UTC())
	assert.Equal(t, first.Add(time.Minute).Sub(c.now()), res.RetryAfter)

	c.advance(time.Minute)
	res, err = l.Check(ctx, "10.0.0.1", "TEST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestLimiter_SlidingWindowMemory(t *testing.T) {
	b := NewMemoryBackend(nil)
	l, c, _ := newTestLimiter(t, b)
	slidingWindowScenario(t, l, c)
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, c, _ := newTestLimiter(t, NewMemoryBackend(nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "k", "TEST")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		c.advance(20 * time.Second)
	}
	// t=60s: the first instant (t=0) is exactly window-old and has left.
	res, err := l.Check(ctx, "k", "TEST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err = l.Check(ctx, "k", "TEST")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 20*time.Second, res.RetryAfter, "oldest instant is t=20s")
}

func TestLimiter_IdentifiersAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t, NewMemoryBackend(nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "a", "TEST")
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, "b", "TEST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "a", "API")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "policies have separate keys")
}

func TestLimiter_StatusDoesNotConsume(t *testing.T) {
	l, c, _ := newTestLimiter(t, NewMemoryBackend(nil))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Status(ctx, "k", "TEST")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3, res.Remaining)
	}

	_, err := l.Check(ctx, "k", "TEST")
	require.NoError(t, err)
	c.advance(time.Second)

	res, err := l.Status(ctx, "k", "TEST")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "k", "TEST")
		require.NoError(t, err)
	}
	res, err = l.Status(ctx, "k", "TEST")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := newTestLimiter(t, NewMemoryBackend(nil))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Check(ctx, "k", "TEST")
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, "k", "test"))

	res, err := l.Check(ctx, "k", "TEST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestLimiter_UnknownPolicy(t *testing.T) {
	l, _, _ := newTestLimiter(t, NewMemoryBackend(nil))
	ctx := context.Background()

	_, err := l.Check(ctx, "k", "NOPE")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
	_, err = l.Status(ctx, "k", "NOPE")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
	assert.ErrorIs(t, l.Reset(ctx, "k", "NOPE"), ErrUnknownPolicy)
}

func TestLimiter_DefaultPolicies(t *testing.T) {
	l, _, _ := newTestLimiter(t, NewMemoryBackend(nil))

	tests := []struct {
		name   string
		max    int
		window time.Duration
	}{
		{PolicyLogin, 5, 15 * time.Minute},
		{PolicyAPI, 100, time.Minute},
		{PolicyPasswordReset, 3, time.Hour},
		{PolicyRegistration, 3, time.Hour},
		{PolicyAdmin, 500, time.Hour},
	}
	for _, tt := range tests {
		p, err := l.Policy(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.max, p.Max, tt.name)
		assert.Equal(t, tt.window, p.Window, tt.name)
	}
}

func TestLimiter_PolicyOverrideFromLowercaseName(t *testing.T) {
	l, _, _ := newTestLimiter(t, NewMemoryBackend(nil), WithPolicy("login", 10, 5*time.Minute))
	p, err := l.Policy(PolicyLogin)
	require.NoError(t, err)
	assert.Equal(t, 10, p.Max)
	assert.Equal(t, 5*time.Minute, p.Window)
}

func TestNew_RejectsBadPolicy(t *testing.T) {
	_, err := New(NewMemoryBackend(nil), WithPolicy("X", 0, time.Minute))
	assert.Error(t, err)
}

type brokenBackend struct{}

var errBackendDown = errors.New("backend down")

func (brokenBackend) Hit(context.Context, string, int, time.Duration, time.Time) (Window, error) {
	return Window{}, errBackendDown
}

func (brokenBackend) Peek(context.Context, string, time.Duration, time.Time) (Window, error) {
	return Window{}, errBackendDown
}
func (brokenBackend) Reset(context.Context, string) error    { return errBackendDown }
func (brokenBackend) Purge(context.Context, time.Time) error { return errBackendDown }

func TestLimiter_FailOpen(t *testing.T) {
	l, _, reader := newTestLimiter(t, brokenBackend{})

	res, err := l.Check(context.Background(), "k", "TEST")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, int64(1), counterValue(t, reader, "sessiongate.ratelimit.degraded"))
}

func TestLimiter_FailClosed(t *testing.T) {
	l, _, _ := newTestLimiter(t, brokenBackend{}, WithFailOpen(false))

	res, err := l.Check(context.Background(), "k", "TEST")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, time.Minute, res.RetryAfter)

	_, err = l.Status(context.Background(), "k", "TEST")
	assert.ErrorIs(t, err, errBackendDown)
}

func TestLimiter_DeniedCounter(t *testing.T) {
	l, _, reader := newTestLimiter(t, NewMemoryBackend(nil))
	for i := 0; i < 5; i++ {
		_, err := l.Check(context.Background(), "k", "TEST")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), counterValue(t, reader, "sessiongate.ratelimit.denied"))
}

func TestLimiter_ConcurrentChecksAdmitExactlyMax(t *testing.T) {
	l, _, _ := newTestLimiter(t, NewMemoryBackend(nil), WithPolicy("BURST", 10, time.Minute))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "k", "BURST")
			assert.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
