package api

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/hablas/sessiongate/api"

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRateLimitSpike    AlertType = "rate_limit_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// spikeWindow counts events in a trailing window and fires once the
// threshold is reached.
type spikeWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

func (s *spikeWindow) add(now time.Time) (int, bool) {
	s.events = append(trimWindow(s.events, now, s.window), now)
	n := len(s.events)
	if n < s.threshold {
		return n, false
	}
	// Reset so one spike raises one alert.
	s.events = s.events[:0]
	return n, true
}

// metricsCollector counts audit events on an OpenTelemetry counter and runs
// sliding-window anomaly detection over them.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures spikeWindow
	rateLimited   spikeWindow

	events  metric.Int64Counter
	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultRateLimitWindow       = 1 * time.Minute
	defaultRateLimitThreshold    = 200
)

// newMetricsCollector returns a collector. mp may be nil to use the global
// MeterProvider.
func newMetricsCollector(alertFn AlertFunc, mp metric.MeterProvider) *metricsCollector {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &metricsCollector{
		loginFailures: spikeWindow{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		rateLimited:   spikeWindow{window: defaultRateLimitWindow, threshold: defaultRateLimitThreshold},
		alertFn:       alertFn,
		now:           time.Now,
	}
	counter, err := mp.Meter(meterName).Int64Counter("sessiongate.auth.events",
		metric.WithDescription("Audit events by type"))
	if err == nil {
		m.events = counter
	}
	return m
}

// recordEvent counts an audit event and updates the anomaly windows.
func (m *metricsCollector) recordEvent(ctx context.Context, event AuditEvent) {
	if m == nil {
		return
	}
	if m.events != nil {
		m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(event))))
	}
	if m.alertFn == nil {
		return
	}

	var (
		w   *spikeWindow
		typ AlertType
		msg string
	)
	switch event {
	case AuditLoginFailure:
		w, typ, msg = &m.loginFailures, AlertLoginFailureSpike, "login failure rate exceeds threshold"
	case AuditRateLimited:
		w, typ, msg = &m.rateLimited, AlertRateLimitSpike, "rate limit denials exceed threshold"
	default:
		return
	}

	m.mu.Lock()
	now := m.now()
	count, fire := w.add(now)
	threshold := w.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{Type: typ, Message: msg, Count: count, Threshold: threshold, Timestamp: now})
	}
}

// trimWindow removes entries at or before now-window from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && !times[start].After(cutoff) {
		start++
	}
	return times[start:]
}
