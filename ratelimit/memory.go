package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryBackend keeps windows in a process-local map. Limits are enforced
// per process only; see the package documentation.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	logger    *slog.Logger
	now       func() time.Time
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

type memoryEntry struct {
	stamps []time.Time
	window time.Duration
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend(logger *slog.Logger) *MemoryBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		logger:  logger.With("component", "ratelimit.memory"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// trim drops instants at or before now-window. stamps is in ascending order.
func trim(stamps []time.Time, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

func (m *MemoryBackend) Hit(_ context.Context, key string, max int, window time.Duration, now time.Time) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.window = window
	e.stamps = trim(e.stamps, window, now)

	w := Window{Count: len(e.stamps)}
	if w.Count > 0 {
		w.Oldest = e.stamps[0]
	}
	if w.Count >= max {
		return w, nil
	}
	e.stamps = append(e.stamps, now)
	w.Allowed = true
	if w.Oldest.IsZero() {
		w.Oldest = now
	}
	return w, nil
}

func (m *MemoryBackend) Peek(_ context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Window{}, nil
	}
	live := trim(e.stamps, window, now)
	w := Window{Count: len(live)}
	if w.Count > 0 {
		w.Oldest = live[0]
	}
	return w, nil
}

func (m *MemoryBackend) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Purge drops keys whose newest instant has left their window.
func (m *MemoryBackend) Purge(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if len(e.stamps) == 0 || !e.stamps[len(e.stamps)-1].Add(e.window).After(now) {
			delete(m.entries, key)
		}
	}
	return nil
}

// Len returns the number of tracked keys.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Start runs Purge every interval until Close.
func (m *MemoryBackend) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopCh:
					return
				case <-ticker.C:
					before := m.Len()
					_ = m.Purge(context.Background(), m.now())
					if purged := before - m.Len(); purged > 0 {
						m.logger.Debug("purged rate limit keys", "count", purged)
					}
				}
			}
		}()
	})
}

// Close stops the purge loop.
func (m *MemoryBackend) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
