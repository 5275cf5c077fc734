package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/hablas/sessiongate/api"
	"github.com/hablas/sessiongate/internal/config"
	"github.com/hablas/sessiongate/internal/retry"
	"github.com/hablas/sessiongate/ratelimit"
	"github.com/hablas/sessiongate/session"
	"github.com/hablas/sessiongate/storage"
	bboltstorage "github.com/hablas/sessiongate/storage/bbolt"
	"github.com/hablas/sessiongate/storage/memory"
	"github.com/hablas/sessiongate/storage/postgres"
	"github.com/hablas/sessiongate/token"
)

// dbFileName is the bbolt database inside DATA_DIR.
const dbFileName = "sessiongate.db"

// components is everything a command needs, built from one Config.
type components struct {
	cfg      *config.Config
	logger   *slog.Logger
	codec    *token.Codec
	sessions *session.Store
	users    *api.UserDirectory

	closers []func()
}

// close releases resources in reverse order of acquisition.
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// buildComponents opens storage and constructs the codec, session store and
// user directory. With offline set the caller is a one-shot admin command,
// which can only reach the server's records through persistent storage
// sealed under the configured secret.
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, offline bool) (*components, error) {
	if offline {
		if cfg.StorageBackend == "memory" {
			return nil, errors.New("this command needs a persistent STORAGE_BACKEND (bbolt or postgres)")
		}
		if cfg.JWTSecret == "" {
			return nil, errors.New("JWT_SECRET must be set to open stored records")
		}
	}

	c := &components{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	accessSecret, err := token.LoadSecret(logger, cfg.Production(), "JWT_SECRET", cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	codecOpts := []token.Option{}
	if cfg.RefreshTokenSecret != "" {
		refreshSecret, err := token.LoadSecret(logger, cfg.Production(), "REFRESH_TOKEN_SECRET", cfg.RefreshTokenSecret)
		if err != nil {
			return nil, err
		}
		codecOpts = append(codecOpts, token.WithRefreshSecret(refreshSecret))
	}
	c.codec = token.New(accessSecret, codecOpts...)

	repo, err := c.openRepository(ctx)
	if err != nil {
		return nil, err
	}

	sessionKey, err := accessSecret.DeriveKey(session.RecordKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving session record key: %w", err)
	}
	c.sessions, err = session.NewStore(repo, c.codec, sessionKey,
		session.WithMaxSessions(cfg.MaxSessionsPerUser),
		session.WithTimeout(cfg.StoreTimeout),
		session.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.sessions.Close)

	userKey, err := accessSecret.DeriveKey(api.UserRecordKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving user record key: %w", err)
	}
	c.users, err = api.NewUserDirectory(repo, userKey)
	if err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

func (c *components) openRepository(ctx context.Context) (storage.Repository, error) {
	switch c.cfg.StorageBackend {
	case "memory":
		c.logger.Warn("using in-memory storage; sessions and users are lost on restart")
		return memory.NewRepository(), nil

	case "postgres":
		var store *postgres.Store
		err := retry.Do(ctx, c.logger, "postgres connect", retry.DefaultPolicy, func(ctx context.Context) error {
			var err error
			store, err = postgres.NewRepositoryFromDSN(ctx, c.cfg.DatabaseURL)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		c.closers = append(c.closers, store.Close)
		return store, nil

	default:
		if err := os.MkdirAll(c.cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(c.cfg.DataDir, dbFileName)
		// bbolt holds an exclusive file lock; a second process fails fast
		// instead of hanging.
		store, err := bboltstorage.NewRepositoryFromFile(path, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		c.closers = append(c.closers, func() {
			if err := store.Close(); err != nil {
				c.logger.Error("closing storage", "error", err)
			}
		})
		return store, nil
	}
}

// newLimiter builds the rate limiter. With REDIS_URL set, Redis is the
// primary counter store and the in-memory backend takes over while it is
// unreachable. The memory backend is returned so the caller can run its
// purge loop.
func (c *components) newLimiter(ctx context.Context, mp metric.MeterProvider) (*ratelimit.Limiter, *ratelimit.MemoryBackend, error) {
	mem := ratelimit.NewMemoryBackend(c.logger)
	var backend ratelimit.Backend = mem

	if c.cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(c.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		c.closers = append(c.closers, func() { _ = client.Close() })

		rb := ratelimit.NewRedisBackend(client)
		if err := retry.Do(ctx, c.logger, "redis ping", retry.DefaultPolicy, rb.Ping); err != nil {
			c.logger.Warn("redis unreachable at startup; counting in memory until it recovers", "error", err)
		}
		backend, err = ratelimit.NewFallbackBackend(rb, mem, c.logger, mp)
		if err != nil {
			return nil, nil, err
		}
	}

	opts := []ratelimit.Option{
		ratelimit.WithFailOpen(c.cfg.RateLimitFailOpen),
		ratelimit.WithTimeout(c.cfg.RateLimitTimeout),
		ratelimit.WithLogger(c.logger),
		ratelimit.WithMeterProvider(mp),
	}
	for name, rl := range c.cfg.RateLimits {
		opts = append(opts, ratelimit.WithPolicy(name, rl.Max, rl.Window))
	}
	limiter, err := ratelimit.New(backend, opts...)
	if err != nil {
		return nil, nil, err
	}
	return limiter, mem, nil
}
