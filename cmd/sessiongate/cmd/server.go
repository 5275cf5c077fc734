package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/hablas/sessiongate/api"
	"github.com/hablas/sessiongate/internal/telemetry"
	"github.com/hablas/sessiongate/web"
)

const serviceName = "sessiongate"

var (
	listenAddr string
	noBanner   bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.HTTPAddr = listenAddr
		}
		logger := newLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tp, err := telemetry.Setup(ctx, cfg.OTelEndpoint, serviceName)
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()

		c, err := buildComponents(ctx, cfg, logger, false)
		if err != nil {
			return err
		}
		defer c.close()

		limiter, memLimits, err := c.newLimiter(ctx, tp.MeterProvider)
		if err != nil {
			return err
		}
		memLimits.Start(cfg.RateLimitPurgeInterval)
		defer memLimits.Close()
		c.sessions.Start(cfg.SessionSweepInterval)

		if cfg.AdminEmail != "" {
			created, err := c.users.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
			if err != nil {
				return fmt.Errorf("failed to seed admin account: %w", err)
			}
			if created {
				logger.Info("created initial admin account", "email", cfg.AdminEmail)
			}
		}

		routes, err := api.RoutesFromConfig(cfg.Routes)
		if err != nil {
			return err
		}
		loginPage, err := web.Handler(cfg.LoginPath)
		if err != nil {
			return err
		}
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithCookieName(cfg.CookieName),
			api.WithLoginPath(cfg.LoginPath),
			api.WithProduction(cfg.Production()),
			api.WithRoutes(routes, cfg.ProtectedPrefixes),
			api.WithLoginPage(loginPage),
			api.WithMeterProvider(tp.MeterProvider),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert", "type", e.Type, "message", e.Message,
					"count", e.Count, "threshold", e.Threshold)
			}),
		}
		if cfg.UpstreamURL != "" {
			target, err := url.Parse(cfg.UpstreamURL)
			if err != nil {
				return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
			}
			opts = append(opts, api.WithUpstream(target))
		}
		if cfg.AuditWebhookURL != "" {
			opts = append(opts, api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader))
		}

		a, err := api.New(c.codec, c.sessions, c.users, limiter, opts...)
		if err != nil {
			return err
		}
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", a.Handler())

		server := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		useTLS := cfg.TLSCertFile != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		if !noBanner {
			printBanner()
		}
		logger.Info("gateway listening",
			"addr", cfg.HTTPAddr, "env", cfg.Env, "storage", cfg.StorageBackend,
			"tls", useTLS, "upstream", cfg.UpstreamURL)

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (overrides HTTP_ADDR)")
	serverCmd.Flags().BoolVar(&noBanner, "no-banner", false, "Do not print the startup banner")
}
