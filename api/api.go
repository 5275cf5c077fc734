package api

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hablas/sessiongate/ratelimit"
	"github.com/hablas/sessiongate/session"
	"github.com/hablas/sessiongate/token"
)

// API holds the dependencies needed by the auth handlers and the gateway.
type API struct {
	codec    *token.Codec
	sessions *session.Store
	users    *UserDirectory
	limiter  *ratelimit.Limiter
	gateway  *Gateway
	audit    *auditLogger
	logger   *slog.Logger

	cookieName string
	loginPath  string
	production bool
	routes     []RouteConfig
	protected  []string
	upstream   *url.URL
	loginPage  http.Handler

	meterProvider metric.MeterProvider
	alertFn       AlertFunc
	webhookURL    string
	webhookHeader string
	notifyReset   ResetNotifier
}

// ResetNotifier delivers a password-reset token to the account owner.
type ResetNotifier func(ctx context.Context, email, resetToken string) error

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

func WithCookieName(name string) Option {
	return func(a *API) {
		if name != "" {
			a.cookieName = name
		}
	}
}

func WithLoginPath(path string) Option {
	return func(a *API) {
		if path != "" {
			a.loginPath = path
		}
	}
}

// WithProduction marks cookies Secure on every response and hides
// development conveniences such as the reset token in responses.
func WithProduction(production bool) Option {
	return func(a *API) { a.production = production }
}

// WithRoutes replaces the route policy table and the default-protected
// prefixes. The policies for the gateway's /api/auth endpoints always apply.
func WithRoutes(routes []RouteConfig, protectedPrefixes []string) Option {
	return func(a *API) {
		a.routes = routes
		a.protected = protectedPrefixes
	}
}

// WithUpstream proxies every request not served by the gateway itself to
// target.
func WithUpstream(target *url.URL) Option {
	return func(a *API) { a.upstream = target }
}

// WithLoginPage serves h at the login path.
func WithLoginPage(h http.Handler) Option {
	return func(a *API) { a.loginPage = h }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *API) { a.meterProvider = mp }
}

// WithAlertFunc sets the callback invoked when login failures or rate limit
// denials spike.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards audit events to url. header has the form
// "Name: value" and may be empty.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

func WithResetNotifier(fn ResetNotifier) Option {
	return func(a *API) { a.notifyReset = fn }
}

// New creates a new API instance.
func New(codec *token.Codec, sessions *session.Store, users *UserDirectory, limiter *ratelimit.Limiter, opts ...Option) (*API, error) {
	if codec == nil || sessions == nil || users == nil || limiter == nil {
		return nil, errors.New("api: codec, sessions, users and limiter are required")
	}
	a := &API{
		codec:      codec,
		sessions:   sessions,
		users:      users,
		limiter:    limiter,
		cookieName: DefaultCookieName,
		loginPath:  DefaultLoginPath,
		routes:     DefaultRoutes(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.meterProvider == nil {
		a.meterProvider = otel.GetMeterProvider()
	}

	table, err := NewRouteTable(withGatewayRoutes(a.routes), a.protected)
	if err != nil {
		return nil, err
	}

	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = newMetricsCollector(a.alertFn, a.meterProvider)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}

	a.gateway = NewGateway(codec, sessions, table,
		WithCookieName(a.cookieName),
		WithLoginPath(a.loginPath),
		WithSecureCookies(a.production),
		WithGatewayLogger(a.logger),
		withGatewayAudit(a.audit),
	)
	return a, nil
}

// secure reports whether cookies written for r get the Secure attribute.
func (a *API) secure(r *http.Request) bool {
	return a.production || requestIsSecure(r)
}

// Router returns a chi.Router with all API routes, to be mounted at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", a.Login)
		r.Post("/password-reset/request", a.RequestPasswordReset)
		r.Post("/password-reset/confirm", a.ConfirmPasswordReset)
		r.Get("/csrf", a.CSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(a.CSRFMiddleware)
			r.Post("/logout", a.Logout)
			r.Post("/refresh", a.Refresh)
			r.Post("/register", a.Register)
		})

		// The gateway has already authenticated these.
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(a.limiter, ratelimit.PolicyAPI, KeyByUser, a.logger))
			r.Use(a.CSRFMiddleware)
			r.Get("/me", a.Me)
			r.Get("/sessions", a.ListSessions)
			r.Delete("/sessions/{sessionID}", a.RevokeSession)
		})
		r.With(RateLimit(a.limiter, ratelimit.PolicyAdmin, KeyByUser, a.logger)).
			Get("/users", a.ListUsers)
	})

	return r
}

// Handler returns the complete gateway: security headers, route policy
// enforcement, the auth API under /api, the login page and, when
// configured, the upstream application.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders(a.production))
	r.Use(a.gateway.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api", a.apiRouter())
	if a.loginPage != nil {
		r.Handle(a.loginPath, a.loginPage)
		r.Handle(strings.TrimRight(a.loginPath, "/")+"/*", a.loginPage)
	}

	if a.upstream != nil {
		r.Handle("/*", NewUpstreamProxy(a.upstream, a.logger))
	}
	return r
}

// apiRouter serves the gateway's own /api routes and hands other /api
// paths to the upstream application.
func (a *API) apiRouter() chi.Router {
	r := a.Router()
	if a.upstream != nil {
		proxy := RateLimit(a.limiter, ratelimit.PolicyAPI, KeyByUser, a.logger)(NewUpstreamProxy(a.upstream, a.logger))
		r.NotFound(proxy.ServeHTTP)
		r.MethodNotAllowed(proxy.ServeHTTP)
	}
	return r
}

// Gateway returns the route policy middleware.
func (a *API) Gateway() *Gateway {
	return a.gateway
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	a.audit.close()
}
