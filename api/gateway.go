package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hablas/sessiongate/token"
)

// Reason codes sent to clients when a session is rejected, both as the
// "reason" field of a 401 body and as the error parameter of the login
// redirect.
const (
	ReasonSessionExpired = "session-expired"
	ReasonSessionRevoked = "session-revoked"
)

// DefaultLoginPath is where browsers are sent when they need to sign in.
const DefaultLoginPath = "/login"

// Identity headers set on requests forwarded past the gateway. Incoming
// copies are always removed first.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
)

// Blacklist reports whether an access token has been revoked.
type Blacklist interface {
	IsTokenBlacklisted(ctx context.Context, tok string) (bool, error)
}

type identityKey struct{}

func withIdentity(ctx context.Context, p *token.AccessPayload) context.Context {
	return context.WithValue(ctx, identityKey{}, p)
}

// IdentityFromContext returns the verified identity the gateway attached to
// the request.
func IdentityFromContext(ctx context.Context) (*token.AccessPayload, bool) {
	p, ok := ctx.Value(identityKey{}).(*token.AccessPayload)
	return p, ok && p != nil
}

// Gateway enforces route policy on every request before it reaches a
// handler.
type Gateway struct {
	codec      *token.Codec
	blacklist  Blacklist
	routes     *RouteTable
	cookieName string
	loginPath  string
	secure     func(*http.Request) bool
	logger     *slog.Logger
	audit      *auditLogger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

func WithCookieName(name string) GatewayOption {
	return func(g *Gateway) {
		if name != "" {
			g.cookieName = name
		}
	}
}

func WithLoginPath(path string) GatewayOption {
	return func(g *Gateway) {
		if path != "" {
			g.loginPath = path
		}
	}
}

// WithSecureCookies forces the Secure attribute on refreshed cookies. Without
// it the attribute follows the request scheme.
func WithSecureCookies(always bool) GatewayOption {
	return func(g *Gateway) {
		if always {
			g.secure = func(*http.Request) bool { return true }
		}
	}
}

func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func withGatewayAudit(al *auditLogger) GatewayOption {
	return func(g *Gateway) { g.audit = al }
}

// NewGateway returns a gateway verifying tokens with codec and checking
// revocation against blacklist.
func NewGateway(codec *token.Codec, blacklist Blacklist, routes *RouteTable, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		codec:      codec,
		blacklist:  blacklist,
		routes:     routes,
		cookieName: DefaultCookieName,
		loginPath:  DefaultLoginPath,
		secure:     requestIsSecure,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Middleware wraps next with route policy enforcement.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderUserEmail)
		r.Header.Del(HeaderUserRole)

		rc := g.routes.Resolve(r.URL.Path)
		if !rc.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}

		tok := TokenFromRequest(r, g.cookieName)
		if tok == "" {
			g.deny(w, r, "", "Authentication required")
			return
		}

		revoked, err := g.blacklist.IsTokenBlacklisted(r.Context(), tok)
		if err != nil {
			g.logger.Error("blacklist lookup failed; rejecting request", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusServiceUnavailable, "Authentication is temporarily unavailable")
			return
		}
		if revoked {
			if g.audit != nil {
				g.audit.logFailure(AuditRevokedTokenUsed, r, ReasonSessionRevoked)
			}
			g.deny(w, r, ReasonSessionRevoked, "Session has been revoked. Please log in again.")
			return
		}

		payload, ok := g.codec.VerifyAccessToken(tok)
		if !ok {
			msg := "Invalid authentication token"
			if g.codec.Expired(tok) {
				msg = "Session expired. Please log in again."
			}
			g.deny(w, r, ReasonSessionExpired, msg)
			return
		}

		if !rc.Allows(payload.Role) {
			g.logger.Info("access denied",
				"path", r.URL.Path, "user_id", payload.UserID, "role", payload.Role)
			if g.audit != nil {
				g.audit.logEvent(AuditAccessDenied, r, payload.UserID,
					slog.String("role", string(payload.Role)))
			}
			writeError(w, http.StatusForbidden, "Insufficient permissions")
			return
		}

		if g.codec.ShouldRefresh(payload) {
			g.refresh(w, r, payload)
		}

		r.Header.Set(HeaderUserID, payload.UserID)
		r.Header.Set(HeaderUserEmail, payload.Email)
		r.Header.Set(HeaderUserRole, string(payload.Role))
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), payload)))
	})
}

// refresh reissues the access token with the same lifetime class. Failure
// leaves the current, still valid token in place.
func (g *Gateway) refresh(w http.ResponseWriter, r *http.Request, p *token.AccessPayload) {
	extended := p.Lifetime() > token.AccessTTL
	fresh, err := g.codec.IssueAccessToken(p.UserID, p.Email, p.Role, extended)
	if err != nil {
		g.logger.Warn("token refresh failed", "user_id", p.UserID, "error", err)
		return
	}
	SetAuthCookie(w, g.cookieName, fresh, extended, g.secure(r))
	if g.audit != nil {
		g.audit.logEvent(AuditTokenRefreshed, r, p.UserID)
	}
}

// deny rejects an unauthenticated request: API clients get a 401, browsers
// are redirected to the login page with a way back.
func (g *Gateway) deny(w http.ResponseWriter, r *http.Request, reason, msg string) {
	if wantsJSON(r) {
		writeDenied(w, http.StatusUnauthorized, reason, msg)
		return
	}
	q := url.Values{}
	q.Set("redirect", r.URL.RequestURI())
	if reason != "" {
		q.Set("error", reason)
	}
	http.Redirect(w, r, g.loginPath+"?"+q.Encode(), http.StatusFound)
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
