package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hablas/sessiongate/api"
	"github.com/hablas/sessiongate/ratelimit"
	"github.com/hablas/sessiongate/session"
	"github.com/hablas/sessiongate/storage/memory"
	"github.com/hablas/sessiongate/token"
)

const password = "Sup3r-secret!"

type testEnv struct {
	srv      *httptest.Server
	users    *api.UserDirectory
	sessions *session.Store

	mu       sync.Mutex
	upstream []http.Header
}

func setupServer(t *testing.T, opts ...api.Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	repo := memory.NewRepository()

	secret, err := token.NewSecret([]byte(strings.Repeat("x", token.MinSecretLength)))
	require.NoError(t, err)
	codec := token.New(secret)

	sessionKey, err := secret.DeriveKey(session.RecordKeyInfo)
	require.NoError(t, err)
	sessions, err := session.NewStore(repo, codec, sessionKey, session.WithLogger(logger))
	require.NoError(t, err)

	userKey, err := secret.DeriveKey(api.UserRecordKeyInfo)
	require.NoError(t, err)
	users, err := api.NewUserDirectory(repo, userKey)
	require.NoError(t, err)

	limiter, err := ratelimit.New(ratelimit.NewMemoryBackend(logger),
		ratelimit.WithLogger(logger),
		ratelimit.WithMeterProvider(sdkmetric.NewMeterProvider()))
	require.NoError(t, err)

	env := &testEnv{users: users, sessions: sessions}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.upstream = append(env.upstream, r.Header.Clone())
		env.mu.Unlock()
		io.WriteString(w, "app:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	opts = append([]api.Option{
		api.WithLogger(logger),
		api.WithMeterProvider(sdkmetric.NewMeterProvider()),
		api.WithUpstream(target),
		api.WithLoginPage(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "login page")
		})),
	}, opts...)
	a, err := api.New(codec, sessions, users, limiter, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	env.srv = httptest.NewServer(a.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) createUser(t *testing.T, email string, role token.Role) {
	t.Helper()
	_, err := e.users.Create(context.Background(), email, password, "Test "+string(role), role)
	require.NoError(t, err)
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) cookie(t *testing.T, client *http.Client, name string) string {
	t.Helper()
	u, err := url.Parse(e.srv.URL)
	require.NoError(t, err)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (e *testEnv) do(t *testing.T, client *http.Client, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf := e.cookie(t, client, "hablas_csrf_token"); csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) login(t *testing.T, client *http.Client, email string, rememberMe bool) api.LoginResponse {
	t.Helper()
	resp := e.do(t, client, http.MethodPost, "/api/auth/login", api.LoginRequest{
		Email: email, Password: password, RememberMe: rememberMe,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.LoginResponse](t, resp)
}

func TestLoginAndMe(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "editor@example.com", token.RoleEditor)
	client := newClient(t)

	resp := env.do(t, client, http.MethodPost, "/api/auth/login", api.LoginRequest{
		Email: "Editor@Example.com", Password: password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	var authCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == api.DefaultCookieName {
			authCookie = c
		}
	}
	require.NotNil(t, authCookie)
	assert.True(t, authCookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, authCookie.SameSite)
	assert.Equal(t, 604800, authCookie.MaxAge)

	body := decode[api.LoginResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "editor@example.com", body.User.Email)
	assert.Equal(t, "editor", body.User.Role)
	assert.NotEmpty(t, body.Tokens.AccessToken)
	assert.NotEmpty(t, body.Tokens.RefreshToken)

	resp = env.do(t, client, http.MethodGet, "/api/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[api.MeResponse](t, resp)
	assert.Equal(t, body.User.ID, me.User.ID)
	assert.Equal(t, "Test editor", me.User.Name)
	assert.True(t, me.Permissions.CanEdit)
	assert.False(t, me.Permissions.CanManageUsers)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestLoginRememberMeCookie(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)

	resp := env.do(t, client, http.MethodPost, "/api/auth/login", api.LoginRequest{
		Email: "viewer@example.com", Password: password, RememberMe: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == api.DefaultCookieName {
			assert.Equal(t, 2592000, c.MaxAge)
		}
	}
}

func TestLoginFailuresAreRateLimited(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)

	bad := api.LoginRequest{Email: "viewer@example.com", Password: "Wrong-pass1!"}
	for i := 0; i < 5; i++ {
		resp := env.do(t, client, http.MethodPost, "/api/auth/login", bad)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i)
		assert.Equal(t, "Invalid email or password", decode[api.ErrorResponse](t, resp).Message)
	}

	resp := env.do(t, client, http.MethodPost, "/api/auth/login", api.LoginRequest{
		Email: "viewer@example.com", Password: password,
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	body := decode[api.RateLimitedResponse](t, resp)
	assert.Equal(t, 5, body.Limit)
	assert.Greater(t, body.RetryAfter, 0)
}

func TestSuccessfulLoginClearsFailures(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)

	bad := api.LoginRequest{Email: "viewer@example.com", Password: "Wrong-pass1!"}
	for i := 0; i < 4; i++ {
		env.do(t, client, http.MethodPost, "/api/auth/login", bad)
	}
	env.login(t, client, "viewer@example.com", false)

	resp := env.do(t, client, http.MethodPost, "/api/auth/login", bad)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "4", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestUnauthenticatedRequests(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := env.do(t, client, http.MethodGet, "/api/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, client, http.MethodGet, "/admin/dashboard", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "/admin/dashboard", loc.Query().Get("redirect"))

	resp = env.do(t, client, http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "login page", string(b))
}

func TestPublicPathsReachUpstreamWithoutIdentity(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/resources/1", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Role", "admin")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.upstream, 1)
	assert.Empty(t, env.upstream[0].Get("X-User-Role"))
}

func TestProtectedPathsReachUpstreamWithIdentity(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "admin@example.com", token.RoleAdmin)
	client := newClient(t)
	login := env.login(t, client, "admin@example.com", false)

	resp := env.do(t, client, http.MethodGet, "/admin/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "app:/admin/users", string(b))

	resp = env.do(t, client, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"), "upstream API calls use the API policy")

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.upstream, 2)
	assert.Equal(t, login.User.ID, env.upstream[0].Get("X-User-Id"))
	assert.Equal(t, "admin", env.upstream[0].Get("X-User-Role"))
}

func TestRoleDenied(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)
	env.login(t, client, "viewer@example.com", false)

	resp := env.do(t, client, http.MethodGet, "/api/auth/users", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, "Forbidden", body.Error)
	assert.Equal(t, "Insufficient permissions", body.Message)

	resp = env.do(t, client, http.MethodGet, "/admin/settings", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConfiguredRoutesKeepAuthPolicies(t *testing.T) {
	custom := []api.RouteConfig{
		{Pattern: "/admin", RequireAuth: true},
		{Pattern: "/api/auth/users", Exact: true},
	}
	env := setupServer(t, api.WithRoutes(custom, nil))
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	env.createUser(t, "admin@example.com", token.RoleAdmin)

	anon := newClient(t)
	resp := env.do(t, anon, http.MethodGet, "/api/auth/users", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, anon, http.MethodPost, "/api/auth/register", api.RegisterRequest{
		Email: "anon@example.com", Password: password, Name: "Anon",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewer := newClient(t)
	env.login(t, viewer, "viewer@example.com", false)
	resp = env.do(t, viewer, http.MethodGet, "/api/auth/users", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = env.do(t, viewer, http.MethodPost, "/api/auth/register", api.RegisterRequest{
		Email: "new@example.com", Password: password, Name: "New", Role: "admin",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := newClient(t)
	env.login(t, admin, "admin@example.com", false)
	resp = env.do(t, admin, http.MethodGet, "/api/auth/users", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[api.ListUsersResponse](t, resp).Total)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)
	login := env.login(t, client, "viewer@example.com", false)

	resp := env.do(t, client, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.cookie(t, client, api.DefaultCookieName))

	revoked, err := env.sessions.IsTokenBlacklisted(context.Background(), login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/api/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: api.DefaultCookieName, Value: login.Tokens.AccessToken})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, api.ReasonSessionRevoked, decode[api.ErrorResponse](t, resp).Reason)
}

func TestLogoutAllRevokesSessions(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	laptop, phone := newClient(t), newClient(t)
	first := env.login(t, laptop, "viewer@example.com", false)
	env.login(t, phone, "viewer@example.com", false)

	resp := env.do(t, phone, http.MethodGet, "/api/auth/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[api.ListSessionsResponse](t, resp).Sessions, 2)

	resp = env.do(t, phone, http.MethodPost, "/api/auth/logout", api.LogoutRequest{LogoutAll: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Logged out from all devices", decode[api.MessageResponse](t, resp).Message)

	_, err := env.sessions.GetSessionByRefreshToken(context.Background(), first.Tokens.RefreshToken)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestLogoutRequiresCSRFHeader(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)
	env.login(t, client, "viewer@example.com", false)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/auth/logout", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRefreshRotation(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)
	login := env.login(t, client, "viewer@example.com", false)

	resp := env.do(t, client, http.MethodPost, "/api/auth/refresh", api.RefreshRequest{RefreshToken: login.Tokens.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.RefreshResponse](t, resp)
	require.NotNil(t, body.Tokens)
	assert.NotEqual(t, login.Tokens.RefreshToken, body.Tokens.RefreshToken)
	assert.Equal(t, body.Token, env.cookie(t, client, api.DefaultCookieName))

	resp = env.do(t, client, http.MethodPost, "/api/auth/refresh", api.RefreshRequest{RefreshToken: login.Tokens.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a rotated token cannot be used again")

	resp = env.do(t, client, http.MethodPost, "/api/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Token is still valid", decode[api.RefreshResponse](t, resp).Message)
}

func TestRevokeOwnSession(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "a@example.com", token.RoleViewer)
	env.createUser(t, "b@example.com", token.RoleViewer)
	alice, bob := newClient(t), newClient(t)
	env.login(t, alice, "a@example.com", false)
	env.login(t, bob, "b@example.com", false)

	resp := env.do(t, bob, http.MethodGet, "/api/auth/sessions", nil)
	bobSessions := decode[api.ListSessionsResponse](t, resp).Sessions
	require.Len(t, bobSessions, 1)

	resp = env.do(t, alice, http.MethodDelete, "/api/auth/sessions/"+bobSessions[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "cannot revoke another user's session")

	resp = env.do(t, bob, http.MethodDelete, "/api/auth/sessions/"+bobSessions[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, bob, http.MethodGet, "/api/auth/sessions", nil)
	assert.Empty(t, decode[api.ListSessionsResponse](t, resp).Sessions)
}

func TestPasswordResetFlow(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "viewer@example.com", token.RoleViewer)
	client := newClient(t)
	login := env.login(t, client, "viewer@example.com", false)

	anon := newClient(t)
	resp := env.do(t, anon, http.MethodPost, "/api/auth/password-reset/request", api.PasswordResetRequest{Email: "nobody@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	unknown := decode[api.PasswordResetRequestResponse](t, resp)
	assert.Empty(t, unknown.ResetToken)

	resp = env.do(t, anon, http.MethodPost, "/api/auth/password-reset/request", api.PasswordResetRequest{Email: "viewer@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	known := decode[api.PasswordResetRequestResponse](t, resp)
	assert.Equal(t, unknown.Message, known.Message)
	require.NotEmpty(t, known.ResetToken)

	resp = env.do(t, anon, http.MethodPost, "/api/auth/password-reset/confirm", api.PasswordResetConfirm{Token: known.ResetToken, Password: "weak"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, anon, http.MethodPost, "/api/auth/password-reset/confirm", api.PasswordResetConfirm{Token: known.ResetToken, Password: "N3w-password!"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, anon, http.MethodPost, "/api/auth/password-reset/confirm", api.PasswordResetConfirm{Token: known.ResetToken, Password: "An0ther-pass!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "reset tokens are single use")

	_, err := env.sessions.GetSessionByRefreshToken(context.Background(), login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	resp = env.do(t, newClient(t), http.MethodPost, "/api/auth/login", api.LoginRequest{Email: "viewer@example.com", Password: "N3w-password!"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPasswordResetRequestsAreRateLimited(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	for i := 0; i < 3; i++ {
		resp := env.do(t, client, http.MethodPost, "/api/auth/password-reset/request", api.PasswordResetRequest{Email: "x@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := env.do(t, client, http.MethodPost, "/api/auth/password-reset/request", api.PasswordResetRequest{Email: "x@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAdminRegistersAndListsUsers(t *testing.T) {
	env := setupServer(t)
	env.createUser(t, "admin@example.com", token.RoleAdmin)
	client := newClient(t)
	env.login(t, client, "admin@example.com", false)

	resp := env.do(t, client, http.MethodPost, "/api/auth/register", api.RegisterRequest{
		Email: "new@example.com", Password: password, Name: "New Person", Role: "editor",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decode[api.RegisterResponse](t, resp)
	assert.Equal(t, "editor", reg.User.Role)

	resp = env.do(t, client, http.MethodPost, "/api/auth/register", api.RegisterRequest{
		Email: "NEW@example.com", Password: password, Name: "Again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, client, http.MethodPost, "/api/auth/register", api.RegisterRequest{
		Email: "weak@example.com", Password: "password", Name: "Weak",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, client, http.MethodGet, "/api/auth/users?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListUsersResponse](t, resp)
	assert.Equal(t, 2, list.Total)
	assert.True(t, list.HasMore)
	require.Len(t, list.Users, 1)
	assert.Equal(t, "admin@example.com", list.Users[0].Email)
}

func TestCSRFEndpointSetsCookie(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := env.do(t, client, http.MethodGet, "/api/auth/csrf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.CSRFResponse](t, resp)
	assert.NotEmpty(t, body.Token)
	assert.Equal(t, body.Token, env.cookie(t, client, "hablas_csrf_token"))
}
