package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hablas/sessiongate/ratelimit"
	"github.com/hablas/sessiongate/session"
	"github.com/hablas/sessiongate/token"
)

const resetRequestMessage = "If an account exists with that email, a password reset link has been sent."

// admit applies policy to identifier and audits rejections.
func (a *API) admit(w http.ResponseWriter, r *http.Request, policy, identifier string) bool {
	res, ok := admit(w, r, a.limiter, policy, identifier, a.logger)
	if !ok && res.Limit > 0 && !res.Allowed {
		a.audit.logFailure(AuditRateLimited, r, "rate limited",
			slog.String("policy", policy), slog.Bool("degraded", res.Degraded))
	}
	return ok
}

// Login handles POST /api/auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	if !a.admit(w, r, ratelimit.PolicyLogin, "ip:"+ip) {
		return
	}

	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := a.users.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		writeInternalError(w, a.logger, "login failed", err)
		return
	}

	access, err := a.codec.IssueAccessToken(user.ID, user.Email, user.Role, req.RememberMe)
	if err != nil {
		writeInternalError(w, a.logger, "failed to issue access token", err)
		return
	}
	created, err := a.sessions.CreateSession(r.Context(), user.ID, user.Email, user.Role, r.UserAgent(), ip)
	if err != nil {
		writeInternalError(w, a.logger, "failed to create session", err)
		return
	}
	if err := a.limiter.Reset(r.Context(), "ip:"+ip, ratelimit.PolicyLogin); err != nil {
		a.logger.Warn("failed to reset login rate limit", "error", err)
	}

	SetAuthCookie(w, a.cookieName, access, req.RememberMe, a.secure(r))
	a.writeCSRFCookie(w, r)
	a.audit.logEvent(AuditLoginSuccess, r, user.ID,
		slog.String("session_id", created.SessionID),
		slog.Bool("remember_me", req.RememberMe))

	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		User:    user.View(),
		Tokens:  TokenPair{AccessToken: access, RefreshToken: created.RefreshToken},
	})
}

// Logout handles POST /api/auth/logout. The access token in the cookie is
// blacklisted until it would have expired. logoutAll revokes every refresh
// session of the user; a refreshToken in the body revokes just that one.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[LogoutRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	ctx := r.Context()

	var payload *token.AccessPayload
	if tok := TokenFromRequest(r, a.cookieName); tok != "" {
		if p, valid := a.codec.VerifyAccessToken(tok); valid {
			payload = p
			if err := a.sessions.BlacklistToken(ctx, tok, p.ExpiresAt); err != nil {
				writeInternalError(w, a.logger, "failed to revoke access token", err)
				return
			}
		}
	}

	if req.RefreshToken != "" {
		if err := a.revokeRefreshToken(ctx, req.RefreshToken, payload); err != nil {
			writeInternalError(w, a.logger, "failed to revoke refresh session", err)
			return
		}
	}

	ClearAuthCookie(w, a.cookieName, a.secure(r))
	a.clearCSRFCookie(w, r)

	if payload == nil {
		writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Logged out successfully"})
		return
	}
	if req.LogoutAll {
		n, err := a.sessions.RevokeAllUserSessions(ctx, payload.UserID)
		if err != nil {
			writeInternalError(w, a.logger, "failed to revoke sessions", err)
			return
		}
		a.audit.logEvent(AuditLogoutAll, r, payload.UserID, slog.Int("sessions_revoked", n))
		writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Logged out from all devices"})
		return
	}
	a.audit.logEvent(AuditLogout, r, payload.UserID)
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Logged out successfully"})
}

// revokeRefreshToken ends the session behind refreshToken. When the caller
// is known, sessions of other users are left alone. Unknown tokens are
// ignored.
func (a *API) revokeRefreshToken(ctx context.Context, refreshToken string, caller *token.AccessPayload) error {
	sess, err := a.sessions.GetSessionByRefreshToken(ctx, refreshToken)
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrInvalidRefreshToken) {
		return nil
	}
	if err != nil {
		return err
	}
	if caller != nil && caller.UserID != sess.UserID {
		return nil
	}
	if err := a.sessions.RevokeSession(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	return a.sessions.BlacklistToken(ctx, refreshToken, sess.ExpiresAt)
}

// Refresh handles POST /api/auth/refresh. A refresh token in the body is
// rotated into a new session and access token. Without one, the access
// token cookie is reissued when it is close to expiry.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOptionalJSON[RefreshRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.RefreshToken != "" {
		a.rotate(w, r, req.RefreshToken)
		return
	}

	tok := TokenFromRequest(r, a.cookieName)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "No token to refresh")
		return
	}
	revoked, err := a.sessions.IsTokenBlacklisted(r.Context(), tok)
	if err != nil {
		a.logger.Error("blacklist lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Authentication is temporarily unavailable")
		return
	}
	if revoked {
		writeDenied(w, http.StatusUnauthorized, ReasonSessionRevoked, "Session has been revoked. Please log in again.")
		return
	}

	fresh, outcome, err := a.codec.RefreshAccessToken(tok)
	if err != nil {
		writeInternalError(w, a.logger, "failed to refresh token", err)
		return
	}
	switch outcome {
	case token.RefreshInvalid:
		a.audit.logFailure(AuditRefreshRejected, r, ReasonSessionExpired)
		writeDenied(w, http.StatusUnauthorized, ReasonSessionExpired, "Invalid or expired token")
	case token.RefreshNotNeeded:
		writeJSON(w, http.StatusOK, RefreshResponse{Success: true, Message: "Token is still valid"})
	case token.RefreshReissued:
		p, _ := a.codec.VerifyAccessToken(fresh)
		SetAuthCookie(w, a.cookieName, fresh, p != nil && p.Lifetime() > token.AccessTTL, a.secure(r))
		if p != nil {
			a.audit.logEvent(AuditTokenRefreshed, r, p.UserID)
		}
		writeJSON(w, http.StatusOK, RefreshResponse{Success: true, Message: "Token refreshed", Token: fresh})
	}
}

func (a *API) rotate(w http.ResponseWriter, r *http.Request, refreshToken string) {
	created, err := a.sessions.RotateRefreshToken(r.Context(), refreshToken, r.UserAgent(), ClientIP(r))
	if errors.Is(err, session.ErrInvalidRefreshToken) {
		a.audit.logFailure(AuditRefreshRejected, r, "invalid refresh token")
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}
	if err != nil {
		writeInternalError(w, a.logger, "failed to rotate refresh token", err)
		return
	}

	// Keep the remember-me class of the current cookie when there is one.
	extended := false
	if p, ok := a.codec.VerifyAccessToken(TokenFromRequest(r, a.cookieName)); ok {
		extended = p.Lifetime() > token.AccessTTL
	}
	sess := created.Session
	access, err := a.codec.IssueAccessToken(sess.UserID, sess.Email, sess.Role, extended)
	if err != nil {
		writeInternalError(w, a.logger, "failed to issue access token", err)
		return
	}
	SetAuthCookie(w, a.cookieName, access, extended, a.secure(r))
	a.audit.logEvent(AuditRefreshRotated, r, sess.UserID, slog.String("session_id", created.SessionID))

	writeJSON(w, http.StatusOK, RefreshResponse{
		Success: true,
		Message: "Tokens refreshed",
		Token:   access,
		Tokens:  &TokenPair{AccessToken: access, RefreshToken: created.RefreshToken},
	})
}

// Me handles GET /api/auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	view := UserView{ID: id.UserID, Email: id.Email, Role: string(id.Role)}
	user, err := a.users.Get(r.Context(), id.UserID)
	switch {
	case err == nil:
		view.Name = user.Name
	case errors.Is(err, ErrUserNotFound):
		// Accounts created outside the directory still get their token identity.
	default:
		writeInternalError(w, a.logger, "failed to load user", err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		Success:     true,
		User:        view,
		Permissions: PermissionsFor(id.Role),
		ExpiresAt:   id.ExpiresAt.UTC(),
	})
}

// ListSessions handles GET /api/auth/sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	sessions, err := a.sessions.GetUserSessions(r.Context(), id.UserID)
	if err != nil {
		writeInternalError(w, a.logger, "failed to list sessions", err)
		return
	}
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:         s.ID,
			UserAgent:  s.UserAgent,
			IPAddress:  s.IPAddress,
			CreatedAt:  s.CreatedAt.UTC(),
			ExpiresAt:  s.ExpiresAt.UTC(),
			LastUsedAt: s.LastUsedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views})
}

// RevokeSession handles DELETE /api/auth/sessions/{sessionID}. Sessions of
// other users are reported as not found.
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	owns, err := a.sessions.UserOwnsSession(r.Context(), id.UserID, sessionID)
	if err != nil {
		writeInternalError(w, a.logger, "failed to look up session", err)
		return
	}
	if !owns {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err := a.sessions.RevokeSession(r.Context(), sessionID); err != nil {
		mapError(w, a.logger, err)
		return
	}
	a.audit.logEvent(AuditSessionRevoked, r, id.UserID, slog.String("session_id", sessionID))
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Session revoked"})
}

// RequestPasswordReset handles POST /api/auth/password-reset/request. The
// response is the same whether or not the address is registered.
func (a *API) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	if !a.admit(w, r, ratelimit.PolicyPasswordReset, "ip:"+ClientIP(r)) {
		return
	}
	req, ok := decodeJSON[PasswordResetRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	resp := PasswordResetRequestResponse{Success: true, Message: resetRequestMessage}
	user, err := a.users.GetByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrInvalidEmail):
		a.audit.logFailure(AuditPasswordResetRequest, r, "unknown email")
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		writeInternalError(w, a.logger, "failed to look up user", err)
		return
	}

	resetToken, err := a.sessions.GeneratePasswordResetToken(user.ID, user.Email)
	if err != nil {
		writeInternalError(w, a.logger, "failed to issue reset token", err)
		return
	}
	if a.notifyReset != nil {
		if err := a.notifyReset(r.Context(), user.Email, resetToken); err != nil {
			a.logger.Error("failed to deliver password reset", "user_id", user.ID, "error", err)
		}
	}
	a.audit.logEvent(AuditPasswordResetRequest, r, user.ID)
	if !a.production {
		resp.ResetToken = resetToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConfirmPasswordReset handles POST /api/auth/password-reset/confirm. A
// successful reset ends every session of the user.
func (a *API) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasswordResetConfirm](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Token == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Token and password are required")
		return
	}
	// Checked first so a weak password does not use up the token.
	if err := ValidatePassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.sessions.VerifyPasswordResetToken(r.Context(), req.Token)
	if errors.Is(err, session.ErrInvalidResetToken) {
		a.audit.logFailure(AuditPasswordResetRejected, r, "invalid reset token")
		writeError(w, http.StatusBadRequest, "Invalid or expired reset token")
		return
	}
	if err != nil {
		writeInternalError(w, a.logger, "failed to verify reset token", err)
		return
	}
	if err := a.users.SetPassword(r.Context(), p.UserID, req.Password); err != nil {
		mapError(w, a.logger, err)
		return
	}
	n, err := a.sessions.RevokeAllUserSessions(r.Context(), p.UserID)
	if err != nil {
		writeInternalError(w, a.logger, "failed to revoke sessions", err)
		return
	}
	a.audit.logEvent(AuditPasswordResetComplete, r, p.UserID, slog.Int("sessions_revoked", n))
	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Password has been reset. Please log in again."})
}

// requireAdmin writes 401 or 403 unless the request carries an admin
// identity.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*token.AccessPayload, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	if !PermissionsFor(id.Role).CanManageUsers {
		writeError(w, http.StatusForbidden, "Insufficient permissions")
		return nil, false
	}
	return id, true
}

// Register handles POST /api/auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	if !a.admit(w, r, ratelimit.PolicyRegistration, KeyByUser(r)) {
		return
	}
	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "Email, password and name are required")
		return
	}
	role := token.RoleViewer
	if req.Role != "" {
		var valid bool
		if role, valid = token.ParseRole(strings.ToLower(req.Role)); !valid {
			writeError(w, http.StatusBadRequest, "Role must be admin, editor or viewer")
			return
		}
	}

	user, err := a.users.Create(r.Context(), req.Email, req.Password, req.Name, role)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	a.audit.logEvent(AuditUserRegistered, r, user.ID,
		slog.String("created_by", id.UserID), slog.String("role", string(role)))
	writeJSON(w, http.StatusCreated, RegisterResponse{Success: true, User: user.View()})
}

// ListUsers handles GET /api/auth/users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	users, err := a.users.List(r.Context())
	if err != nil {
		writeInternalError(w, a.logger, "failed to list users", err)
		return
	}
	limit, offset := pageRequest(r)
	window, meta := page(users, limit, offset)
	views := make([]UserView, 0, len(window))
	for i := range window {
		views = append(views, window[i].View())
	}
	writeJSON(w, http.StatusOK, ListUsersResponse{PaginationMeta: meta, Users: views})
}

// CSRFToken handles GET /api/auth/csrf.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CSRFResponse{Token: a.writeCSRFCookie(w, r)})
}
