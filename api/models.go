package api

import "time"

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Reason is set on authentication denials: session-expired or
	// session-revoked.
	Reason string `json:"reason,omitempty"`
}

// RateLimitedResponse is the 429 body.
type RateLimitedResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	// Reset is an ISO-8601 timestamp.
	Reset      string `json:"reset"`
	RetryAfter int    `json:"retryAfter"`
}

// LoginRequest is the JSON body for POST /api/auth/login.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

// UserView is a user without credential material.
type UserView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

// TokenPair carries a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginResponse is returned from POST /api/auth/login.
type LoginResponse struct {
	Success bool      `json:"success"`
	User    UserView  `json:"user"`
	Tokens  TokenPair `json:"tokens"`
}

// LogoutRequest is the optional JSON body for POST /api/auth/logout.
type LogoutRequest struct {
	LogoutAll    bool   `json:"logoutAll,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// RefreshRequest is the optional JSON body for POST /api/auth/refresh. With
// a refresh token the session is rotated; without one the access token
// cookie is reissued when close to expiry.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// RefreshResponse is returned from POST /api/auth/refresh.
type RefreshResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Token   string     `json:"token,omitempty"`
	Tokens  *TokenPair `json:"tokens,omitempty"`
}

// MessageResponse is a plain success acknowledgement.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Permissions lists what a role may do in the application behind the
// gateway.
type Permissions struct {
	CanEdit          bool `json:"canEdit"`
	CanApprove       bool `json:"canApprove"`
	CanDelete        bool `json:"canDelete"`
	CanViewDashboard bool `json:"canViewDashboard"`
	CanManageUsers   bool `json:"canManageUsers"`
}

// MeResponse is returned from GET /api/auth/me.
type MeResponse struct {
	Success     bool        `json:"success"`
	User        UserView    `json:"user"`
	Permissions Permissions `json:"permissions"`
	ExpiresAt   time.Time   `json:"expiresAt"`
}

// SessionView describes one refresh session of the current user.
type SessionView struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// ListSessionsResponse is returned from GET /api/auth/sessions.
type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
}

// PasswordResetRequest is the JSON body for
// POST /api/auth/password-reset/request.
type PasswordResetRequest struct {
	Email string `json:"email"`
}

// PasswordResetRequestResponse never reveals whether the address exists.
// ResetToken is only filled outside production.
type PasswordResetRequestResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ResetToken string `json:"resetToken,omitempty"`
}

// PasswordResetConfirm is the JSON body for
// POST /api/auth/password-reset/confirm.
type PasswordResetConfirm struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// RegisterRequest is the JSON body for POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
}

// RegisterResponse is returned from POST /api/auth/register.
type RegisterResponse struct {
	Success bool     `json:"success"`
	User    UserView `json:"user"`
}

// ListUsersResponse is returned from GET /api/auth/users.
type ListUsersResponse struct {
	PaginationMeta
	Users []UserView `json:"users"`
}

// CSRFResponse is returned from GET /api/auth/csrf.
type CSRFResponse struct {
	Token string `json:"csrfToken"`
}
