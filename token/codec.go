// Package token issues and verifies the HS256 tokens used by the gateway:
// access tokens, refresh tokens and password-reset tokens.
//
// Verification never returns an error to the caller. A token that is
// malformed, carries a bad signature, has expired or is of the wrong kind
// simply fails to verify.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hablas/sessiongate/internal/uuid"
)

const (
	AccessTTL         = 7 * 24 * time.Hour
	ExtendedAccessTTL = 30 * 24 * time.Hour
	RefreshTTL        = 30 * 24 * time.Hour
	ResetTTL          = time.Hour
	// RefreshThreshold is the remaining lifetime below which an access
	// token is reissued by the gateway.
	RefreshThreshold = 24 * time.Hour

	TypeRefresh          = "refresh"
	PurposePasswordReset = "password-reset"

	defaultIssuer = "sessiongate"
)

// AccessPayload is the verified identity carried by an access token.
type AccessPayload struct {
	ID        string
	UserID    string
	Email     string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime is the total validity window the token was issued with.
func (p *AccessPayload) Lifetime() time.Duration {
	return p.ExpiresAt.Sub(p.IssuedAt)
}

// RefreshPayload is the identity carried by a refresh token.
type RefreshPayload struct {
	AccessPayload
	Type string
}

// ResetPayload is the identity carried by a password-reset token.
type ResetPayload struct {
	ID        string
	UserID    string
	Email     string
	Purpose   string
	ExpiresAt time.Time
}

type claims struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Role    Role   `json:"role,omitempty"`
	Type    string `json:"type,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens. It is safe for concurrent use.
type Codec struct {
	access  *Secret
	refresh *Secret
	issuer  string
	now     func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithRefreshSecret signs refresh tokens with a separate secret.
func WithRefreshSecret(s *Secret) Option {
	return func(c *Codec) {
		if s != nil {
			c.refresh = s
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithIssuer sets the iss claim written and required on every token.
func WithIssuer(iss string) Option {
	return func(c *Codec) { c.issuer = iss }
}

// New returns a Codec signing with secret.
func New(secret *Secret, opts ...Option) *Codec {
	c := &Codec{
		access:  secret,
		refresh: secret,
		issuer:  defaultIssuer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// IssueAccessToken signs an access token valid for AccessTTL, or
// ExtendedAccessTTL when extended is set ("remember me").
func (c *Codec) IssueAccessToken(userID, email string, role Role, extended bool) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("issuing access token: unknown role %q", role)
	}
	ttl := AccessTTL
	if extended {
		ttl = ExtendedAccessTTL
	}
	return c.sign(c.access, claims{UserID: userID, Email: email, Role: role}, ttl)
}

// VerifyAccessToken returns the payload of a valid access token.
func (c *Codec) VerifyAccessToken(tokenString string) (*AccessPayload, bool) {
	cl, ok := c.parse(c.access, tokenString)
	if !ok || cl.Type != "" || cl.Purpose != "" || !cl.Role.Valid() {
		return nil, false
	}
	return cl.payload(), true
}

// IssueRefreshToken signs a refresh token valid for RefreshTTL.
func (c *Codec) IssueRefreshToken(userID, email string, role Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("issuing refresh token: unknown role %q", role)
	}
	return c.sign(c.refresh, claims{UserID: userID, Email: email, Role: role, Type: TypeRefresh}, RefreshTTL)
}

// VerifyRefreshToken returns the payload of a valid refresh token.
func (c *Codec) VerifyRefreshToken(tokenString string) (*RefreshPayload, bool) {
	cl, ok := c.parse(c.refresh, tokenString)
	if !ok || cl.Type != TypeRefresh || !cl.Role.Valid() {
		return nil, false
	}
	return &RefreshPayload{AccessPayload: *cl.payload(), Type: cl.Type}, true
}

// IssuePasswordResetToken signs a single-purpose token valid for ResetTTL.
func (c *Codec) IssuePasswordResetToken(userID, email string) (string, error) {
	return c.sign(c.access, claims{UserID: userID, Email: email, Purpose: PurposePasswordReset}, ResetTTL)
}

// VerifyPasswordResetToken returns the payload of a valid reset token.
func (c *Codec) VerifyPasswordResetToken(tokenString string) (*ResetPayload, bool) {
	cl, ok := c.parse(c.access, tokenString)
	if !ok || cl.Purpose != PurposePasswordReset {
		return nil, false
	}
	return &ResetPayload{
		ID:        cl.ID,
		UserID:    cl.UserID,
		Email:     cl.Email,
		Purpose:   cl.Purpose,
		ExpiresAt: cl.ExpiresAt.Time,
	}, true
}

// ShouldRefresh reports whether p has less than RefreshThreshold left.
func (c *Codec) ShouldRefresh(p *AccessPayload) bool {
	return p.ExpiresAt.Sub(c.now()) < RefreshThreshold
}

// RefreshOutcome describes what RefreshAccessToken did.
type RefreshOutcome int

const (
	RefreshInvalid RefreshOutcome = iota
	RefreshNotNeeded
	RefreshReissued
)

// RefreshAccessToken reissues tokenString when it is valid and close to
// expiry. The new token keeps the lifetime class of the old one.
func (c *Codec) RefreshAccessToken(tokenString string) (string, RefreshOutcome, error) {
	p, ok := c.VerifyAccessToken(tokenString)
	if !ok {
		return "", RefreshInvalid, nil
	}
	if !c.ShouldRefresh(p) {
		return tokenString, RefreshNotNeeded, nil
	}
	fresh, err := c.IssueAccessToken(p.UserID, p.Email, p.Role, p.Lifetime() > AccessTTL)
	if err != nil {
		return "", RefreshInvalid, err
	}
	return fresh, RefreshReissued, nil
}

// Inspect decodes tokenString without checking its signature. It must only
// be used to choose a user-facing message, never to authorise.
func (c *Codec) Inspect(tokenString string) (*AccessPayload, bool) {
	var cl claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &cl); err != nil {
		return nil, false
	}
	if cl.ExpiresAt == nil {
		return nil, false
	}
	return cl.payload(), true
}

// Expired reports whether tokenString decodes and its exp has passed.
func (c *Codec) Expired(tokenString string) bool {
	p, ok := c.Inspect(tokenString)
	return ok && !c.now().Before(p.ExpiresAt)
}

func (c *Codec) sign(secret *Secret, cl claims, ttl time.Duration) (string, error) {
	now := c.now()
	cl.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.New(),
		Issuer:    c.issuer,
		Subject:   cl.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	var signed string
	err := secret.with(func(key []byte) error {
		var err error
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(key)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (c *Codec) parse(secret *Secret, tokenString string) (*claims, bool) {
	if tokenString == "" {
		return nil, false
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
	)
	var cl claims
	err := secret.with(func(key []byte) error {
		_, err := parser.ParseWithClaims(tokenString, &cl, func(*jwt.Token) (any, error) {
			return key, nil
		})
		return err
	})
	if err != nil {
		return nil, false
	}
	return &cl, true
}

func (cl *claims) payload() *AccessPayload {
	p := &AccessPayload{
		ID:     cl.ID,
		UserID: cl.UserID,
		Email:  cl.Email,
		Role:   cl.Role,
	}
	if cl.IssuedAt != nil {
		p.IssuedAt = cl.IssuedAt.Time
	}
	if cl.ExpiresAt != nil {
		p.ExpiresAt = cl.ExpiresAt.Time
	}
	return p
}
