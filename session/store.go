// Package session persists refresh sessions and the token blacklist.
//
// Every record is sealed with AES-256-GCM before it reaches the repository,
// and every operation is bounded by the store timeout. Storage failures are
// returned to the caller; nothing here is best-effort.
package session

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hablas/sessiongate/internal/util"
	"github.com/hablas/sessiongate/internal/uuid"
	"github.com/hablas/sessiongate/storage"
	"github.com/hablas/sessiongate/token"
)

const (
	DefaultMaxSessionsPerUser = 5
	DefaultTimeout            = 3 * time.Second
	DefaultSweepInterval      = 5 * time.Minute
)

var (
	// ErrSessionNotFound is returned when no live session matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRefreshToken is returned when a refresh token fails
	// verification or has been rotated away.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrInvalidResetToken is returned for an invalid, expired or already
	// used password-reset token.
	ErrInvalidResetToken = errors.New("invalid password reset token")
)

// RefreshSession is one logged-in device or browser.
type RefreshSession struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Email        string     `json:"email"`
	Role         token.Role `json:"role"`
	RefreshToken string     `json:"refreshToken"`
	UserAgent    string     `json:"userAgent,omitempty"`
	IPAddress    string     `json:"ipAddress,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	LastUsedAt   time.Time  `json:"lastUsedAt"`
}

// Created is returned by CreateSession and RotateRefreshToken.
type Created struct {
	SessionID    string
	RefreshToken string
	Session      *RefreshSession
}

// Store implements the session and blacklist operations over a
// storage.Repository.
type Store struct {
	repo        storage.Repository
	codec       *token.Codec
	key         []byte
	maxSessions int
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSessions sets the per-user live session bound.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithTimeout bounds each store operation.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore returns a Store sealing records with recordKey (32 bytes). The
// store reads time from codec so that token and session expiry agree.
func NewStore(repo storage.Repository, codec *token.Codec, recordKey []byte, opts ...Option) (*Store, error) {
	if len(recordKey) != 32 {
		return nil, fmt.Errorf("record key must be 32 bytes, got %d", len(recordKey))
	}
	s := &Store{
		repo:        repo,
		codec:       codec,
		key:         bytes.Clone(recordKey),
		maxSessions: DefaultMaxSessionsPerUser,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
		now:         codec.Now,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// CreateSession issues a refresh token and persists a session for it. When
// the user already holds the maximum number of live sessions the oldest
// ones are evicted in the same batch.
func (s *Store) CreateSession(ctx context.Context, userID, email string, role token.Role, userAgent, ip string) (*Created, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var created *Created
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var err error
		created, err = s.createTx(tx, userID, email, role, userAgent, ip, time.Time{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return created, nil
}

// createTx writes a new session. A non-zero since carries the login time of
// the session being rotated; LastUsedAt is always now.
func (s *Store) createTx(tx storage.BatchTx, userID, email string, role token.Role, userAgent, ip string, since time.Time) (*Created, error) {
	refresh, err := s.codec.IssueRefreshToken(userID, email, role)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if since.IsZero() {
		since = now
	}
	sess := &RefreshSession{
		ID:           uuid.New(),
		UserID:       userID,
		Email:        email,
		Role:         role,
		RefreshToken: refresh,
		UserAgent:    userAgent,
		IPAddress:    ip,
		CreatedAt:    since,
		ExpiresAt:    now.Add(token.RefreshTTL),
		LastUsedAt:   now,
	}

	if err := s.evictTx(tx, userID, now); err != nil {
		return nil, err
	}

	if err := s.putSession(tx, recordID(userID, sess.ID), sess); err != nil {
		return nil, err
	}
	return &Created{SessionID: sess.ID, RefreshToken: refresh, Session: sess}, nil
}

// evictTx drops expired sessions of userID and then the oldest live ones
// until there is room for one more.
func (s *Store) evictTx(tx storage.BatchTx, userID string, now time.Time) error {
	existing, err := s.loadUserSessions(tx, userID)
	if err != nil {
		return err
	}
	type entry struct {
		id   string
		sess *RefreshSession
	}
	live := make([]entry, 0, len(existing))
	for id, sess := range existing {
		if !now.Before(sess.ExpiresAt) {
			if err := s.deleteSession(tx, id, sess); err != nil {
				return err
			}
			continue
		}
		live = append(live, entry{id, sess})
	}
	if len(live) < s.maxSessions {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].sess.CreatedAt.Equal(live[j].sess.CreatedAt) {
			return live[i].id < live[j].id
		}
		return live[i].sess.CreatedAt.Before(live[j].sess.CreatedAt)
	})
	for _, e := range live[:len(live)-s.maxSessions+1] {
		if err := s.deleteSession(tx, e.id, e.sess); err != nil {
			return err
		}
		s.logger.Info("evicted oldest session", "session_id", e.sess.ID, "user_id", userID)
	}
	return nil
}

// GetSessionByRefreshToken returns the live session holding refreshToken.
// Expired sessions are deleted and reported as ErrSessionNotFound.
func (s *Store) GetSessionByRefreshToken(ctx context.Context, refreshToken string) (*RefreshSession, error) {
	if refreshToken == "" {
		return nil, ErrSessionNotFound
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sess, id, err := s.lookup(repoReader{ctx, s.repo}, refreshToken)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
			return s.deleteSession(tx, id, sess)
		})
		if err != nil {
			return nil, fmt.Errorf("deleting expired session: %w", err)
		}
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) lookup(r reader, refreshToken string) (*RefreshSession, string, error) {
	var idx recordRef
	if err := s.open(r, bucketRefresh, util.Digest(refreshToken), &idx); err != nil {
		if isNotFound(err) || errors.Is(err, errCorrupt) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("reading refresh index: %w", err)
	}
	var sess RefreshSession
	if err := s.open(r, bucketSessions, idx.RecordID, &sess); err != nil {
		if isNotFound(err) || errors.Is(err, errCorrupt) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("reading session: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(sess.RefreshToken), []byte(refreshToken)) != 1 {
		return nil, "", ErrSessionNotFound
	}
	return &sess, idx.RecordID, nil
}

// RevokeSession deletes a session. Revoking an unknown session is not an
// error.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		id, ok, err := s.findRecord(tx, sessionID)
		if err != nil || !ok {
			return err
		}
		var sess RefreshSession
		if err := s.open(tx, bucketSessions, id, &sess); err != nil && !isNotFound(err) && !errors.Is(err, errCorrupt) {
			return err
		}
		return s.deleteSession(tx, id, &sess)
	})
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeAllUserSessions deletes every session owned by userID and returns
// how many were removed.
func (s *Store) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		existing, err := s.loadUserSessions(tx, userID)
		if err != nil {
			return err
		}
		for id, sess := range existing {
			if err := s.deleteSession(tx, id, sess); err != nil {
				return err
			}
		}
		n = len(existing)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	return n, nil
}

// GetUserSessions returns the live sessions of userID, newest first.
func (s *Store) GetUserSessions(ctx context.Context, userID string) ([]RefreshSession, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	existing, err := s.loadUserSessions(repoReader{ctx, s.repo}, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]RefreshSession, 0, len(existing))
	for _, sess := range existing {
		if now.Before(sess.ExpiresAt) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UserOwnsSession reports whether sessionID is a live session of userID.
func (s *Store) UserOwnsSession(ctx context.Context, userID, sessionID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var sess RefreshSession
	err := s.open(repoReader{ctx, s.repo}, bucketSessions, recordID(userID, sessionID), &sess)
	switch {
	case err == nil:
		return sess.UserID == userID && s.now().Before(sess.ExpiresAt), nil
	case isNotFound(err), errors.Is(err, errCorrupt):
		return false, nil
	default:
		return false, err
	}
}

// RotateRefreshToken exchanges a live refresh token for a new session. The
// old session is deleted and its token blacklisted in the same batch, so a
// token can be rotated at most once. The new session keeps the login time
// of the old one as CreatedAt and records the rotation as LastUsedAt.
func (s *Store) RotateRefreshToken(ctx context.Context, refreshToken, userAgent, ip string) (*Created, error) {
	if _, ok := s.codec.VerifyRefreshToken(refreshToken); !ok {
		return nil, ErrInvalidRefreshToken
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var created *Created
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		blacklisted, err := s.blacklistedTx(tx, refreshToken)
		if err != nil {
			return err
		}
		if blacklisted {
			return ErrInvalidRefreshToken
		}
		old, id, err := s.lookup(tx, refreshToken)
		if errors.Is(err, ErrSessionNotFound) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return err
		}
		now := s.now()
		if !now.Before(old.ExpiresAt) {
			return ErrInvalidRefreshToken
		}
		if err := s.deleteSession(tx, id, old); err != nil {
			return err
		}
		if err := s.blacklistTx(tx, refreshToken, old.ExpiresAt); err != nil {
			return err
		}
		ua, addr := userAgent, ip
		if ua == "" {
			ua = old.UserAgent
		}
		if addr == "" {
			addr = old.IPAddress
		}
		created, err = s.createTx(tx, old.UserID, old.Email, old.Role, ua, addr, old.CreatedAt)
		return err
	})
	if errors.Is(err, ErrInvalidRefreshToken) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	return created, nil
}

// GeneratePasswordResetToken issues a one-hour password-reset token.
func (s *Store) GeneratePasswordResetToken(userID, email string) (string, error) {
	return s.codec.IssuePasswordResetToken(userID, email)
}

// VerifyPasswordResetToken checks a reset token and consumes it, so a
// second call with the same token fails.
func (s *Store) VerifyPasswordResetToken(ctx context.Context, resetToken string) (*token.ResetPayload, error) {
	p, ok := s.codec.VerifyPasswordResetToken(resetToken)
	if !ok {
		return nil, ErrInvalidResetToken
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		used, err := s.blacklistedTx(tx, resetToken)
		if err != nil {
			return err
		}
		if used {
			return ErrInvalidResetToken
		}
		return s.blacklistTx(tx, resetToken, p.ExpiresAt)
	})
	if errors.Is(err, ErrInvalidResetToken) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("consuming reset token: %w", err)
	}
	return p, nil
}
