package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hablas/sessiongate/internal/util"
	"github.com/hablas/sessiongate/storage"
)

// BlacklistEntry marks a token as revoked until ExpiresAt, after which the
// token would fail verification anyway and the entry can be dropped.
type BlacklistEntry struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BlacklistToken revokes tok until expiresAt.
func (s *Store) BlacklistToken(ctx context.Context, tok string, expiresAt time.Time) error {
	if tok == "" {
		return errors.New("blacklisting empty token")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		return s.blacklistTx(tx, tok, expiresAt)
	})
	if err != nil {
		return fmt.Errorf("blacklisting token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether tok has been revoked. Entries whose
// expiry has passed are removed on read.
func (s *Store) IsTokenBlacklisted(ctx context.Context, tok string) (bool, error) {
	if tok == "" {
		return false, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	id := util.Digest(tok)
	var entry BlacklistEntry
	err := s.open(repoReader{ctx, s.repo}, bucketBlacklist, id, &entry)
	switch {
	case isNotFound(err):
		return false, nil
	case errors.Is(err, errCorrupt):
		// An unreadable entry still means someone revoked this token.
		return true, nil
	case err != nil:
		return false, fmt.Errorf("reading blacklist: %w", err)
	}
	if s.now().Before(entry.ExpiresAt) {
		return true, nil
	}
	if err := s.repo.Delete(ctx, bucketBlacklist, id); err != nil {
		s.logger.Warn("pruning expired blacklist entry failed", "error", err)
	}
	return false, nil
}

func (s *Store) blacklistTx(tx storage.BatchTx, tok string, expiresAt time.Time) error {
	return s.seal(tx, bucketBlacklist, util.Digest(tok), BlacklistEntry{Token: tok, ExpiresAt: expiresAt})
}

func (s *Store) blacklistedTx(tx storage.BatchTx, tok string) (bool, error) {
	var entry BlacklistEntry
	err := s.open(tx, bucketBlacklist, util.Digest(tok), &entry)
	switch {
	case isNotFound(err):
		return false, nil
	case errors.Is(err, errCorrupt):
		return true, nil
	case err != nil:
		return false, err
	}
	return s.now().Before(entry.ExpiresAt), nil
}
