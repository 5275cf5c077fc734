package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hablas/sessiongate/storage"
)

// SweepResult counts what a Sweep removed.
type SweepResult struct {
	Sessions  int
	Blacklist int
}

// Sweep removes expired sessions and blacklist entries. Records that can no
// longer be opened are removed too.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var res SweepResult
	now := s.now()
	err := s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		ids, err := tx.List(bucketSessions)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var sess RefreshSession
			err := s.open(tx, bucketSessions, id, &sess)
			switch {
			case isNotFound(err):
				continue
			case errors.Is(err, errCorrupt):
				if err := s.deleteSession(tx, id, nil); err != nil {
					return err
				}
				res.Sessions++
				continue
			case err != nil:
				return err
			}
			if now.Before(sess.ExpiresAt) {
				continue
			}
			if err := s.deleteSession(tx, id, &sess); err != nil {
				return err
			}
			s.logger.Debug("swept expired session", "session_id", sessionIDFromRecord(id))
			res.Sessions++
		}

		ids, err = tx.List(bucketBlacklist)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var entry BlacklistEntry
			err := s.open(tx, bucketBlacklist, id, &entry)
			switch {
			case isNotFound(err):
				continue
			case errors.Is(err, errCorrupt):
			case err != nil:
				return err
			default:
				if now.Before(entry.ExpiresAt) {
					continue
				}
			}
			if err := tx.Delete(bucketBlacklist, id); err != nil {
				return err
			}
			res.Blacklist++
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweeping sessions: %w", err)
	}
	return res, nil
}

// Start runs Sweep every interval until Close is called. Calling Start more
// than once has no effect.
func (s *Store) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s.startOnce.Do(func() {
		go s.sweepLoop(interval)
	})
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			res, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Error("session sweep failed", "error", err)
				continue
			}
			if res.Sessions > 0 || res.Blacklist > 0 {
				s.logger.Info("session sweep", "sessions", res.Sessions, "blacklist", res.Blacklist)
			}
		}
	}
}

// Close stops the sweep loop and waits for it to exit.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
	})
}
