package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/hablas/sessiongate/internal/util"
	"github.com/hablas/sessiongate/storage"
)

const (
	bucketSessions     = "sessions"
	bucketRefresh      = "refresh_tokens"
	bucketSessionRefs  = "session_refs"
	bucketUserSessions = "user_sessions"
	bucketBlacklist    = "blacklist"

	// RecordKeyInfo is the HKDF info used to derive the record sealing key
	// from the signing secret.
	RecordKeyInfo = "sessiongate:session-records:v1"
)

// recordRef points at a session record. It is stored under the digest of
// the refresh token and under the bare session id.
type recordRef struct {
	RecordID string `json:"recordId"`
}

// userIndex lists the session record ids of one user.
type userIndex struct {
	Records []string `json:"records"`
}

// recordID is "<user key>:<session id>". The user key is a truncated digest
// so listing a user's sessions needs no decryption and ids do not expose
// user identifiers.
func recordID(userID, sessionID string) string {
	return userKey(userID) + ":" + sessionID
}

func userKey(userID string) string {
	return util.Digest(userID)[:24]
}

func sessionIDFromRecord(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return id
}

func userKeyFromRecord(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i]
	}
	return ""
}

// reader is the read half shared by storage.BatchTx and the
// repository-backed readers below.
type reader interface {
	Get(bucket, id string) (*storage.Envelope, error)
	List(bucket string) ([]string, error)
}

type writer interface {
	reader
	Put(bucket, id string, envelope *storage.Envelope) error
	Delete(bucket, id string) error
}

func (s *Store) seal(w writer, bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", bucket, err)
	}
	defer clear(data)
	env, err := storage.SealRecord(s.key, data, storage.RecordAAD(bucket, id))
	if err != nil {
		return fmt.Errorf("sealing %s record: %w", bucket, err)
	}
	return w.Put(bucket, id, env)
}

// open loads and decrypts one record. A missing record yields
// storage.ErrNotFound; a record that fails to open or decode is reported as
// errCorrupt so callers can drop it.
func (s *Store) open(r reader, bucket, id string, v any) error {
	env, err := r.Get(bucket, id)
	if err != nil {
		return err
	}
	data, err := storage.OpenRecord(s.key, env, storage.RecordAAD(bucket, id))
	if err != nil {
		return fmt.Errorf("%s/%s: %w", bucket, id, errCorrupt)
	}
	defer clear(data)
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s/%s: %w", bucket, id, errCorrupt)
	}
	return nil
}

var errCorrupt = errors.New("corrupt record")

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// userRecords returns the session record ids indexed under the user key
// uk. An unreadable index is rebuilt from a scan of the sessions bucket.
func (s *Store) userRecords(r reader, uk string) ([]string, bool, error) {
	var idx userIndex
	err := s.open(r, bucketUserSessions, uk, &idx)
	switch {
	case err == nil:
		return idx.Records, false, nil
	case isNotFound(err):
		return nil, false, nil
	case errors.Is(err, errCorrupt):
		s.logger.Warn("rebuilding unreadable session index", "user_key", uk)
		ids, err := r.List(bucketSessions)
		if err != nil {
			return nil, false, fmt.Errorf("listing sessions: %w", err)
		}
		var out []string
		for _, id := range ids {
			if userKeyFromRecord(id) == uk {
				out = append(out, id)
			}
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("reading session index: %w", err)
	}
}

func (s *Store) writeUserRecords(w writer, uk string, ids []string) error {
	if len(ids) == 0 {
		return w.Delete(bucketUserSessions, uk)
	}
	sort.Strings(ids)
	return s.seal(w, bucketUserSessions, uk, userIndex{Records: ids})
}

// loadUserSessions returns every readable session of userID keyed by record
// id. When r is also a writer, corrupt records are deleted and the user's
// index is pruned of records that no longer exist.
func (s *Store) loadUserSessions(r reader, userID string) (map[string]*RefreshSession, error) {
	uk := userKey(userID)
	ids, stale, err := s.userRecords(r, uk)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*RefreshSession, len(ids))
	w, writable := r.(writer)
	for _, id := range ids {
		var sess RefreshSession
		err := s.open(r, bucketSessions, id, &sess)
		switch {
		case err == nil:
			out[id] = &sess
		case isNotFound(err):
			stale = true
		case errors.Is(err, errCorrupt):
			s.logger.Warn("dropping unreadable session record", "record", id)
			stale = true
			if writable {
				if err := w.Delete(bucketSessions, id); err != nil {
					return nil, err
				}
				if err := w.Delete(bucketSessionRefs, sessionIDFromRecord(id)); err != nil {
					return nil, err
				}
			}
		default:
			return nil, err
		}
	}
	if stale && writable {
		if err := s.writeUserRecords(w, uk, slices.Collect(maps.Keys(out))); err != nil {
			return nil, fmt.Errorf("writing session index: %w", err)
		}
	}
	return out, nil
}

// findRecord resolves a bare session id to its record id.
func (s *Store) findRecord(r reader, sessionID string) (string, bool, error) {
	var ref recordRef
	err := s.open(r, bucketSessionRefs, sessionID, &ref)
	switch {
	case err == nil:
		return ref.RecordID, true, nil
	case isNotFound(err), errors.Is(err, errCorrupt):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("reading session ref: %w", err)
	}
}

// putSession writes a session record along with its refresh-token ref, its
// session-id ref and its entry in the user's index.
func (s *Store) putSession(w writer, id string, sess *RefreshSession) error {
	if err := s.seal(w, bucketSessions, id, sess); err != nil {
		return err
	}
	if err := s.seal(w, bucketRefresh, util.Digest(sess.RefreshToken), recordRef{RecordID: id}); err != nil {
		return err
	}
	if err := s.seal(w, bucketSessionRefs, sess.ID, recordRef{RecordID: id}); err != nil {
		return err
	}
	uk := userKeyFromRecord(id)
	ids, _, err := s.userRecords(w, uk)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, id) {
		ids = append(ids, id)
	}
	return s.writeUserRecords(w, uk, ids)
}

// deleteSession removes a session record, its refs and its index entry.
func (s *Store) deleteSession(w writer, id string, sess *RefreshSession) error {
	if err := w.Delete(bucketSessions, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if sess != nil && sess.RefreshToken != "" {
		if err := w.Delete(bucketRefresh, util.Digest(sess.RefreshToken)); err != nil {
			return fmt.Errorf("deleting refresh index: %w", err)
		}
	}
	if err := w.Delete(bucketSessionRefs, sessionIDFromRecord(id)); err != nil {
		return fmt.Errorf("deleting session ref: %w", err)
	}
	uk := userKeyFromRecord(id)
	ids, rebuilt, err := s.userRecords(w, uk)
	if err != nil {
		return err
	}
	i := slices.Index(ids, id)
	if i >= 0 {
		ids = slices.Delete(ids, i, i+1)
	}
	if i >= 0 || rebuilt {
		if err := s.writeUserRecords(w, uk, ids); err != nil {
			return fmt.Errorf("writing session index: %w", err)
		}
	}
	return nil
}

// repoReader adapts a Repository plus context to reader.
type repoReader struct {
	ctx  context.Context
	repo storage.Repository
}

func (r repoReader) Get(bucket, id string) (*storage.Envelope, error) {
	return r.repo.Get(r.ctx, bucket, id)
}

func (r repoReader) List(bucket string) ([]string, error) {
	return r.repo.List(r.ctx, bucket)
}
