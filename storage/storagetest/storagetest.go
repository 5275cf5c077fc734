// Package storagetest holds the conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hablas/sessiongate/storage"
)

func envelope(payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      make([]byte, 12),
		Ciphertext: []byte(payload),
	}
}

// Run exercises repo against the storage.Repository contract. The repository
// must start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(ctx, "sessions", "s1", envelope("one")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "sessions", "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Ciphertext, []byte("one")) {
			t.Errorf("expected ciphertext %q, got %q", "one", got.Ciphertext)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(ctx, "sessions", "s1", envelope("uno")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "sessions", "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Ciphertext, []byte("uno")) {
			t.Errorf("expected overwritten ciphertext, got %q", got.Ciphertext)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "sessions", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = repo.Get(ctx, "no-such-bucket", "s1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing bucket, got %v", err)
		}
	})

	t.Run("ListIsBucketScoped", func(t *testing.T) {
		repo.Put(ctx, "sessions", "s2", envelope("two"))    //nolint:errcheck
		repo.Put(ctx, "blacklist", "b1", envelope("black")) //nolint:errcheck

		ids, err := repo.List(ctx, "sessions")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 session ids, got %d: %v", len(ids), ids)
		}

		ids, err = repo.List(ctx, "empty-bucket")
		if err != nil {
			t.Fatalf("List on missing bucket failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids for missing bucket, got %v", ids)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		if err := repo.Delete(ctx, "sessions", "s2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(ctx, "sessions", "s2"); err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "sessions", "s2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected deleted record to be gone, got %v", err)
		}
	})

	t.Run("BatchCommits", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("users", "u1", envelope("a")); err != nil {
				return err
			}
			if err := tx.Put("users", "u2", envelope("b")); err != nil {
				return err
			}
			got, err := tx.Get("users", "u1")
			if err != nil {
				return err
			}
			if !bytes.Equal(got.Ciphertext, []byte("a")) {
				t.Errorf("expected read-your-writes inside batch")
			}
			ids, err := tx.List("users")
			if err != nil {
				return err
			}
			if len(ids) != 2 {
				t.Errorf("expected 2 ids inside batch, got %v", ids)
			}
			return tx.Delete("sessions", "s1")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(ctx, "users", "u2"); err != nil {
			t.Errorf("expected committed record, got %v", err)
		}
		if _, err := repo.Get(ctx, "sessions", "s1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected batch delete to commit, got %v", err)
		}
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("users", "u3", envelope("c")); err != nil {
				return err
			}
			if err := tx.Delete("users", "u1"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected batch error to propagate, got %v", err)
		}
		if _, err := repo.Get(ctx, "users", "u3"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected rolled back put, got %v", err)
		}
		if _, err := repo.Get(ctx, "users", "u1"); err != nil {
			t.Errorf("expected rolled back delete, got %v", err)
		}
	})
}
