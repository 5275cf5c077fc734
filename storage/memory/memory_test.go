package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/hablas/sessiongate/storage"
	"github.com/hablas/sessiongate/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepository_ReturnsClones(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: []byte("nonce1234567"), Ciphertext: []byte("ciphertext")}

	if err := repo.Put(ctx, "sessions", "s1", env); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	env.Nonce[0] = 'Y'

	got, _ := repo.Get(ctx, "sessions", "s1")
	if got.Nonce[0] == 'Y' {
		t.Error("Put should store a copy of the envelope")
	}

	got.Nonce[0] = 'X'
	got2, _ := repo.Get(ctx, "sessions", "s1")
	if got2.Nonce[0] == 'X' {
		t.Error("Get should return clones of envelopes")
	}
}

func TestMemoryRepository_BatchRollbackRestoresTouchedRecords(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	env := func(s string) *storage.Envelope {
		return &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: []byte("nonce1234567"), Ciphertext: []byte(s)}
	}
	for id, v := range map[string]string{"a": "one", "b": "two", "c": "three"} {
		if err := repo.Put(ctx, "sessions", id, env(v)); err != nil {
			t.Fatalf("Put(%s) failed: %v", id, err)
		}
	}

	failed := errors.New("abort")
	err := repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.Put("sessions", "a", env("changed")); err != nil {
			return err
		}
		if err := tx.Put("sessions", "a", env("changed twice")); err != nil {
			return err
		}
		if err := tx.Delete("sessions", "b"); err != nil {
			return err
		}
		if err := tx.Put("sessions", "d", env("new")); err != nil {
			return err
		}
		if err := tx.Put("fresh", "x", env("new bucket")); err != nil {
			return err
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("Batch error = %v, want %v", err, failed)
	}

	for id, want := range map[string]string{"a": "one", "b": "two", "c": "three"} {
		got, err := repo.Get(ctx, "sessions", id)
		if err != nil {
			t.Fatalf("Get(%s) after rollback: %v", id, err)
		}
		if string(got.Ciphertext) != want {
			t.Errorf("Get(%s) = %q, want %q", id, got.Ciphertext, want)
		}
	}
	if _, err := repo.Get(ctx, "sessions", "d"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record written by a failed batch survived: %v", err)
	}
	if ids, _ := repo.List(ctx, "fresh"); len(ids) != 0 {
		t.Errorf("List(fresh) = %v, want empty", ids)
	}

	if err := repo.Batch(ctx, func(tx storage.BatchTx) error {
		return tx.Delete("sessions", "c")
	}); err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if _, err := repo.Get(ctx, "sessions", "c"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("committed delete was undone: %v", err)
	}
}
