package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hablas/sessiongate/storage"
	"github.com/hablas/sessiongate/storage/storagetest"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessiongate.db")
	s, err := NewRepositoryFromFile(path, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestConformance(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	storagetest.Run(t, s)
}

func TestCanceledContext(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Put(ctx, "sessions", "s1", &storage.Envelope{Ver: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Put: got %v, want context.Canceled", err)
	}
	if _, err := s.Get(ctx, "sessions", "s1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get: got %v, want context.Canceled", err)
	}
	err := s.Batch(ctx, func(storage.BatchTx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Batch: got %v, want context.Canceled", err)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("persisted")}
	if err := s.Put(ctx, "blacklist", "digest", env); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "blacklist", "digest")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got.Ciphertext) != "persisted" {
		t.Errorf("got %q", got.Ciphertext)
	}
}

func TestSecondOpenTimesOut(t *testing.T) {
	s, path := openTemp(t)
	defer s.Close()

	_, err := NewRepositoryFromFile(path, &bolt.Options{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected the file lock to block a second open")
	}
}
