// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hablas/sessiongate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases. Data does not
// survive a restart.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(_ context.Context, bucket, id string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(bucket, id, envelope)
}

func (r *Repository) putLocked(bucket, id string, envelope *storage.Envelope) error {
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Envelope)
	}
	r.data[bucket][id] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(_ context.Context, bucket, id string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(bucket, id)
}

func (r *Repository) getLocked(bucket, id string) (*storage.Envelope, error) {
	env, ok := r.data[bucket][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) List(_ context.Context, bucket string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(bucket), nil
}

func (r *Repository) listLocked(bucket string) []string {
	ids := make([]string, 0, len(r.data[bucket]))
	for id := range r.data[bucket] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repository) Delete(_ context.Context, bucket, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data[bucket], id)
	return nil
}

// Batch executes fn while holding the write lock. On error, every record
// fn wrote or deleted is put back the way it was.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryBatchTx{repo: r, undo: make(map[recordKey]undoEntry)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type recordKey struct {
	bucket, id string
}

// undoEntry is a record as it was before the batch first touched it.
type undoEntry struct {
	env     *storage.Envelope
	existed bool
}

type memoryBatchTx struct {
	repo *Repository
	undo map[recordKey]undoEntry
}

// remember journals the current state of a record the first time the batch
// touches it.
func (tx *memoryBatchTx) remember(bucket, id string) {
	k := recordKey{bucket, id}
	if _, ok := tx.undo[k]; ok {
		return
	}
	env, ok := tx.repo.data[bucket][id]
	tx.undo[k] = undoEntry{env: env, existed: ok}
}

func (tx *memoryBatchTx) rollback() {
	for k, e := range tx.undo {
		if e.existed {
			if _, ok := tx.repo.data[k.bucket]; !ok {
				tx.repo.data[k.bucket] = make(map[string]*storage.Envelope)
			}
			tx.repo.data[k.bucket][k.id] = e.env
			continue
		}
		delete(tx.repo.data[k.bucket], k.id)
	}
}

func (tx *memoryBatchTx) Get(bucket, id string) (*storage.Envelope, error) {
	return tx.repo.getLocked(bucket, id)
}

func (tx *memoryBatchTx) Put(bucket, id string, envelope *storage.Envelope) error {
	tx.remember(bucket, id)
	return tx.repo.putLocked(bucket, id, envelope)
}

func (tx *memoryBatchTx) Delete(bucket, id string) error {
	tx.remember(bucket, id)
	delete(tx.repo.data[bucket], id)
	return nil
}

func (tx *memoryBatchTx) List(bucket string) ([]string, error) {
	return tx.repo.listLocked(bucket), nil
}
