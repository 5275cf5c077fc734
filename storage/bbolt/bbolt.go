// Package bbolt stores sealed records in a single bbolt file. It is the
// default backend for a one-instance gateway.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/hablas/sessiongate/storage"
)

// Store is a storage.Repository with one bbolt bucket per logical bucket.
type Store struct {
	db *bolt.DB
}

var _ storage.Repository = (*Store)(nil)

func NewRepository(db *bolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens (creating if needed) the database at path.
// Pass options with a Timeout to fail instead of waiting on another
// process's file lock.
func NewRepositoryFromFile(path string, options *bolt.Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, bucket, id string, envelope *storage.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRaw(tx, bucket, id, data)
	})
}

func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return txn{tx}.Delete(bucket, id)
	})
}

func (s *Store) Get(ctx context.Context, bucket, id string) (env *storage.Envelope, err error) {
	err = s.view(ctx, func(t txn) error {
		env, err = t.Get(bucket, id)
		return err
	})
	return env, err
}

func (s *Store) List(ctx context.Context, bucket string) (ids []string, err error) {
	err = s.view(ctx, func(t txn) error {
		ids, err = t.List(bucket)
		return err
	})
	return ids, err
}

// Batch runs fn in one read-write transaction. bbolt has a single writer,
// so the batch is serialized against every other write.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(txn{tx})
	})
}

func (s *Store) view(ctx context.Context, fn func(txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error { return fn(txn{tx}) })
}

// txn adapts a bolt transaction to storage.BatchTx.
type txn struct {
	tx *bolt.Tx
}

func putRaw(tx *bolt.Tx, bucket, id string, data []byte) error {
	bk, err := tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("bucket %s: %w", bucket, err)
	}
	return bk.Put([]byte(id), data)
}

func (t txn) Get(bucket, id string) (*storage.Envelope, error) {
	var data []byte
	if bk := t.tx.Bucket([]byte(bucket)); bk != nil {
		data = bk.Get([]byte(id))
	}
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	env := new(storage.Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", bucket, id, err)
	}
	return env, nil
}

func (t txn) Put(bucket, id string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return putRaw(t.tx, bucket, id, data)
}

func (t txn) Delete(bucket, id string) error {
	if bk := t.tx.Bucket([]byte(bucket)); bk != nil {
		return bk.Delete([]byte(id))
	}
	return nil
}

// List returns ids in key order.
func (t txn) List(bucket string) ([]string, error) {
	bk := t.tx.Bucket([]byte(bucket))
	if bk == nil {
		return nil, nil
	}
	var ids []string
	err := bk.ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids, err
}
