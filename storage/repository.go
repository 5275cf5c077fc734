// Package storage provides the storage abstraction layer for sealed session
// and blacklist records.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist in its bucket.
var ErrNotFound = errors.New("record not found")

// BatchTx provides record access within an atomic transaction.
type BatchTx interface {
	Get(bucket, id string) (*Envelope, error)
	Put(bucket, id string, envelope *Envelope) error
	Delete(bucket, id string) error
	List(bucket string) ([]string, error)
}

// Repository defines the interface for sealed record storage. Records are
// grouped into named buckets and addressed by id.
type Repository interface {
	Put(ctx context.Context, bucket, id string, envelope *Envelope) error
	Get(ctx context.Context, bucket, id string) (*Envelope, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, bucket, id string) error
	List(ctx context.Context, bucket string) ([]string, error)
	// Batch runs fn in a single transaction. If fn returns an error no
	// write made through tx is kept.
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}
