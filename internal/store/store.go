package store

import (
	"context"
	"errors"
)

var (
	// ErrDimensionMismatch reports a vector whose width disagrees with the
	// store's configured dimension. The offending write is never applied.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUnavailable reports a transient storage failure (connectivity,
	// timeouts). Callers may retry; it is never masked as an empty result.
	ErrUnavailable = errors.New("vector store unavailable")
)

// Store persists vector records and answers filtered nearest-neighbor
// queries. Distance is cosine distance for both kinds; nearest queries order
// ascending by distance with ties broken by lower insertion sequence.
type Store interface {
	// Insert appends one record, assigning identity and insertion sequence
	// when absent. Duplicate explicit ids are a no-op.
	Insert(ctx context.Context, rec Record) error

	// InsertBatch appends all records or none of them.
	InsertBatch(ctx context.Context, recs []Record) error

	// AppendTurnCapped inserts a turn and evicts that owner's oldest turns
	// so the post-insert count is at most capacity. The whole unit is
	// atomic: no concurrent reader ever observes capacity+1 turns. Returns
	// the number of evicted turns.
	AppendTurnCapped(ctx context.Context, rec Record, capacity int) (int64, error)

	// DeleteWhere removes every record matching the predicate and returns
	// the count removed. Matching nothing is not an error.
	DeleteWhere(ctx context.Context, pred Predicate) (int64, error)

	// QueryNearest returns up to k matching records by ascending cosine
	// distance to the query vector. An empty result is never an error.
	QueryNearest(ctx context.Context, pred Predicate, vec []float32, k int) ([]Record, error)

	// ListChronological returns matching records in creation order.
	ListChronological(ctx context.Context, pred Predicate) ([]Record, error)

	// CountWhere returns the exact number of matching records.
	CountWhere(ctx context.Context, pred Predicate) (int64, error)

	// ListSources returns the distinct (source, uploader) pairs present
	// among fragments.
	ListSources(ctx context.Context) ([]SourceRef, error)

	// ListUsers returns the distinct owners that have stored turns.
	ListUsers(ctx context.Context) ([]string, error)

	Close() error
}
