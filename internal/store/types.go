package store

import "time"

// Kind tags the two record variants kept in the vector store.
type Kind string

const (
	KindTurn     Kind = "turn"
	KindFragment Kind = "fragment"
)

// Visibility controls who may retrieve a document fragment. It is fixed at
// ingestion time and never mutated afterwards.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// Record is the common vector record shared by both kinds. Source,
// Visibility and Metadata are only meaningful for KindFragment.
type Record struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Owner      string            `json:"owner"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"-"`
	Seq        int64             `json:"seq"`
	CreatedAt  time.Time         `json:"created_at"`
	Source     string            `json:"source,omitempty"`
	Visibility Visibility        `json:"visibility,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Predicate selects records by attribute equality. Zero-valued fields do not
// constrain the match; Kind is always required. VisibleTo widens an owner
// match with every shared fragment, which is how query-time visibility
// scoping stays in one place.
type Predicate struct {
	Kind       Kind
	ID         string
	Owner      string
	Source     string
	Visibility Visibility
	VisibleTo  string
}

// SourceRef is one distinct (source, uploader) pair.
type SourceRef struct {
	Source   string `json:"source"`
	Uploader string `json:"uploader"`
}
