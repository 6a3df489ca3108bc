// Package docs owns document fragment ingestion and visibility-scoped
// retrieval. A fragment is either private to its uploader or shared with
// every caller; the flag never changes after ingestion.
package docs

import (
	"context"
	"fmt"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/embedding"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/locking"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

// FragmentInput is one fragment of a source document handed to Ingest.
type FragmentInput struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Fragment is a retrieved fragment as returned to callers.
type Fragment struct {
	Text       string            `json:"text"`
	Owner      string            `json:"owner"`
	Source     string            `json:"source"`
	Visibility store.Visibility  `json:"visibility"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Manager ingests fragment batches and answers visibility-scoped retrieval.
type Manager struct {
	store    store.Store
	embedder embedding.Embedder
	locks    *locking.Keyed
}

func NewManager(st store.Store, emb embedding.Embedder) *Manager {
	return &Manager{store: st, embedder: emb, locks: locking.NewKeyed()}
}

// Ingest embeds all fragment texts in one batched call and inserts the
// resulting records atomically: if the embedding call fails, zero fragments
// are stored. Concurrent ingests of the same (source, user) pair serialize
// so no reader sees a half-ingested document. Returns the number stored.
func (m *Manager) Ingest(ctx context.Context, userID, source string, visibility store.Visibility, fragments []FragmentInput) (int, error) {
	if len(fragments) == 0 {
		return 0, nil
	}

	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}
	vecs, err := m.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed fragments: %w", err)
	}
	if len(vecs) != len(fragments) {
		return 0, fmt.Errorf("embed fragments: %w: got %d vectors for %d fragments", embedding.ErrUnavailable, len(vecs), len(fragments))
	}

	recs := make([]store.Record, len(fragments))
	for i, f := range fragments {
		recs[i] = store.Record{
			Kind:       store.KindFragment,
			Owner:      userID,
			Source:     source,
			Visibility: visibility,
			Text:       f.Text,
			Metadata:   f.Metadata,
			Embedding:  vecs[i],
		}
	}

	release := m.locks.Lock(source + "\x00" + userID)
	defer release()

	if err := m.store.InsertBatch(ctx, recs); err != nil {
		return 0, fmt.Errorf("insert fragments: %w", err)
	}
	return len(recs), nil
}

// Retrieve returns up to k fragments visible to the user, ranked by
// ascending cosine distance across the union of the user's own fragments and
// all shared ones. It is one ranked list, so a highly relevant shared
// fragment can outrank a weakly relevant private one. A fragment owned by
// someone else is never returned unless it is shared.
func (m *Manager) Retrieve(ctx context.Context, userID, query string, k int) ([]Fragment, error) {
	vec, err := m.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed retrieve query: %w", err)
	}

	recs, err := m.store.QueryNearest(ctx, store.Predicate{Kind: store.KindFragment, VisibleTo: userID}, vec, k)
	if err != nil {
		return nil, fmt.Errorf("retrieve fragments: %w", err)
	}

	out := make([]Fragment, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Fragment{
			Text:       rec.Text,
			Owner:      rec.Owner,
			Source:     rec.Source,
			Visibility: rec.Visibility,
			Metadata:   rec.Metadata,
		})
	}
	return out, nil
}

// ListSources returns the distinct (source, uploader) pairs in the store.
func (m *Manager) ListSources(ctx context.Context) ([]store.SourceRef, error) {
	refs, err := m.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return refs, nil
}

// PurgeBySource removes every fragment of the named source, for any uploader.
func (m *Manager) PurgeBySource(ctx context.Context, source string) (int64, error) {
	n, err := m.store.DeleteWhere(ctx, store.Predicate{Kind: store.KindFragment, Source: source})
	if err != nil {
		return 0, fmt.Errorf("purge by source: %w", err)
	}
	return n, nil
}

// PurgeBySourceAndUser removes the named source's fragments for one uploader.
func (m *Manager) PurgeBySourceAndUser(ctx context.Context, source, userID string) (int64, error) {
	n, err := m.store.DeleteWhere(ctx, store.Predicate{Kind: store.KindFragment, Source: source, Owner: userID})
	if err != nil {
		return 0, fmt.Errorf("purge by source and user: %w", err)
	}
	return n, nil
}

// PurgeByUser removes all fragments uploaded by the user.
func (m *Manager) PurgeByUser(ctx context.Context, userID string) (int64, error) {
	n, err := m.store.DeleteWhere(ctx, store.Predicate{Kind: store.KindFragment, Owner: userID})
	if err != nil {
		return 0, fmt.Errorf("purge by user: %w", err)
	}
	return n, nil
}

// PurgeAll removes every fragment.
func (m *Manager) PurgeAll(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteWhere(ctx, store.Predicate{Kind: store.KindFragment})
	if err != nil {
		return 0, fmt.Errorf("purge all: %w", err)
	}
	return n, nil
}
