// Package chat owns the bounded per-user conversational history. Capping
// history trades recall of old turns for bounded storage and query cost;
// eviction is a deliberate lossy policy, not an error path.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/embedding"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/locking"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

// Turn is one recorded conversational turn as returned to callers.
type Turn struct {
	Text  string    `json:"text"`
	Owner string    `json:"owner"`
	At    time.Time `json:"timestamp"`
}

// Manager records, recalls and clears per-user conversational turns while
// enforcing the history capacity.
type Manager struct {
	store    store.Store
	embedder embedding.Embedder
	capacity int
	locks    *locking.Keyed
}

func NewManager(st store.Store, emb embedding.Embedder, capacity int) *Manager {
	if capacity <= 0 {
		capacity = 10
	}
	return &Manager{
		store:    st,
		embedder: emb,
		capacity: capacity,
		locks:    locking.NewKeyed(),
	}
}

func (m *Manager) Capacity() int { return m.capacity }

// RecordTurn embeds the text and appends it to the user's history, evicting
// oldest-first so the stored count never exceeds the capacity. Turns for the
// same user are strictly ordered; turns for different users never block each
// other. Returns the number of turns evicted.
func (m *Manager) RecordTurn(ctx context.Context, userID, text string) (int64, error) {
	vec, err := m.embedder.EmbedOne(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("embed turn: %w", err)
	}

	release := m.locks.Lock(userID)
	defer release()

	evicted, err := m.store.AppendTurnCapped(ctx, store.Record{
		Kind:      store.KindTurn,
		Owner:     userID,
		Text:      text,
		Embedding: vec,
	}, m.capacity)
	if err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	return evicted, nil
}

// Recall returns up to k of the user's turns ranked by ascending cosine
// distance to the query. A user with no history yields an empty result.
func (m *Manager) Recall(ctx context.Context, userID, query string, k int) ([]Turn, error) {
	vec, err := m.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed recall query: %w", err)
	}

	recs, err := m.store.QueryNearest(ctx, store.Predicate{Kind: store.KindTurn, Owner: userID}, vec, k)
	if err != nil {
		return nil, fmt.Errorf("recall turns: %w", err)
	}
	return turnsFromRecords(recs), nil
}

// History returns all of the user's turns in creation order, for transcript
// display rather than similarity ranking.
func (m *Manager) History(ctx context.Context, userID string) ([]Turn, error) {
	recs, err := m.store.ListChronological(ctx, store.Predicate{Kind: store.KindTurn, Owner: userID})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return turnsFromRecords(recs), nil
}

// Clear removes the user's history. Clearing an empty user is not an error.
func (m *Manager) Clear(ctx context.Context, userID string) (int64, error) {
	release := m.locks.Lock(userID)
	defer release()

	n, err := m.store.DeleteWhere(ctx, store.Predicate{Kind: store.KindTurn, Owner: userID})
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return n, nil
}

// ClearAll removes every user's history.
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteWhere(ctx, store.Predicate{Kind: store.KindTurn})
	if err != nil {
		return 0, fmt.Errorf("clear all history: %w", err)
	}
	return n, nil
}

// ListUsers returns the distinct user ids that currently have history.
func (m *Manager) ListUsers(ctx context.Context) ([]string, error) {
	users, err := m.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func turnsFromRecords(recs []store.Record) []Turn {
	out := make([]Turn, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Turn{Text: rec.Text, Owner: rec.Owner, At: rec.CreatedAt})
	}
	return out
}
