package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/embedding"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

// stubEmbedder maps known texts to fixed vectors so ranking is controlled.
// Unknown texts fall back to a shared direction, making them equidistant.
type stubEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (s *stubEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if vec, ok := s.vecs[text]; ok {
		return vec, nil
	}
	return []float32{0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := s.EmbedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }

func newTestManager(capacity int) (*Manager, *store.InMemoryStore) {
	st := store.NewInMemoryStore(3)
	return NewManager(st, &stubEmbedder{}, capacity), st
}

func TestRecordTurnEnforcesHistoryBound(t *testing.T) {
	m, st := newTestManager(10)
	ctx := context.Background()

	var totalEvicted int64
	for i := 1; i <= 12; i++ {
		evicted, err := m.RecordTurn(ctx, "u1", fmt.Sprintf("msg%d", i))
		if err != nil {
			t.Fatalf("RecordTurn(msg%d) error = %v", i, err)
		}
		totalEvicted += evicted

		n, err := st.CountWhere(ctx, store.Predicate{Kind: store.KindTurn, Owner: "u1"})
		if err != nil {
			t.Fatalf("CountWhere() error = %v", err)
		}
		if n > 10 {
			t.Fatalf("history size after msg%d = %d, want <= 10", i, n)
		}
	}
	if totalEvicted != 2 {
		t.Fatalf("total evicted = %d, want 2", totalEvicted)
	}

	turns, err := m.History(ctx, "u1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 10 {
		t.Fatalf("len(turns) = %d, want 10", len(turns))
	}
	if turns[0].Text != "msg3" || turns[9].Text != "msg12" {
		t.Fatalf("history window = [%s .. %s], want [msg3 .. msg12]", turns[0].Text, turns[9].Text)
	}
}

func TestRecallRanksBySimilarity(t *testing.T) {
	st := store.NewInMemoryStore(3)
	emb := &stubEmbedder{vecs: map[string][]float32{
		"the cat sat":    {1, 0, 0},
		"stock markets":  {0, 1, 0},
		"a cat sleeping": {0.9, 0.1, 0},
		"cats?":          {1, 0, 0},
	}}
	m := NewManager(st, emb, 10)
	ctx := context.Background()

	for _, text := range []string{"the cat sat", "stock markets", "a cat sleeping"} {
		if _, err := m.RecordTurn(ctx, "u1", text); err != nil {
			t.Fatalf("RecordTurn(%q) error = %v", text, err)
		}
	}

	turns, err := m.Recall(ctx, "u1", "cats?", 2)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Text != "the cat sat" || turns[1].Text != "a cat sleeping" {
		t.Fatalf("recall order = [%s, %s], want [the cat sat, a cat sleeping]", turns[0].Text, turns[1].Text)
	}
}

func TestRecallUnknownUserIsEmpty(t *testing.T) {
	m, _ := newTestManager(10)

	turns, err := m.Recall(context.Background(), "nobody", "anything", 3)
	if err != nil {
		t.Fatalf("Recall() error = %v, want nil", err)
	}
	if len(turns) != 0 {
		t.Fatalf("len(turns) = %d, want 0", len(turns))
	}
}

func TestRecallNeverCrossesUsers(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()

	if _, err := m.RecordTurn(ctx, "alice", "private note"); err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}

	turns, err := m.Recall(ctx, "bob", "private note", 5)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("bob recalled %d of alice's turns, want 0", len(turns))
	}
}

func TestClearIsIdempotent(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()

	if _, err := m.RecordTurn(ctx, "u1", "hello"); err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}

	n, err := m.Clear(ctx, "u1")
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("first clear removed %d, want 1", n)
	}

	n, err = m.Clear(ctx, "u1")
	if err != nil {
		t.Fatalf("Clear() on empty error = %v", err)
	}
	if n != 0 {
		t.Fatalf("second clear removed %d, want 0", n)
	}
}

func TestClearAllRemovesEveryUser(t *testing.T) {
	m, st := newTestManager(10)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		if _, err := m.RecordTurn(ctx, user, "hi"); err != nil {
			t.Fatalf("RecordTurn(%s) error = %v", user, err)
		}
	}

	n, err := m.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("ClearAll removed %d, want 3", n)
	}

	left, err := st.CountWhere(ctx, store.Predicate{Kind: store.KindTurn})
	if err != nil {
		t.Fatalf("CountWhere() error = %v", err)
	}
	if left != 0 {
		t.Fatalf("turns left after ClearAll = %d, want 0", left)
	}
}

func TestRecordTurnEmbedFailureStoresNothing(t *testing.T) {
	st := store.NewInMemoryStore(3)
	wantErr := errors.New("model offline")
	m := NewManager(st, &stubEmbedder{err: fmt.Errorf("%w: %v", embedding.ErrUnavailable, wantErr)}, 10)
	ctx := context.Background()

	_, err := m.RecordTurn(ctx, "u1", "hello")
	if !errors.Is(err, embedding.ErrUnavailable) {
		t.Fatalf("RecordTurn() error = %v, want ErrUnavailable", err)
	}

	n, err := st.CountWhere(ctx, store.Predicate{Kind: store.KindTurn})
	if err != nil {
		t.Fatalf("CountWhere() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("count after failed embed = %d, want 0", n)
	}
}

func TestConcurrentRecordTurnsKeepBoundPerUser(t *testing.T) {
	m, st := newTestManager(5)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3"}

	var wg sync.WaitGroup
	for _, user := range users {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(user string, i int) {
				defer wg.Done()
				if _, err := m.RecordTurn(ctx, user, fmt.Sprintf("msg%d", i)); err != nil {
					t.Errorf("RecordTurn(%s, msg%d) error = %v", user, i, err)
				}
			}(user, i)
		}
	}
	wg.Wait()

	for _, user := range users {
		n, err := st.CountWhere(ctx, store.Predicate{Kind: store.KindTurn, Owner: user})
		if err != nil {
			t.Fatalf("CountWhere(%s) error = %v", user, err)
		}
		if n != 5 {
			t.Fatalf("history size for %s = %d, want 5", user, n)
		}
	}
}

func TestListUsers(t *testing.T) {
	m, _ := newTestManager(10)
	ctx := context.Background()

	for _, user := range []string{"beta", "alpha", "alpha"} {
		if _, err := m.RecordTurn(ctx, user, "hi"); err != nil {
			t.Fatalf("RecordTurn(%s) error = %v", user, err)
		}
	}

	users, err := m.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 2 || users[0] != "alpha" || users[1] != "beta" {
		t.Fatalf("ListUsers() = %v, want [alpha beta]", users)
	}
}
