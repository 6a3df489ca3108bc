package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/chat"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/docs"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/embedding"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/observability"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

// Each engine gets its own metrics namespace so the process-global
// Prometheus registry never sees a duplicate registration.
var metricsSeq atomic.Int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_engine_%d", metricsSeq.Add(1)))
}

type stubEmbedder struct {
	dim int
	err error
}

func (s *stubEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vec := make([]float32, s.dim)
	vec[len(text)%s.dim] = 1
	return vec, nil
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

func (s *stubEmbedder) Dimensions() int { return s.dim }

func newTestEngine(emb embedding.Embedder) *Engine {
	st := store.NewInMemoryStore(emb.Dimensions())
	return New(chat.NewManager(st, emb, 10), docs.NewManager(st, emb), testMetrics(), 0, 0)
}

func TestValidationRejections(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 3})
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"record empty user", func() error { return e.RecordTurn(ctx, "", "hi") }},
		{"record empty text", func() error { return e.RecordTurn(ctx, "u1", "   ") }},
		{"recall empty query", func() error { _, err := e.Recall(ctx, "u1", "", 3); return err }},
		{"recall negative k", func() error { _, err := e.Recall(ctx, "u1", "q", -1); return err }},
		{"history empty user", func() error { _, err := e.History(ctx, ""); return err }},
		{"ingest empty source", func() error {
			_, err := e.IngestDocument(ctx, "u1", "", "", []docs.FragmentInput{{Text: "a"}})
			return err
		}},
		{"ingest empty fragment", func() error {
			_, err := e.IngestDocument(ctx, "u1", "doc.pdf", "", []docs.FragmentInput{{Text: " "}})
			return err
		}},
		{"ingest bad visibility", func() error {
			_, err := e.IngestDocument(ctx, "u1", "doc.pdf", "everyone", []docs.FragmentInput{{Text: "a"}})
			return err
		}},
		{"retrieve negative k", func() error { _, err := e.RetrieveFragments(ctx, "u1", "q", -5); return err }},
		{"purge empty source", func() error { _, err := e.PurgeSource(ctx, ""); return err }},
	}
	for _, tc := range cases {
		err := tc.call()
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("%s: error = %v, want ErrRejected", tc.name, err)
		}
		if Retryable(err) {
			t.Fatalf("%s: rejection reported as retryable", tc.name)
		}
	}
}

func TestDefaultTopKApplied(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 3})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := e.RecordTurn(ctx, "u1", fmt.Sprintf("turn number %d", i)); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
	}

	turns, err := e.Recall(ctx, "u1", "turn", 0)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(turns) != DefaultTopK {
		t.Fatalf("len(turns) = %d, want default %d", len(turns), DefaultTopK)
	}
}

func TestEmbeddingFailureIsUnavailable(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 3, err: fmt.Errorf("%w: connection refused", embedding.ErrUnavailable)})
	ctx := context.Background()

	err := e.RecordTurn(ctx, "u1", "hello")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("RecordTurn() error = %v, want ErrUnavailable", err)
	}
	if !Retryable(err) {
		t.Fatalf("embedding failure not reported retryable")
	}

	_, err = e.RetrieveFragments(ctx, "u1", "query", 3)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("RetrieveFragments() error = %v, want ErrUnavailable", err)
	}
}

func TestDimensionMismatchIsRejected(t *testing.T) {
	// Store expects 3 dimensions, embedder produces 4.
	st := store.NewInMemoryStore(3)
	emb := &stubEmbedder{dim: 4}
	e := New(chat.NewManager(st, emb, 10), docs.NewManager(st, emb), testMetrics(), 0, 0)

	err := e.RecordTurn(context.Background(), "u1", "hello")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("RecordTurn() error = %v, want ErrRejected", err)
	}
	if Retryable(err) {
		t.Fatalf("dimension mismatch reported as retryable")
	}
}

func TestEmptyResultsAreNotErrors(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 3})
	ctx := context.Background()

	turns, err := e.Recall(ctx, "nobody", "anything", 3)
	if err != nil {
		t.Fatalf("Recall() error = %v, want nil", err)
	}
	if len(turns) != 0 {
		t.Fatalf("len(turns) = %d, want 0", len(turns))
	}

	history, err := e.History(ctx, "nobody")
	if err != nil {
		t.Fatalf("History() error = %v, want nil", err)
	}
	if len(history) != 0 {
		t.Fatalf("len(history) = %d, want 0", len(history))
	}

	fragments, err := e.RetrieveFragments(ctx, "nobody", "anything", 3)
	if err != nil {
		t.Fatalf("RetrieveFragments() error = %v, want nil", err)
	}
	if len(fragments) != 0 {
		t.Fatalf("len(fragments) = %d, want 0", len(fragments))
	}

	n, err := e.ClearHistory(ctx, "nobody")
	if err != nil || n != 0 {
		t.Fatalf("ClearHistory() = (%d, %v), want (0, nil)", n, err)
	}
	n, err = e.PurgeSource(ctx, "ghost.pdf")
	if err != nil || n != 0 {
		t.Fatalf("PurgeSource() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestIngestDefaultsToPrivate(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 3})
	ctx := context.Background()

	n, err := e.IngestDocument(ctx, "alice", "doc.pdf", "", []docs.FragmentInput{{Text: "contents"}})
	if err != nil {
		t.Fatalf("IngestDocument() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("stored = %d, want 1", n)
	}

	got, err := e.RetrieveFragments(ctx, "bob", "contents", 3)
	if err != nil {
		t.Fatalf("RetrieveFragments() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unscoped visibility defaulted to shared; bob saw %d fragments", len(got))
	}
}

func TestCanceledContextIsUnavailable(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.RecordTurn(ctx, "u1", "hello")
	if err == nil {
		// The in-memory store ignores the context; the embedder stub does
		// too, so a nil error is acceptable here. What is not acceptable is
		// a rejection.
		return
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("canceled context reported as rejection: %v", err)
	}
}

func TestChatAndDocumentFlows(t *testing.T) {
	e := newTestEngine(&stubEmbedder{dim: 8})
	ctx := context.Background()

	if err := e.RecordTurn(ctx, "u1", "hello there"); err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}
	users, err := e.ListChatUsers(ctx)
	if err != nil {
		t.Fatalf("ListChatUsers() error = %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("ListChatUsers() = %v, want [u1]", users)
	}

	if _, err := e.IngestDocument(ctx, "u1", "guide.pdf", store.VisibilityShared, []docs.FragmentInput{{Text: "hello there"}}); err != nil {
		t.Fatalf("IngestDocument() error = %v", err)
	}
	refs, err := e.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources() error = %v", err)
	}
	if len(refs) != 1 || refs[0].Source != "guide.pdf" {
		t.Fatalf("ListSources() = %v, want [(guide.pdf, u1)]", refs)
	}

	n, err := e.PurgeUserDocuments(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("PurgeUserDocuments() = (%d, %v), want (1, nil)", n, err)
	}
	n, err = e.ClearAllHistory(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearAllHistory() = (%d, %v), want (1, nil)", n, err)
	}
}
