package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use and tests. It keeps
// the same contract as the Postgres store, including the capped-append
// atomicity: every mutation happens under one lock hold.
type InMemoryStore struct {
	mu      sync.RWMutex
	dim     int
	nextSeq int64
	records map[string]Record
}

func NewInMemoryStore(dim int) *InMemoryStore {
	return &InMemoryStore{dim: dim, records: make(map[string]Record)}
}

func (s *InMemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertLocked(rec)
	return err
}

func (s *InMemoryStore) InsertBatch(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		if len(rec.Embedding) != s.dim {
			return fmt.Errorf("%w: record has %d dimensions, store wants %d", ErrDimensionMismatch, len(rec.Embedding), s.dim)
		}
	}
	for _, rec := range recs {
		if _, err := s.insertLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) AppendTurnCapped(_ context.Context, rec Record, capacity int) (int64, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("append turn: capacity must be positive, got %d", capacity)
	}
	rec.Kind = KindTurn

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rec.Embedding) != s.dim {
		return 0, fmt.Errorf("%w: record has %d dimensions, store wants %d", ErrDimensionMismatch, len(rec.Embedding), s.dim)
	}

	owned := s.matchingLocked(Predicate{Kind: KindTurn, Owner: rec.Owner})
	sortChronological(owned)

	var evicted int64
	if surplus := len(owned) - capacity + 1; surplus > 0 {
		for _, old := range owned[:surplus] {
			delete(s.records, old.ID)
			evicted++
		}
	}

	if _, err := s.insertLocked(rec); err != nil {
		return 0, err
	}
	return evicted, nil
}

// insertLocked assigns identity, sequence and timestamp, then stores the
// record. Duplicate explicit ids are a no-op.
func (s *InMemoryStore) insertLocked(rec Record) (Record, error) {
	if len(rec.Embedding) != s.dim {
		return Record{}, fmt.Errorf("%w: record has %d dimensions, store wants %d", ErrDimensionMismatch, len(rec.Embedding), s.dim)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.records[rec.ID]; exists {
		return rec, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.nextSeq++
	rec.Seq = s.nextSeq
	s.records[rec.ID] = rec
	return rec, nil
}

func (s *InMemoryStore) DeleteWhere(_ context.Context, pred Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.records {
		if matches(pred, rec) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) QueryNearest(_ context.Context, pred Predicate, vec []float32, k int) ([]Record, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, store wants %d", ErrDimensionMismatch, len(vec), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	matched := s.matchingLocked(pred)
	s.mu.RUnlock()

	type scored struct {
		rec  Record
		dist float64
	}
	results := make([]scored, 0, len(matched))
	for _, rec := range matched {
		results = append(results, scored{rec: rec, dist: cosineDistance(vec, rec.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].dist != results[j].dist {
			return results[i].dist < results[j].dist
		}
		return results[i].rec.Seq < results[j].rec.Seq
	})

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Record, 0, len(results))
	for _, r := range results {
		out = append(out, r.rec)
	}
	return out, nil
}

func (s *InMemoryStore) ListChronological(_ context.Context, pred Predicate) ([]Record, error) {
	s.mu.RLock()
	matched := s.matchingLocked(pred)
	s.mu.RUnlock()

	sortChronological(matched)
	return matched, nil
}

func (s *InMemoryStore) CountWhere(_ context.Context, pred Predicate) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if matches(pred, rec) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListSources(_ context.Context) ([]SourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[SourceRef]struct{})
	for _, rec := range s.records {
		if rec.Kind != KindFragment {
			continue
		}
		seen[SourceRef{Source: rec.Source, Uploader: rec.Owner}] = struct{}{}
	}
	out := make([]SourceRef, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Uploader < out[j].Uploader
	})
	return out, nil
}

func (s *InMemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range s.records {
		if rec.Kind == KindTurn {
			seen[rec.Owner] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for owner := range seen {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) matchingLocked(pred Predicate) []Record {
	var out []Record
	for _, rec := range s.records {
		if matches(pred, rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func matches(pred Predicate, rec Record) bool {
	if pred.Kind != "" && rec.Kind != pred.Kind {
		return false
	}
	if pred.ID != "" && rec.ID != pred.ID {
		return false
	}
	if pred.Owner != "" && rec.Owner != pred.Owner {
		return false
	}
	if pred.Source != "" && rec.Source != pred.Source {
		return false
	}
	if pred.Visibility != "" && rec.Visibility != pred.Visibility {
		return false
	}
	if pred.VisibleTo != "" && rec.Owner != pred.VisibleTo && rec.Visibility != VisibilityShared {
		return false
	}
	return true
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func sortChronological(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Seq < recs[j].Seq
	})
}

// cosineDistance is 1 - cosine similarity; lower means more similar. A zero
// vector has no direction, so its distance to anything is 1.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
