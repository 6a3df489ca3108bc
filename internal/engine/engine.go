// Package engine is the composition root of the retrieval system. It exposes
// the conversational and document managers as one contract, validating input
// and folding every internal failure into two externally visible classes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/chat"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/docs"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/embedding"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/observability"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

var (
	// ErrUnavailable reports a transient failure (embedding model or store
	// unreachable). The operation did not commit; callers may retry with
	// backoff.
	ErrUnavailable = errors.New("retrieval unavailable")

	// ErrRejected reports invalid input or a configuration error such as a
	// dimension mismatch. Retrying the same request cannot succeed.
	ErrRejected = errors.New("retrieval rejected")
)

const DefaultTopK = 3

// Engine orchestrates the two managers with consistent validation, timeout
// bounding, metrics and error translation.
type Engine struct {
	chat         *chat.Manager
	docs         *docs.Manager
	metrics      *observability.Metrics
	embedTimeout time.Duration
	defaultTopK  int
}

func New(chatMgr *chat.Manager, docsMgr *docs.Manager, metrics *observability.Metrics, embedTimeout time.Duration, defaultTopK int) *Engine {
	if embedTimeout <= 0 {
		embedTimeout = 15 * time.Second
	}
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	return &Engine{
		chat:         chatMgr,
		docs:         docsMgr,
		metrics:      metrics,
		embedTimeout: embedTimeout,
		defaultTopK:  defaultTopK,
	}
}

// RecordTurn embeds and stores one conversational turn for the user,
// evicting oldest turns beyond the history capacity.
func (e *Engine) RecordTurn(ctx context.Context, userID, text string) error {
	done := e.instrument("record_turn")
	if err := requireField("user", userID); err != nil {
		return done(err)
	}
	if err := requireField("text", text); err != nil {
		return done(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()

	evicted, err := e.chat.RecordTurn(ctx, userID, text)
	if err != nil {
		return done(e.translate("record_turn", err))
	}
	if evicted > 0 {
		e.metrics.EvictedTurns.Add(float64(evicted))
	}
	return done(nil)
}

// Recall returns up to k turns for the user ranked by similarity to the query.
func (e *Engine) Recall(ctx context.Context, userID, query string, k int) ([]chat.Turn, error) {
	done := e.instrument("recall")
	if err := requireField("user", userID); err != nil {
		return nil, done(err)
	}
	if err := requireField("text", query); err != nil {
		return nil, done(err)
	}
	k, err := e.normalizeTopK(k)
	if err != nil {
		return nil, done(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()

	turns, err := e.chat.Recall(ctx, userID, query, k)
	if err != nil {
		return nil, done(e.translate("recall", err))
	}
	return turns, done(nil)
}

// History returns the user's full transcript in creation order.
func (e *Engine) History(ctx context.Context, userID string) ([]chat.Turn, error) {
	done := e.instrument("history")
	if err := requireField("user", userID); err != nil {
		return nil, done(err)
	}
	turns, err := e.chat.History(ctx, userID)
	if err != nil {
		return nil, done(e.translate("history", err))
	}
	return turns, done(nil)
}

// ClearHistory deletes the user's turns. Idempotent.
func (e *Engine) ClearHistory(ctx context.Context, userID string) (int64, error) {
	done := e.instrument("clear_history")
	if err := requireField("user", userID); err != nil {
		return 0, done(err)
	}
	n, err := e.chat.Clear(ctx, userID)
	if err != nil {
		return 0, done(e.translate("clear_history", err))
	}
	return n, done(nil)
}

// ClearAllHistory deletes every user's turns. Idempotent.
func (e *Engine) ClearAllHistory(ctx context.Context) (int64, error) {
	done := e.instrument("clear_all_history")
	n, err := e.chat.ClearAll(ctx)
	if err != nil {
		return 0, done(e.translate("clear_all_history", err))
	}
	return n, done(nil)
}

// ListChatUsers returns the distinct user ids that have stored history.
func (e *Engine) ListChatUsers(ctx context.Context) ([]string, error) {
	done := e.instrument("list_chat_users")
	users, err := e.chat.ListUsers(ctx)
	if err != nil {
		return nil, done(e.translate("list_chat_users", err))
	}
	return users, done(nil)
}

// IngestDocument stores a batch of fragments for one source document. The
// whole batch commits or none of it does.
func (e *Engine) IngestDocument(ctx context.Context, userID, source string, visibility store.Visibility, fragments []docs.FragmentInput) (int, error) {
	done := e.instrument("ingest")
	if err := requireField("user", userID); err != nil {
		return 0, done(err)
	}
	if err := requireField("source", source); err != nil {
		return 0, done(err)
	}
	visibility, err := normalizeVisibility(visibility)
	if err != nil {
		return 0, done(err)
	}
	for i, f := range fragments {
		if strings.TrimSpace(f.Text) == "" {
			return 0, done(fmt.Errorf("%w: fragment %d has empty text", ErrRejected, i))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()

	n, err := e.docs.Ingest(ctx, userID, source, visibility, fragments)
	if err != nil {
		return 0, done(e.translate("ingest", err))
	}
	e.metrics.IngestedFragments.Add(float64(n))
	return n, done(nil)
}

// RetrieveFragments returns up to k fragments visible to the user, ranked by
// similarity across the user's own and all shared fragments.
func (e *Engine) RetrieveFragments(ctx context.Context, userID, query string, k int) ([]docs.Fragment, error) {
	done := e.instrument("retrieve")
	if err := requireField("user", userID); err != nil {
		return nil, done(err)
	}
	if err := requireField("text", query); err != nil {
		return nil, done(err)
	}
	k, err := e.normalizeTopK(k)
	if err != nil {
		return nil, done(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()

	fragments, err := e.docs.Retrieve(ctx, userID, query, k)
	if err != nil {
		return nil, done(e.translate("retrieve", err))
	}
	return fragments, done(nil)
}

// ListSources returns the distinct (source, uploader) pairs in the store.
func (e *Engine) ListSources(ctx context.Context) ([]store.SourceRef, error) {
	done := e.instrument("list_sources")
	refs, err := e.docs.ListSources(ctx)
	if err != nil {
		return nil, done(e.translate("list_sources", err))
	}
	return refs, done(nil)
}

// PurgeSource removes every fragment of the named source.
func (e *Engine) PurgeSource(ctx context.Context, source string) (int64, error) {
	done := e.instrument("purge_source")
	if err := requireField("source", source); err != nil {
		return 0, done(err)
	}
	n, err := e.docs.PurgeBySource(ctx, source)
	if err != nil {
		return 0, done(e.translate("purge_source", err))
	}
	return n, done(nil)
}

// PurgeSourceForUser removes the named source's fragments for one uploader.
func (e *Engine) PurgeSourceForUser(ctx context.Context, source, userID string) (int64, error) {
	done := e.instrument("purge_source_user")
	if err := requireField("source", source); err != nil {
		return 0, done(err)
	}
	if err := requireField("user", userID); err != nil {
		return 0, done(err)
	}
	n, err := e.docs.PurgeBySourceAndUser(ctx, source, userID)
	if err != nil {
		return 0, done(e.translate("purge_source_user", err))
	}
	return n, done(nil)
}

// PurgeUserDocuments removes every fragment uploaded by the user.
func (e *Engine) PurgeUserDocuments(ctx context.Context, userID string) (int64, error) {
	done := e.instrument("purge_user_documents")
	if err := requireField("user", userID); err != nil {
		return 0, done(err)
	}
	n, err := e.docs.PurgeByUser(ctx, userID)
	if err != nil {
		return 0, done(e.translate("purge_user_documents", err))
	}
	return n, done(nil)
}

// PurgeAllDocuments removes every fragment.
func (e *Engine) PurgeAllDocuments(ctx context.Context) (int64, error) {
	done := e.instrument("purge_all_documents")
	n, err := e.docs.PurgeAll(ctx)
	if err != nil {
		return 0, done(e.translate("purge_all_documents", err))
	}
	return n, done(nil)
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// translate folds internal failure modes into the two public classes.
// Empty results never reach here: an unknown user or source is a valid
// empty-result case, not a failure.
func (e *Engine) translate(op string, err error) error {
	switch {
	case errors.Is(err, embedding.ErrUnavailable):
		e.metrics.EmbeddingErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, store.ErrDimensionMismatch):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// instrument starts a timer for op and returns a closer that records the
// outcome and passes the error through.
func (e *Engine) instrument(op string) func(error) error {
	start := time.Now()
	return func(err error) error {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrRejected):
			outcome = "rejected"
		case err != nil:
			outcome = "unavailable"
		}
		e.metrics.ObserveOperation(op, outcome, time.Since(start))
		return err
	}
}

func (e *Engine) normalizeTopK(k int) (int, error) {
	if k == 0 {
		return e.defaultTopK, nil
	}
	if k < 0 {
		return 0, fmt.Errorf("%w: k must be positive, got %d", ErrRejected, k)
	}
	return k, nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrRejected, name)
	}
	return nil
}

func normalizeVisibility(v store.Visibility) (store.Visibility, error) {
	switch v {
	case "":
		return store.VisibilityPrivate, nil
	case store.VisibilityPrivate, store.VisibilityShared:
		return v, nil
	default:
		return "", fmt.Errorf("%w: invalid visibility %q (expected private|shared)", ErrRejected, v)
	}
}
