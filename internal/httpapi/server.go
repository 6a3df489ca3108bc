// Package httpapi exposes the retrieval engine over HTTP. It is plain
// request/response plumbing: every policy decision lives in the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/chat"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/config"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/docs"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/engine"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/observability"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/store"
)

type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func New(cfg config.Config, eng *engine.Engine, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up; other sites must not
				// drive a user's chat session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"message": "RAG memory service with PostgreSQL + pgvector",
			"health":  "/healthz",
		})
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/turns", s.handleRecordTurn)
	r.Post("/v1/chat/recall", s.handleRecall)
	r.Get("/v1/chat/history/{user}", s.handleHistory)
	r.Delete("/v1/chat/history/{user}", s.handleClearHistory)
	r.Delete("/v1/chat/history", s.handleClearAllHistory)
	r.Get("/v1/chat/users", s.handleListUsers)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Post("/v1/documents/ingest", s.handleIngest)
	r.Post("/v1/documents/retrieve", s.handleRetrieve)
	r.Get("/v1/documents/sources", s.handleListSources)
	r.Delete("/v1/documents/source/{source}", s.handlePurgeSource)
	r.Delete("/v1/documents/user/{user}", s.handlePurgeUser)
	r.Delete("/v1/documents", s.handlePurgeAll)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"database": s.storeMode(),
	})
}

type recordTurnRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req recordTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.engine.RecordTurn(r.Context(), req.UserID, req.Text); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"status": "recorded"})
}

type recallRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	K      int    `json:"k,omitempty"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	turns, err := s.engine.Recall(r.Context(), req.UserID, req.Query, req.K)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": emptyTurns(turns)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	turns, err := s.engine.History(r.Context(), user)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": emptyTurns(turns)})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	n, err := s.engine.ClearHistory(r.Context(), user)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleClearAllHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearAllHistory(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.engine.ListChatUsers(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

type ingestRequest struct {
	UserID     string               `json:"user_id"`
	Source     string               `json:"source"`
	Visibility string               `json:"visibility,omitempty"`
	Fragments  []docs.FragmentInput `json:"fragments"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	n, err := s.engine.IngestDocument(r.Context(), req.UserID, req.Source, store.Visibility(req.Visibility), req.Fragments)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"ingested": n})
}

type retrieveRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	K      int    `json:"k,omitempty"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	fragments, err := s.engine.RetrieveFragments(r.Context(), req.UserID, req.Query, req.K)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if fragments == nil {
		fragments = []docs.Fragment{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": fragments})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	refs, err := s.engine.ListSources(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if refs == nil {
		refs = []store.SourceRef{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sources": refs})
}

func (s *Server) handlePurgeSource(w http.ResponseWriter, r *http.Request) {
	source, err := url.PathUnescape(chi.URLParam(r, "source"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_source", err.Error())
		return
	}

	var (
		n      int64
		purErr error
	)
	if user := strings.TrimSpace(r.URL.Query().Get("user_id")); user != "" {
		n, purErr = s.engine.PurgeSourceForUser(r.Context(), source, user)
	} else {
		n, purErr = s.engine.PurgeSource(r.Context(), source)
	}
	if purErr != nil {
		respondEngineError(w, purErr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handlePurgeUser(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	n, err := s.engine.PurgeUserDocuments(r.Context(), user)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.PurgeAllDocuments(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgresql+pgvector"
}

func emptyTurns(turns []chat.Turn) []chat.Turn {
	if turns == nil {
		return []chat.Turn{}
	}
	return turns
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrRejected):
		respondError(w, http.StatusBadRequest, "retrieval_rejected", err.Error())
	case errors.Is(err, engine.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "retrieval_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
