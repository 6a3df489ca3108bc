package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/Hussnain1080/rag-chatbot-pg/internal/chat"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/docs"
	"github.com/Hussnain1080/rag-chatbot-pg/internal/engine"
)

// wsClientMessage is one inbound chat message over the websocket session.
type wsClientMessage struct {
	Text string `json:"text"`
	K    int    `json:"k,omitempty"`
}

// wsReply carries the recalled context for one recorded turn.
type wsReply struct {
	Type      string          `json:"type"`
	Turns     []chat.Turn     `json:"turns"`
	Fragments []docs.Fragment `json:"fragments"`
}

type wsError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// handleChatWS runs an interactive chat session: each inbound message is
// recorded as a turn for the user and answered with the most similar prior
// turns and visible document fragments.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		reply, engErr := s.answerTurn(r, userID, msg)
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if engErr != nil {
			if err := conn.WriteJSON(wsErrorFor(engErr)); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) answerTurn(r *http.Request, userID string, msg wsClientMessage) (wsReply, error) {
	ctx := r.Context()

	// Recall against history before recording, so the new message does not
	// trivially match itself.
	turns, err := s.engine.Recall(ctx, userID, msg.Text, msg.K)
	if err != nil {
		return wsReply{}, err
	}
	fragments, err := s.engine.RetrieveFragments(ctx, userID, msg.Text, msg.K)
	if err != nil {
		return wsReply{}, err
	}
	if err := s.engine.RecordTurn(ctx, userID, msg.Text); err != nil {
		return wsReply{}, err
	}

	if fragments == nil {
		fragments = []docs.Fragment{}
	}
	return wsReply{Type: "reply", Turns: emptyTurns(turns), Fragments: fragments}, nil
}

func wsErrorFor(err error) wsError {
	code := "retrieval_unavailable"
	if !engine.Retryable(err) {
		code = "retrieval_rejected"
	}
	return wsError{
		Type:      "error",
		Code:      code,
		Message:   err.Error(),
		Retryable: engine.Retryable(err),
	}
}
