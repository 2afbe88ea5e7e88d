package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"predix-agent-backend/internal/dialogue"
	"predix-agent-backend/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ConversationResponse is the debug view of a stored conversation.
type ConversationResponse struct {
	ConversationID string                   `json:"conversation_id"`
	UserID         string                   `json:"user_id,omitempty"`
	Messages       []dialogue.TimelineEntry `json:"messages"`
	Slots          dialogue.SlotSet         `json:"slots"`
	FlowSeq        int                      `json:"flow_seq"`
	FlowState      dialogue.FlowState       `json:"flow_state"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

type ConversationListResponse struct {
	Conversations []store.Summary `json:"conversations"`
}

// GET /api/conversations/{conversationID}
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	conv, err := s.store.Load(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("conv_id", id).Msg("load conversation")
		s.writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	if len(conv.Turns) == 0 {
		s.writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Messages:       conv.Timeline(),
		Slots:          conv.Slots,
		FlowSeq:        conv.Flow.Seq,
		FlowState:      dialogue.MarketState(conv.Slots, conv.Flow),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	})
}

// GET /api/conversations?limit=
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := s.store.List(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list conversations")
		s.writeError(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, ConversationListResponse{Conversations: list})
}
