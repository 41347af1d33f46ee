package api

import (
	"net/http"
	"time"
)

// conversationSummary is the list view of a conversation.
type conversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Pinned       bool      `json:"pinned"`
	Active       bool      `json:"active"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GET /v1/conversations
func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Engine.Status().ActiveConversation
	convs := s.deps.Conversations.List()

	out := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			Pinned:       c.Pinned,
			Active:       c.ID == active,
			MessageCount: len(c.Messages),
			UpdatedAt:    c.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"active":        active,
	})
}

// POST /v1/conversations creates and selects an empty conversation.
func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusCreated, s.deps.Engine.NewConversation())
}

// GET /v1/conversations/{id}
func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Conversations.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

// DELETE /v1/conversations/{id}
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.DeleteConversation(r.PathValue("id")); err != nil {
		s.engineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/conversations/{id}/select
func (s *Server) handleConversationSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.SelectConversation(id); err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"active": id})
}

// POST /v1/conversations/{id}/pin {"pinned": true}. An empty body pins.
func (s *Server) handleConversationPin(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Pinned *bool `json:"pinned"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	pinned := req.Pinned == nil || *req.Pinned

	c, err := s.deps.Engine.SetPinned(r.PathValue("id"), pinned)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}
