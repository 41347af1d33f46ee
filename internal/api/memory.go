package api

import (
	"net/http"
	"time"

	"github.com/nugget/aria/internal/codemem"
)

// GET /v1/memory
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Facts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "long-term memory not configured")
		return
	}
	facts := s.deps.Facts.All()
	if facts == nil {
		facts = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"facts": facts,
		"count": len(facts),
	})
}

// GET /v1/code?language=go
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snippets == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "code memory not configured")
		return
	}
	lang := r.URL.Query().Get("language")

	out := []codemem.Snippet{}
	for _, sn := range s.deps.Snippets.All() {
		if lang != "" && sn.Language != lang {
			continue
		}
		out = append(out, sn)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"snippets": out,
		"count":    len(out),
	})
}

// GET /v1/usage?hours=24&group=model
//
// group may be model, kind, or conversation. Without it only the
// totals are returned.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	total, err := s.deps.Usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	resp := map[string]any{
		"start": start.UTC(),
		"end":   end.UTC(),
		"total": total,
	}

	group := r.URL.Query().Get("group")
	switch group {
	case "":
	case "model":
		resp["by_model"], err = s.deps.Usage.SummaryByModel(ctx, start, end)
	case "kind":
		resp["by_kind"], err = s.deps.Usage.SummaryByKind(ctx, start, end)
	case "conversation":
		resp["by_conversation"], err = s.deps.Usage.SummaryByConversation(ctx, start, end)
	default:
		s.errorResponse(w, http.StatusBadRequest, "group must be model, kind, or conversation")
		return
	}
	if err != nil {
		s.logger.Error("usage breakdown failed", "group", group, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// GET /v1/planner/audit?limit=50
func (s *Server) handlePlannerAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "planner not configured")
		return
	}
	limit := parseIntParam(r, "limit", 50)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"decisions": s.deps.Planner.AuditLog(limit),
		"stats":     s.deps.Planner.Stats(),
	})
}
