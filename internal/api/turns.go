package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/aria/internal/events"
	"github.com/nugget/aria/internal/orchestrator"
	"github.com/nugget/aria/internal/planner"
)

const (
	// eventBuffer sizes bus subscriptions for streaming clients.
	eventBuffer = 256
	// streamWriteWindow is how long a streaming response may go
	// without a write before the server gives up on the client.
	streamWriteWindow = 120 * time.Second
)

// turnRequest is the body of POST /v1/turns.
type turnRequest struct {
	orchestrator.Input
	Stream bool `json:"stream,omitempty"`
}

type turnFunc func(ctx context.Context) (*orchestrator.Result, error)

// POST /v1/turns
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runTurn(w, r, req.Stream || wantsStream(r), func(ctx context.Context) (*orchestrator.Result, error) {
		return s.deps.Engine.Send(ctx, req.Input)
	})
}

// POST /v1/conversations/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.runTurn(w, r, wantsStream(r), func(ctx context.Context) (*orchestrator.Result, error) {
		return s.deps.Engine.Retry(ctx, id)
	})
}

// POST /v1/conversations/{id}/messages/{mid}/edit {"text": "..."}
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	id, mid := r.PathValue("id"), r.PathValue("mid")
	s.runTurn(w, r, wantsStream(r), func(ctx context.Context) (*orchestrator.Result, error) {
		return s.deps.Engine.EditAndResend(ctx, id, mid, req.Text)
	})
}

// POST /v1/images confirms a pending image request.
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	var opts orchestrator.ImageOptions
	if err := decodeBody(r, &opts); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runTurn(w, r, wantsStream(r), func(ctx context.Context) (*orchestrator.Result, error) {
		return s.deps.Engine.GenerateImages(ctx, opts)
	})
}

// POST /v1/turns/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.deps.Engine.Cancel()})
}

// POST /v1/tool {"tool": "web_search"}. "none" or "" clears the pin.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool string `json:"tool"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ov, err := planner.ParseOverride(req.Tool)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Engine.PinTool(ov)
	s.writeJSON(w, http.StatusOK, map[string]string{"tool": string(ov)})
}

func wantsStream(r *http.Request) bool {
	return r.URL.Query().Get("stream") == "true"
}

// runTurn executes fn and answers with its Result. A turn that ran and
// failed still answers 200: the failure is in the Result and the
// transcript. Only rejections map to error statuses.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, stream bool, fn turnFunc) {
	if stream && s.deps.Bus != nil {
		s.streamTurn(w, r, fn)
		return
	}

	res, err := fn(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// streamTurn relays orchestrator events as SSE while fn runs, then
// sends a final "result" or "error" event.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, fn turnFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the turn starts so no early event is missed.
	ch := s.deps.Bus.Subscribe(eventBuffer, events.FromSource(events.SourceOrchestrator))
	defer s.deps.Bus.Unsubscribe(ch)

	type outcome struct {
		res *orchestrator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(r.Context())
		done <- outcome{res, err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	relay := func(e events.Event) {
		s.writeSSE(w, e.Kind, e)
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteWindow)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	for {
		select {
		case e := <-ch:
			relay(e)
		case out := <-done:
			// Flush what the turn published before it returned.
			for drained := false; !drained; {
				select {
				case e := <-ch:
					relay(e)
				default:
					drained = true
				}
			}
			if out.err != nil {
				s.writeSSE(w, "error", map[string]any{
					"message": out.err.Error(),
					"code":    statusFor(out.err),
				})
			} else {
				s.writeSSE(w, "result", out.res)
			}
			flusher.Flush()
			return
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal SSE payload", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "event", event, "error", err)
	}
}
