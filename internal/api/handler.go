// Package api provides the aggregator's HTTP surface: the chat
// endpoints, the peer-token authority endpoints, and health probes.
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ragmux/ragmux/internal/config"
	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/orchestrator"
	aggerrors "github.com/ragmux/ragmux/pkg/errors"
	"github.com/ragmux/ragmux/pkg/types"
)

// ServiceName reported by the health endpoint.
const ServiceName = "ragmux"

// Handler handles the aggregator API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	limits config.PipelineConfig
	logger *observability.Logger
}

// NewHandler creates an API handler.
func NewHandler(orch *orchestrator.Orchestrator, limits config.PipelineConfig, logger *observability.Logger) *Handler {
	return &Handler{orch: orch, limits: limits, logger: logger}
}

// Chat handles POST /api/v1/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.orch.ProcessChat(r.Context(), req, bearerToken(r))
	if err != nil {
		if aggerrors.IsKind(err, aggerrors.KindCancelled) {
			// Client is gone; nothing to write.
			return
		}
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ChatStream handles POST /api/v1/chat/stream, emitting the chat event
// protocol as SSE.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, aggerrors.NewInternalError("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.orch.ProcessChatStream(r.Context(), req, bearerToken(r)) {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			h.logger.WithRequestID(r.Context()).Error("marshal stream event", "event", ev.Name, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
			// Client disconnected; the orchestrator sees the context
			// cancellation and stops.
			return
		}
		flusher.Flush()
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

// Ready handles GET /ready. The core is stateless with respect to the
// endpoint catalog, so readiness has no dependency checks.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": map[string]any{},
	})
}

func (h *Handler) decodeRequest(r *http.Request) (*types.ChatRequest, error) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, aggerrors.NewValidationError("invalid JSON: " + err.Error())
	}
	if err := req.Validate(h.limits.DefaultTopK, h.limits.MaxTopK, h.limits.MaxDataSources); err != nil {
		return nil, aggerrors.NewValidationError(err.Error())
	}
	return &req, nil
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	ae := aggerrors.AsAggregatorError(err)
	if ae.Kind == aggerrors.KindInternal {
		// Full detail is logged; the client gets a generic message.
		h.logger.Error("internal error", "error", ae.Message)
		ae = aggerrors.NewInternalError("internal server error")
	}
	h.writeJSON(w, ae.HTTPStatusCode(), errorResponse{
		Error: errorDetail{Message: ae.Message, Type: ae.Kind},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// bearerToken extracts the optional bearer token forwarded to peers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}
