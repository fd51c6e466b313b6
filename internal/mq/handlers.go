package mq

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ragmux/ragmux/internal/observability"
	aggerrors "github.com/ragmux/ragmux/pkg/errors"
)

// CredentialVerifier authenticates owner-scoped broker operations.
type CredentialVerifier interface {
	VerifyCredential(credential string) (owner string, err error)
}

// Handler exposes the reserved-queue broker over HTTP.
type Handler struct {
	broker   *Broker
	verifier CredentialVerifier
	logger   *observability.Logger
}

// NewHandler creates a broker HTTP handler.
func NewHandler(broker *Broker, verifier CredentialVerifier, logger *observability.Logger) *Handler {
	return &Handler{broker: broker, verifier: verifier, logger: logger}
}

// RegisterRoutes registers the /mq endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /mq/reserve", h.Reserve)
	mux.HandleFunc("POST /mq/consume", h.Consume)
	mux.HandleFunc("POST /mq/peek", h.Peek)
	mux.HandleFunc("DELETE /mq/clear", h.Clear)
	mux.HandleFunc("POST /mq/release", h.Release)
	mux.HandleFunc("POST /mq/publish", h.Publish)
	mux.HandleFunc("GET /mq/stats", h.Stats)
}

type reserveRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type reserveResponse struct {
	QueueID   string `json:"queue_id"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Reserve handles POST /mq/reserve.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.writeError(w, aggerrors.NewTunnelAuthError(err.Error()))
		return
	}

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	res, err := h.broker.Reserve(owner, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, aggerrors.NewValidationError(err.Error()))
		return
	}

	h.logger.WithRequestID(r.Context()).Info("queue reserved", "queue_id", res.QueueID, "owner", owner)
	h.writeJSON(w, http.StatusOK, reserveResponse{
		QueueID:   res.QueueID,
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.Unix(),
	})
}

type consumeRequest struct {
	QueueID string `json:"queue_id"`
	Token   string `json:"token"`
	Limit   int    `json:"limit"`
}

// Consume handles POST /mq/consume.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	msgs, remaining, err := h.broker.Consume(req.QueueID, req.Token, req.Limit)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages":  emptyIfNil(msgs),
		"remaining": remaining,
	})
}

type peekRequest struct {
	Limit int `json:"limit"`
}

// Peek handles POST /mq/peek.
func (h *Handler) Peek(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.writeError(w, aggerrors.NewTunnelAuthError(err.Error()))
		return
	}

	var req peekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	msgs, total, err := h.broker.Peek(owner, req.Limit)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages": emptyIfNil(msgs),
		"total":    total,
	})
}

// Clear handles DELETE /mq/clear.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.writeError(w, aggerrors.NewTunnelAuthError(err.Error()))
		return
	}

	cleared, err := h.broker.Clear(owner)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cleared": cleared,
	})
}

type releaseRequest struct {
	QueueID string `json:"queue_id"`
	Token   string `json:"token"`
}

// Release handles POST /mq/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	cleared, err := h.broker.Release(req.QueueID, req.Token)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"cleared":  cleared,
		"queue_id": req.QueueID,
	})
}

type publishRequest struct {
	QueueID string          `json:"queue_id"`
	Payload json.RawMessage `json:"payload"`
}

// Publish handles POST /mq/publish. Publication is authorized by
// knowledge of the queue id alone.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	msgID, err := h.broker.Publish(req.QueueID, req.Payload)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"message_id": msgID,
	})
}

// Stats handles GET /mq/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	owner, err := h.owner(r)
	if err != nil {
		h.writeError(w, aggerrors.NewTunnelAuthError(err.Error()))
		return
	}

	queues, depth := h.broker.Stats(owner)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"queues": queues,
		"depth":  depth,
	})
}

func (h *Handler) owner(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	credential, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || credential == "" {
		return "", errMissingCredential
	}
	return h.verifier.VerifyCredential(credential)
}

var errMissingCredential = &aggerrors.AggregatorError{
	StatusCode: http.StatusUnauthorized,
	Message:    "missing bearer credential",
	Kind:       aggerrors.KindTunnelAuth,
}

func (h *Handler) writeBrokerError(w http.ResponseWriter, err error) {
	switch err {
	case ErrNotFound:
		h.writeError(w, &aggerrors.AggregatorError{
			StatusCode: http.StatusNotFound,
			Message:    err.Error(),
			Kind:       aggerrors.KindValidation,
		})
	case ErrUnauthorized:
		h.writeError(w, aggerrors.NewTunnelAuthError(err.Error()))
	case ErrInvalidTTL:
		h.writeError(w, aggerrors.NewValidationError(err.Error()))
	default:
		h.writeError(w, aggerrors.NewInternalError(err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	ae := aggerrors.AsAggregatorError(err)
	h.writeJSON(w, ae.HTTPStatusCode(), map[string]any{
		"error": map[string]string{
			"message": ae.Message,
			"type":    ae.Kind,
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func emptyIfNil(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}
