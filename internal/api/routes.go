package api

import "net/http"

// RegisterRoutes registers the chat and health endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.Chat)
	mux.HandleFunc("POST /api/v1/chat/stream", h.ChatStream)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
}

// RegisterRoutes registers the peer-token authority endpoints.
func (h *TokenHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/peer-token", h.Mint)
	mux.HandleFunc("DELETE /api/v1/peer-token", h.Revoke)
	mux.HandleFunc("GET /api/v1/nats/credentials", h.Credentials)
}
