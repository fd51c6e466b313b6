package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/internal/tunnel"
	aggerrors "github.com/ragmux/ragmux/pkg/errors"
)

// UserIDHeader names the header carrying the caller's identity. The
// aggregator receives identity from an external login layer; it does
// not authenticate users itself.
const UserIDHeader = "X-User-ID"

// TokenHandler exposes the peer-token authority over HTTP.
type TokenHandler struct {
	authority *tunnel.Authority
	logger    *observability.Logger
}

// NewTokenHandler creates the peer-token HTTP handler.
func NewTokenHandler(authority *tunnel.Authority, logger *observability.Logger) *TokenHandler {
	return &TokenHandler{authority: authority, logger: logger}
}

type mintRequest struct {
	TargetUsernames []string `json:"target_usernames"`
}

type mintResponse struct {
	PeerToken    string `json:"peer_token"`
	PeerChannel  string `json:"peer_channel"`
	ExpiresIn    int64  `json:"expires_in"`
	TransportURL string `json:"transport_url"`
}

// Mint handles POST /api/v1/peer-token.
func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	userID, err := identify(r)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTokenError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	token, err := h.authority.Mint(userID, req.TargetUsernames)
	if err != nil {
		writeTokenError(w, aggerrors.NewValidationError(err.Error()))
		return
	}

	h.logger.WithRequestID(r.Context()).Info("peer token minted",
		"user_id", userID, "targets", len(token.TargetOwners))
	writeTokenJSON(w, http.StatusOK, mintResponse{
		PeerToken:    token.Token,
		PeerChannel:  token.PeerChannel,
		ExpiresIn:    token.ExpiresIn,
		TransportURL: token.TransportURL,
	})
}

type revokeRequest struct {
	Token string `json:"token"`
}

// Revoke handles DELETE /api/v1/peer-token.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if _, err := identify(r); err != nil {
		writeTokenError(w, err)
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTokenError(w, aggerrors.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	h.authority.Revoke(req.Token)
	writeTokenJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Credentials handles GET /api/v1/nats/credentials, returning a signed
// transport auth token for the caller.
func (h *TokenHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	userID, err := identify(r)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	credential, err := h.authority.TransportCredential(userID, "")
	if err != nil {
		writeTokenError(w, aggerrors.NewInternalError(err.Error()))
		return
	}

	writeTokenJSON(w, http.StatusOK, map[string]string{"nats_auth_token": credential})
}

// identify resolves the caller's identity from the forwarded headers.
// A bearer token must be present; the user id rides alongside it.
func identify(r *http.Request) (string, error) {
	if bearerToken(r) == "" {
		return "", aggerrors.NewTunnelAuthError("missing bearer token")
	}
	if userID := r.Header.Get(UserIDHeader); userID != "" {
		return userID, nil
	}
	return "", aggerrors.NewTunnelAuthError("missing " + UserIDHeader + " header")
}

func writeTokenError(w http.ResponseWriter, err error) {
	ae := aggerrors.AsAggregatorError(err)
	writeTokenJSON(w, ae.HTTPStatusCode(), errorResponse{
		Error: errorDetail{Message: ae.Message, Type: ae.Kind},
	})
}

func writeTokenJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
