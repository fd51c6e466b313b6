package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ragmux/ragmux/internal/metrics"
)

// PeerToken is a short-lived credential authorising its holder to
// address a set of peer owners on the bus. Expiry is enforced by the
// backing TTL store; an expired token is indistinguishable from an
// absent one.
type PeerToken struct {
	Token         string   `json:"token"`
	PeerChannel   string   `json:"peer_channel"`
	UserID        string   `json:"user_id"`
	TargetOwners  []string `json:"target_owners"`
	ExpiresIn     int64    `json:"expires_in_seconds"`
	TransportURL  string   `json:"transport_url"`
	TransportAuth string   `json:"transport_auth"`
}

// Authority mints and validates peer tokens.
type Authority struct {
	store        *gocache.Cache
	expire       time.Duration
	transportURL string
	secret       []byte
}

// AuthorityConfig configures the peer-token authority.
type AuthorityConfig struct {
	Expire           time.Duration
	TransportURL     string
	CredentialSecret string
}

// NewAuthority creates a peer-token authority backed by an in-process
// TTL store.
func NewAuthority(cfg AuthorityConfig) *Authority {
	secret := []byte(cfg.CredentialSecret)
	if len(secret) == 0 {
		// Ephemeral secret: credentials survive only this process.
		b := make([]byte, 32)
		_, _ = rand.Read(b)
		secret = b
	}
	return &Authority{
		store:        gocache.New(cfg.Expire, cfg.Expire*2),
		expire:       cfg.Expire,
		transportURL: cfg.TransportURL,
		secret:       secret,
	}
}

// Mint allocates a token and a distinct reply channel scoped to the
// given target owners, and persists the record under the token with TTL.
func (a *Authority) Mint(userID string, targetOwners []string) (*PeerToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if len(targetOwners) == 0 {
		return nil, fmt.Errorf("at least one target owner is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	channel := "peer.reply." + uuid.NewString()
	auth, err := a.TransportCredential(userID, channel)
	if err != nil {
		return nil, err
	}

	token := &PeerToken{
		Token:         hex.EncodeToString(raw),
		PeerChannel:   channel,
		UserID:        userID,
		TargetOwners:  append([]string(nil), targetOwners...),
		ExpiresIn:     int64(a.expire.Seconds()),
		TransportURL:  a.transportURL,
		TransportAuth: auth,
	}

	a.store.Set(token.Token, token, a.expire)
	metrics.PeerTokensMinted.Inc()
	return token, nil
}

// Validate returns the stored record iff the token has not expired.
func (a *Authority) Validate(token string) (*PeerToken, bool) {
	v, found := a.store.Get(token)
	if !found {
		return nil, false
	}
	pt, ok := v.(*PeerToken)
	return pt, ok
}

// Revoke removes a token before its natural expiry.
func (a *Authority) Revoke(token string) {
	a.store.Delete(token)
}

// TransportCredential mints a signed transport credential for a user.
// The channel claim scopes which reply channel the holder may consume.
func (a *Authority) TransportCredential(userID, channel string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(a.expire).Unix(),
	}
	if channel != "" {
		claims["channel"] = channel
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign transport credential: %w", err)
	}
	return signed, nil
}

// VerifyCredential parses and verifies a transport credential, returning
// the subject user id.
func (a *Authority) VerifyCredential(credential string) (string, error) {
	parsed, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	return sub, nil
}
