package transport

import (
	"context"

	"github.com/ragmux/ragmux/pkg/types"
)

// ModelClient issues chat requests to a model peer, over HTTP or the
// tunnel depending on the endpoint URL.
type ModelClient struct {
	http   *HTTPClient
	tunnel *TunnelTransport
}

// NewModelClient creates a model client.
func NewModelClient(http *HTTPClient, tun *TunnelTransport) *ModelClient {
	return &ModelClient{http: http, tunnel: tun}
}

// Chat issues a blocking chat request.
func (c *ModelClient) Chat(ctx context.Context, endpoint types.EndpointRef, messages []types.Message, bearer string) (*types.GenerationResult, error) {
	if endpoint.IsTunneled() {
		return c.tunnel.Chat(ctx, endpoint.TunnelOwner(), endpoint.TunnelSlug(), messages)
	}
	return c.http.Chat(ctx, endpoint.URL, messages, bearer)
}

// ChatStream opens a streaming chat. The returned stream must be
// closed on every exit path.
func (c *ModelClient) ChatStream(ctx context.Context, endpoint types.EndpointRef, messages []types.Message, bearer string) (ChunkStream, error) {
	if endpoint.IsTunneled() {
		return c.tunnel.ChatStream(ctx, endpoint.TunnelOwner(), endpoint.TunnelSlug(), messages)
	}
	return c.http.ChatStream(ctx, endpoint.URL, messages, bearer)
}
