package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ragmux/ragmux/internal/observability"
	"github.com/ragmux/ragmux/pkg/types"
)

// DataSourceClient issues one retrieval query to one data-source peer,
// over HTTP or the tunnel depending on the endpoint URL. Remote
// failures come back as typed results, never as errors.
type DataSourceClient struct {
	http   *HTTPClient
	tunnel *TunnelTransport
	logger *observability.Logger
}

// NewDataSourceClient creates a data-source client.
func NewDataSourceClient(http *HTTPClient, tun *TunnelTransport, logger *observability.Logger) *DataSourceClient {
	return &DataSourceClient{http: http, tunnel: tun, logger: logger}
}

// Query performs one fan-out leg and returns its result. The caller's
// context carries the per-call retrieval deadline.
func (c *DataSourceClient) Query(ctx context.Context, endpoint types.EndpointRef, query string, topK int, bearer string) types.RetrievalResult {
	start := time.Now()

	var (
		docs []types.Document
		err  error
	)
	if endpoint.IsTunneled() {
		docs, err = c.tunnel.Query(ctx, endpoint.TunnelOwner(), endpoint.TunnelSlug(), query, topK)
	} else {
		docs, err = c.http.Query(ctx, endpoint.URL, query, topK, bearer)
	}

	latency := time.Since(start).Milliseconds()
	if err != nil {
		status := classifyFailure(err)
		c.logger.WithRequestID(ctx).Warn("retrieval leg failed",
			"endpoint", endpoint.Path(), "status", string(status), "error", err)
		return types.RetrievalResult{
			EndpointPath: endpoint.Path(),
			Documents:    []types.Document{},
			Status:       status,
			ErrorMessage: err.Error(),
			LatencyMs:    latency,
		}
	}

	return types.RetrievalResult{
		EndpointPath: endpoint.Path(),
		Documents:    docs,
		Status:       types.StatusSuccess,
		LatencyMs:    latency,
	}
}

// classifyFailure maps a transport error to a retrieval status.
func classifyFailure(err error) types.RetrievalStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.StatusTimeout
	}
	return types.StatusError
}
