package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"

	"github.com/ragmux/ragmux/internal/tunnel"
	"github.com/ragmux/ragmux/pkg/types"
)

// TunnelTransport reaches peers through the pub/sub tunnel. Request
// payloads mirror the HTTP wire contract; replies arrive as response
// envelopes collated by the tunnel client.
type TunnelTransport struct {
	client *tunnel.Client
}

// NewTunnelTransport wraps a tunnel client.
func NewTunnelTransport(client *tunnel.Client) *TunnelTransport {
	return &TunnelTransport{client: client}
}

// Query issues a retrieval query to a tunneled data source.
func (t *TunnelTransport) Query(ctx context.Context, owner, slug, query string, topK int) ([]types.Document, error) {
	payload, err := json.Marshal(queryPayload{Query: query, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal query payload: %w", err)
	}

	resp, err := t.client.Request(ctx, owner, slug, tunnel.EndpointDataSource, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status == tunnel.ResponseError {
		return nil, tunnelPeerError(resp)
	}
	return parseDocuments(resp.Payload)
}

// Chat issues a blocking chat to a tunneled model peer.
func (t *TunnelTransport) Chat(ctx context.Context, owner, slug string, messages []types.Message) (*types.GenerationResult, error) {
	payload, err := json.Marshal(chatPayload{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	resp, err := t.client.Request(ctx, owner, slug, tunnel.EndpointModel, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status == tunnel.ResponseError {
		return nil, tunnelPeerError(resp)
	}

	var reply chatReply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		return nil, fmt.Errorf("parse chat reply: %w", err)
	}
	return &types.GenerationResult{
		Response:    reply.Message.Content,
		Usage:       reply.Usage,
		ProfitShare: reply.ProfitShare,
	}, nil
}

// ChatStream opens a streaming chat to a tunneled model peer. Chunks
// are response envelopes in ascending chunk_index order; the final
// envelope ends the stream.
func (t *TunnelTransport) ChatStream(ctx context.Context, owner, slug string, messages []types.Message) (ChunkStream, error) {
	payload, err := json.Marshal(chatPayload{Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	responses, cancel, err := t.client.Stream(ctx, owner, slug, tunnel.EndpointModel, payload)
	if err != nil {
		return nil, err
	}
	return &tunnelStream{responses: responses, cancel: cancel}, nil
}

func tunnelPeerError(resp *tunnel.ResponseEnvelope) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(resp.Payload, &body)
	if body.Message == "" {
		body.Message = "peer returned an error"
	}
	if resp.ErrorCode != "" {
		return fmt.Errorf("%s: %s", resp.ErrorCode, body.Message)
	}
	return fmt.Errorf("%s", body.Message)
}

// tunnelStream adapts collated response envelopes to a ChunkStream.
type tunnelStream struct {
	responses <-chan *tunnel.ResponseEnvelope
	cancel    func()

	mu     sync.Mutex
	closed bool
}

func (s *tunnelStream) Recv() (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", io.EOF
	}
	s.mu.Unlock()

	for resp := range s.responses {
		if resp.Status == tunnel.ResponseError {
			s.Close()
			return "", tunnelPeerError(resp)
		}

		var chunk streamChunk
		if len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, &chunk); err != nil {
				s.Close()
				return "", fmt.Errorf("parse stream chunk: %w", err)
			}
		}

		if resp.Final {
			s.Close()
			if chunk.Content != "" {
				return chunk.Content, nil
			}
			return "", io.EOF
		}
		return chunk.Content, nil
	}

	s.Close()
	return "", io.EOF
}

func (s *tunnelStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}
