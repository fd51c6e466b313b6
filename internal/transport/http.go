package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/ragmux/ragmux/pkg/types"
)

// errorBodyLimit caps how much of a non-2xx body is echoed back.
const errorBodyLimit = 200

// HTTPClient issues requests to directly dialable peers. The two
// underlying clients are process-wide pools with per-call-class
// timeouts (retrieval vs generation).
type HTTPClient struct {
	retrieval  *http.Client
	generation *http.Client
}

// NewHTTPClient creates the shared HTTP peer client.
func NewHTTPClient(retrieval, generation *http.Client) *HTTPClient {
	return &HTTPClient{retrieval: retrieval, generation: generation}
}

// Close releases idle pooled connections.
func (c *HTTPClient) Close() {
	c.retrieval.CloseIdleConnections()
	c.generation.CloseIdleConnections()
}

// Query issues a retrieval query against a data-source peer.
func (c *HTTPClient) Query(ctx context.Context, baseURL, query string, topK int, bearer string) ([]types.Document, error) {
	body, err := c.post(ctx, c.retrieval, joinURL(baseURL, "query"), queryPayload{Query: query, TopK: topK}, bearer)
	if err != nil {
		return nil, err
	}
	return parseDocuments(body)
}

// Chat issues a blocking chat request against a model peer.
func (c *HTTPClient) Chat(ctx context.Context, baseURL string, messages []types.Message, bearer string) (*types.GenerationResult, error) {
	body, err := c.post(ctx, c.generation, joinURL(baseURL, "chat"), chatPayload{Messages: messages}, bearer)
	if err != nil {
		return nil, err
	}

	var reply chatReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("parse chat reply: %w", err)
	}
	return &types.GenerationResult{
		Response:    reply.Message.Content,
		Usage:       reply.Usage,
		ProfitShare: reply.ProfitShare,
	}, nil
}

// ChatStream opens a streaming chat against a model peer. The peer
// frames chunks as SSE data lines carrying {"content":"..."} fragments,
// terminated by a [DONE] sentinel.
func (c *HTTPClient) ChatStream(ctx context.Context, baseURL string, messages []types.Message, bearer string) (ChunkStream, error) {
	raw, err := json.Marshal(chatPayload{Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "chat"), bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.generation.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, httpStatusError(resp)
	}

	return newSSEStream(resp.Body), nil
}

func (c *HTTPClient) post(ctx context.Context, client *http.Client, url string, payload any, bearer string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpStatusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func httpStatusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(snippet))
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}

// sseStream parses an SSE body into content chunks. A single chunk is
// buffered at most; partial chunks are surfaced as they arrive.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), 4096*16)
	return &sseStream{body: body, scanner: scanner}
}

// Recv returns the next content chunk. Returns io.EOF at the [DONE]
// sentinel or normal end of body.
func (s *sseStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if bytes.Equal(line, []byte("[DONE]")) {
			s.closeLocked()
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Comments and keep-alives are not content.
			continue
		}
		return chunk.Content, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.closeLocked()
		return "", err
	}
	s.closeLocked()
	return "", io.EOF
}

// Close aborts the stream. Safe to call multiple times.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *sseStream) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
