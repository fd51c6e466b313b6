package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ragmux/ragmux/internal/metrics"
	"github.com/ragmux/ragmux/internal/observability"
)

// TokenSource mints peer tokens. In-process deployments use the
// Authority directly; a remote authority would sit behind the same
// interface.
type TokenSource interface {
	Mint(userID string, targetOwners []string) (*PeerToken, error)
}

// DialFunc opens a bus connection with the given transport parameters.
type DialFunc func(ctx context.Context, url, auth string) (Bus, error)

// Client is the request/reply correlation layer over the bus. It
// publishes request envelopes to peer inboxes and collates responses
// on the token's reply channel by correlation id.
type Client struct {
	tokens TokenSource
	dial   DialFunc
	sender string
	logger *observability.Logger

	mu     sync.Mutex
	conns  map[string]Bus        // transport url -> connection
	cached map[string]*PeerToken // target owner -> unexpired token
	minted map[string]time.Time  // target owner -> mint time
}

// NewClient creates a tunnel client. sender is the owner namespace the
// aggregator publishes under.
func NewClient(tokens TokenSource, dial DialFunc, sender string, logger *observability.Logger) *Client {
	return &Client{
		tokens: tokens,
		dial:   dial,
		sender: sender,
		logger: logger,
		conns:  make(map[string]Bus),
		cached: make(map[string]*PeerToken),
		minted: make(map[string]time.Time),
	}
}

// Request performs a unary request against a tunneled peer. It resolves
// when a response envelope with final=true arrives, or fails on deadline.
func (c *Client) Request(ctx context.Context, targetOwner, slug, endpointType string, payload json.RawMessage) (*ResponseEnvelope, error) {
	responses, cancel, err := c.Stream(ctx, targetOwner, slug, endpointType, payload)
	if err != nil {
		return nil, err
	}
	defer cancel()

	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				// A close without a final envelope is never a complete
				// reply, even if chunks arrived first.
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("tunnel reply channel closed before final response")
			}
			if resp.Final {
				return resp, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stream performs a streaming request against a tunneled peer. Response
// envelopes are delivered in ascending chunk_index order; the channel
// closes after the final envelope. The returned cancel func releases
// the subscription and must always be called.
func (c *Client) Stream(ctx context.Context, targetOwner, slug, endpointType string, payload json.RawMessage) (<-chan *ResponseEnvelope, func(), error) {
	token, err := c.token(targetOwner)
	if err != nil {
		return nil, nil, err
	}

	bus, err := c.conn(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	// Subscribe before publish so the first reply cannot be missed.
	sub, err := bus.Subscribe(ctx, token.PeerChannel)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe reply channel: %w", err)
	}

	requestID := uuid.NewString()
	correlationID := observability.RequestIDFromContext(ctx)
	if correlationID == "" {
		correlationID = requestID
	}

	var deadlineMs int64
	if dl, ok := ctx.Deadline(); ok {
		deadlineMs = time.Until(dl).Milliseconds()
	}

	env := Envelope{
		ProtocolVersion: ProtocolVersion,
		RequestID:       requestID,
		CorrelationID:   correlationID,
		ReplyTo:         token.PeerChannel,
		SenderOwner:     c.sender,
		TargetOwner:     targetOwner,
		EndpointSlug:    slug,
		EndpointType:    endpointType,
		Payload:         payload,
		DeadlineMs:      deadlineMs,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if err := bus.Publish(ctx, InboxSubject(targetOwner), raw); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("publish to %s: %w", InboxSubject(targetOwner), err)
	}
	metrics.TunnelPublishes.WithLabelValues(endpointType).Inc()

	out := make(chan *ResponseEnvelope, 16)
	done := make(chan struct{})
	go c.collate(ctx, sub, requestID, out, done)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Unsubscribe()
		})
	}
	return out, cancel, nil
}

// collate filters replies by request id and reorders chunks so the
// consumer sees ascending chunk_index. Out-of-order chunks are held
// until the gap fills.
func (c *Client) collate(ctx context.Context, sub Subscription, requestID string, out chan<- *ResponseEnvelope, done <-chan struct{}) {
	defer close(out)

	pending := make(map[int]*ResponseEnvelope)
	next := 0

	emit := func(resp *ResponseEnvelope) bool {
		select {
		case out <- resp:
			return true
		case <-ctx.Done():
			return false
		case <-done:
			return false
		}
	}

	for {
		select {
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			var resp ResponseEnvelope
			if err := json.Unmarshal(raw, &resp); err != nil {
				c.logger.Warn("dropping malformed tunnel reply", "error", err)
				continue
			}
			if resp.CorrelationID != requestID && resp.RequestID != requestID {
				continue
			}
			if resp.ChunkIndex < next || pending[resp.ChunkIndex] != nil {
				continue // duplicate
			}
			pending[resp.ChunkIndex] = &resp
			for pending[next] != nil {
				r := pending[next]
				delete(pending, next)
				next++
				if !emit(r) {
					return
				}
				if r.Final {
					return
				}
			}
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// token returns a cached unexpired token for the owner or mints one.
func (c *Client) token(targetOwner string) (*PeerToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.cached[targetOwner]; ok {
		age := time.Since(c.minted[targetOwner])
		if age < time.Duration(t.ExpiresIn)*time.Second {
			return t, nil
		}
		delete(c.cached, targetOwner)
		delete(c.minted, targetOwner)
	}

	t, err := c.tokens.Mint(c.sender, []string{targetOwner})
	if err != nil {
		return nil, fmt.Errorf("mint peer token: %w", err)
	}
	c.cached[targetOwner] = t
	c.minted[targetOwner] = time.Now()
	return t, nil
}

// conn returns the shared bus connection for the token's transport,
// dialing on first use.
func (c *Client) conn(ctx context.Context, token *PeerToken) (Bus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.conns[token.TransportURL]; ok {
		return b, nil
	}
	b, err := c.dial(ctx, token.TransportURL, token.TransportAuth)
	if err != nil {
		return nil, fmt.Errorf("dial transport: %w", err)
	}
	c.conns[token.TransportURL] = b
	return b, nil
}

// Close releases all bus connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for url, b := range c.conns {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, url)
	}
	return firstErr
}
