package tunnel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ragmux/ragmux/internal/observability"
)

// fakeTokenSource mints tokens with a fixed reply channel so tests can
// subscribe to it directly.
type fakeTokenSource struct {
	channel string
	mints   int
}

func (f *fakeTokenSource) Mint(userID string, targetOwners []string) (*PeerToken, error) {
	f.mints++
	return &PeerToken{
		Token:        "tok",
		PeerChannel:  f.channel,
		UserID:       userID,
		TargetOwners: targetOwners,
		ExpiresIn:    60,
		TransportURL: "test://bus",
	}, nil
}

func testBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBus(client)
}

func testClient(t *testing.T, bus *RedisBus, tokens TokenSource) *Client {
	t.Helper()
	dial := func(ctx context.Context, url, auth string) (Bus, error) {
		return bus, nil
	}
	logger := observability.NewLogger(observability.LoggerConfig{Output: io.Discard})
	return NewClient(tokens, dial, "aggregator", logger)
}

// servePeer answers envelopes arriving on the owner's inbox by invoking
// reply with each decoded request.
func servePeer(t *testing.T, bus *RedisBus, owner string, reply func(env Envelope)) {
	t.Helper()
	sub, err := bus.Subscribe(context.Background(), InboxSubject(owner))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })

	go func() {
		for raw := range sub.Messages() {
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			reply(env)
		}
	}()
}

func publishReply(t *testing.T, bus *RedisBus, channel string, resp ResponseEnvelope) {
	t.Helper()
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), channel, raw))
}

func TestClient_Request(t *testing.T) {
	bus := testBus(t)
	tokens := &fakeTokenSource{channel: "peer.reply.request-test"}
	client := testClient(t, bus, tokens)
	defer client.Close()

	servePeer(t, bus, "alice", func(env Envelope) {
		require.Equal(t, ProtocolVersion, env.ProtocolVersion)
		require.Equal(t, "aggregator", env.SenderOwner)
		require.Equal(t, "alice", env.TargetOwner)
		require.Equal(t, "docs", env.EndpointSlug)
		require.Equal(t, EndpointDataSource, env.EndpointType)
		require.Equal(t, tokens.channel, env.ReplyTo)

		publishReply(t, bus, env.ReplyTo, ResponseEnvelope{
			ProtocolVersion: ProtocolVersion,
			RequestID:       env.RequestID,
			CorrelationID:   env.CorrelationID,
			SenderOwner:     "alice",
			Payload:         json.RawMessage(`{"documents":[]}`),
			Status:          ResponseOK,
			Final:           true,
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, "alice", "docs", EndpointDataSource, json.RawMessage(`{"query":"q"}`))
	require.NoError(t, err)
	require.Equal(t, ResponseOK, resp.Status)
	require.True(t, resp.Final)
	require.JSONEq(t, `{"documents":[]}`, string(resp.Payload))
}

func TestClient_Stream_ReordersChunks(t *testing.T) {
	bus := testBus(t)
	tokens := &fakeTokenSource{channel: "peer.reply.stream-test"}
	client := testClient(t, bus, tokens)
	defer client.Close()

	servePeer(t, bus, "alice", func(env Envelope) {
		chunk := func(i int, content string, final bool) ResponseEnvelope {
			return ResponseEnvelope{
				ProtocolVersion: ProtocolVersion,
				RequestID:       env.RequestID,
				SenderOwner:     "alice",
				Payload:         json.RawMessage(`{"content":"` + content + `"}`),
				Status:          ResponseOK,
				ChunkIndex:      i,
				Final:           final,
			}
		}
		// Deliberately out of order.
		publishReply(t, bus, env.ReplyTo, chunk(2, "c", true))
		publishReply(t, bus, env.ReplyTo, chunk(0, "a", false))
		publishReply(t, bus, env.ReplyTo, chunk(1, "b", false))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	responses, release, err := client.Stream(ctx, "alice", "chat", EndpointModel, json.RawMessage(`{}`))
	require.NoError(t, err)
	defer release()

	var indices []int
	for resp := range responses {
		indices = append(indices, resp.ChunkIndex)
	}
	require.Equal(t, []int{0, 1, 2}, indices)
}

func TestClient_Stream_IgnoresForeignReplies(t *testing.T) {
	bus := testBus(t)
	tokens := &fakeTokenSource{channel: "peer.reply.foreign-test"}
	client := testClient(t, bus, tokens)
	defer client.Close()

	servePeer(t, bus, "alice", func(env Envelope) {
		// A reply correlated to a different request must be dropped.
		publishReply(t, bus, env.ReplyTo, ResponseEnvelope{
			RequestID:  "someone-elses-request",
			Status:     ResponseOK,
			ChunkIndex: 0,
			Final:      true,
		})
		publishReply(t, bus, env.ReplyTo, ResponseEnvelope{
			RequestID: env.RequestID,
			Payload:   json.RawMessage(`{"content":"mine"}`),
			Status:    ResponseOK,
			Final:     true,
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, "alice", "chat", EndpointModel, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"mine"}`, string(resp.Payload))
}

// droppingBus answers each published request with one non-final chunk
// and then closes the subscription, simulating a peer connection
// dropping mid-reply.
type droppingBus struct {
	sub *droppedSubscription
}

func (b *droppingBus) Publish(ctx context.Context, subject string, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	raw, _ := json.Marshal(ResponseEnvelope{
		RequestID:  env.RequestID,
		Payload:    json.RawMessage(`{"content":"partial"}`),
		Status:     ResponseOK,
		ChunkIndex: 0,
		Final:      false,
	})
	b.sub.out <- raw
	close(b.sub.out)
	return nil
}

func (b *droppingBus) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	b.sub = &droppedSubscription{out: make(chan []byte, 1)}
	return b.sub, nil
}

func (b *droppingBus) Close() error { return nil }

type droppedSubscription struct{ out chan []byte }

func (s *droppedSubscription) Messages() <-chan []byte { return s.out }
func (s *droppedSubscription) Unsubscribe() error      { return nil }

func TestClient_Request_ClosedBeforeFinal(t *testing.T) {
	bus := &droppingBus{}
	tokens := &fakeTokenSource{channel: "peer.reply.closed-test"}
	dial := func(ctx context.Context, url, auth string) (Bus, error) { return bus, nil }
	logger := observability.NewLogger(observability.LoggerConfig{Output: io.Discard})
	client := NewClient(tokens, dial, "aggregator", logger)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := client.Request(ctx, "alice", "docs", EndpointDataSource, json.RawMessage(`{}`))
	require.Error(t, err, "a truncated reply must not resolve as success")
	require.Contains(t, err.Error(), "closed before final response")
}

func TestClient_Request_DeadlineWithoutReply(t *testing.T) {
	bus := testBus(t)
	tokens := &fakeTokenSource{channel: "peer.reply.silent-test"}
	client := testClient(t, bus, tokens)
	defer client.Close()

	// No peer is listening.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, "ghost", "docs", EndpointDataSource, json.RawMessage(`{}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_TokenCaching(t *testing.T) {
	bus := testBus(t)
	tokens := &fakeTokenSource{channel: "peer.reply.cache-test"}
	client := testClient(t, bus, tokens)
	defer client.Close()

	servePeer(t, bus, "alice", func(env Envelope) {
		publishReply(t, bus, env.ReplyTo, ResponseEnvelope{
			RequestID: env.RequestID,
			Status:    ResponseOK,
			Final:     true,
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := client.Request(ctx, "alice", "docs", EndpointDataSource, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.Equal(t, 1, tokens.mints, "token must be minted once and reused")
}
