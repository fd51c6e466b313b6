package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBus_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "peer.alice.inbox")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Subscribe confirms before returning, so this publish is visible.
	require.NoError(t, bus.Publish(ctx, "peer.alice.inbox", []byte(`{"n":1}`)))
	require.NoError(t, bus.Publish(ctx, "peer.alice.inbox", []byte(`{"n":2}`)))

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case raw := <-sub.Messages():
			require.Equal(t, want, string(raw))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestRedisBus_ChannelIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "peer.alice.inbox")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "peer.bob.inbox", []byte("not for alice")))
	require.NoError(t, bus.Publish(ctx, "peer.alice.inbox", []byte("for alice")))

	select {
	case raw := <-sub.Messages():
		require.Equal(t, "for alice", string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisBus_UnsubscribeClosesMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "peer.alice.inbox")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	select {
	case _, open := <-sub.Messages():
		require.False(t, open, "messages channel must close after unsubscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel did not close")
	}
}
