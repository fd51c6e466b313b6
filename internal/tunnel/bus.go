package tunnel

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Bus is the pub/sub transport the tunnel runs over. An implementation
// must provide named-channel publish and subscribe with JSON payload
// delivery.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string) (Subscription, error)
	Close() error
}

// Subscription is a live channel subscription. Messages delivers
// payloads in publication order until Unsubscribe or bus close.
type Subscription interface {
	Messages() <-chan []byte
	Unsubscribe() error
}

// RedisBus implements Bus on Redis pub/sub.
type RedisBus struct {
	client goredis.UniversalClient
}

// DialRedis connects a RedisBus. url is a redis:// URL; auth, when
// non-empty, overrides the URL's password.
func DialRedis(ctx context.Context, url, auth string) (*RedisBus, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse transport url: %w", err)
	}
	if auth != "" {
		opts.Password = auth
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport ping: %w", err)
	}
	return &RedisBus{client: client}, nil
}

// NewRedisBus wraps an existing client. Used by tests with miniredis.
func NewRedisBus(client goredis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends a payload on the given channel.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	return b.client.Publish(ctx, subject, payload).Err()
}

// Subscribe opens a subscription on the given channel. The returned
// subscription is confirmed before Subscribe returns, so a publish
// issued afterwards is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, subject string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan []byte, 64),
	}
	go sub.pump()
	return sub, nil
}

// Close releases the underlying connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps  *goredis.PubSub
	out chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Unsubscribe() error {
	return s.ps.Close()
}
