// Package mq implements the reserved-queue broker: short-lived,
// token-protected FIFO mailboxes used as reply-to addresses by
// HTTP-only tunnel clients.
package mq

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ragmux/ragmux/internal/metrics"
)

// Broker errors.
var (
	ErrNotFound     = errors.New("queue not found")
	ErrUnauthorized = errors.New("queue token mismatch")
	ErrInvalidTTL   = errors.New("ttl out of range")
)

// MaxConsumeLimit bounds how many messages one consume call may drain.
const MaxConsumeLimit = 100

// Message is one entry in a reserved-queue mailbox.
type Message struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Reservation is the caller's handle on a freshly reserved queue.
type Reservation struct {
	QueueID   string    `json:"queue_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type queue struct {
	mu        sync.Mutex
	id        string
	token     string
	owner     string
	expiresAt time.Time
	messages  []Message
}

func (q *queue) expired(now time.Time) bool {
	return now.After(q.expiresAt)
}

// Broker stores reserved queues in a TTL-keyed in-memory store. Each
// operation is atomic per queue; concurrent consumes are serialized so
// every message is delivered at most once.
type Broker struct {
	store  *gocache.Cache
	minTTL time.Duration
	maxTTL time.Duration

	mu      sync.Mutex
	byOwner map[string]map[string]struct{}
}

// NewBroker creates a reserved-queue broker with the given TTL bounds.
func NewBroker(minTTL, maxTTL time.Duration) *Broker {
	b := &Broker{
		store:   gocache.New(gocache.NoExpiration, time.Minute),
		minTTL:  minTTL,
		maxTTL:  maxTTL,
		byOwner: make(map[string]map[string]struct{}),
	}
	b.store.OnEvicted(func(key string, v any) {
		q, ok := v.(*queue)
		if !ok {
			return
		}
		b.mu.Lock()
		if ids, ok := b.byOwner[q.owner]; ok {
			delete(ids, key)
			if len(ids) == 0 {
				delete(b.byOwner, q.owner)
			}
		}
		b.mu.Unlock()
		metrics.ReservedQueues.Dec()
	})
	return b
}

// Reserve allocates a queue for the owner with the given TTL.
func (b *Broker) Reserve(owner string, ttl time.Duration) (*Reservation, error) {
	if ttl < b.minTTL || ttl > b.maxTTL {
		return nil, ErrInvalidTTL
	}

	q := &queue{
		id:        "rq_" + randomHex(12),
		token:     randomHex(24),
		owner:     owner,
		expiresAt: time.Now().Add(ttl),
	}
	b.store.Set(q.id, q, ttl)

	b.mu.Lock()
	if b.byOwner[owner] == nil {
		b.byOwner[owner] = make(map[string]struct{})
	}
	b.byOwner[owner][q.id] = struct{}{}
	b.mu.Unlock()
	metrics.ReservedQueues.Inc()

	return &Reservation{QueueID: q.id, Token: q.token, ExpiresAt: q.expiresAt}, nil
}

// Publish appends a message to a queue. Knowledge of the queue id
// authorizes publication; no token is required.
func (b *Broker) Publish(queueID string, payload json.RawMessage) (string, error) {
	q, err := b.get(queueID)
	if err != nil {
		return "", err
	}

	msg := Message{
		ID:          randomHex(8),
		Payload:     payload,
		PublishedAt: time.Now(),
	}

	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.mu.Unlock()
	return msg.ID, nil
}

// Consume removes and returns up to limit messages in FIFO order.
// The queue's secret token is required.
func (b *Broker) Consume(queueID, token string, limit int) ([]Message, int, error) {
	q, err := b.get(queueID)
	if err != nil {
		return nil, 0, err
	}
	if q.token != token {
		return nil, 0, ErrUnauthorized
	}
	if limit <= 0 || limit > MaxConsumeLimit {
		limit = MaxConsumeLimit
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.messages))
	delivered := append([]Message(nil), q.messages[:n]...)
	q.messages = q.messages[n:]
	return delivered, len(q.messages), nil
}

// Peek returns up to limit messages across the owner's queues without
// removing them, oldest reservation first.
func (b *Broker) Peek(owner string, limit int) ([]Message, int, error) {
	if limit <= 0 || limit > MaxConsumeLimit {
		limit = MaxConsumeLimit
	}

	var out []Message
	total := 0
	for _, q := range b.ownerQueues(owner) {
		q.mu.Lock()
		total += len(q.messages)
		for _, m := range q.messages {
			if len(out) < limit {
				out = append(out, m)
			}
		}
		q.mu.Unlock()
	}
	return out, total, nil
}

// Release drops a queue and returns how many messages were discarded.
func (b *Broker) Release(queueID, token string) (int, error) {
	q, err := b.get(queueID)
	if err != nil {
		return 0, err
	}
	if q.token != token {
		return 0, ErrUnauthorized
	}

	q.mu.Lock()
	cleared := len(q.messages)
	q.messages = nil
	q.mu.Unlock()

	b.store.Delete(queueID)
	return cleared, nil
}

// Clear empties all of the owner's queues without releasing them.
func (b *Broker) Clear(owner string) (int, error) {
	cleared := 0
	for _, q := range b.ownerQueues(owner) {
		q.mu.Lock()
		cleared += len(q.messages)
		q.messages = nil
		q.mu.Unlock()
	}
	return cleared, nil
}

// Stats reports the owner's live queue count and total depth.
func (b *Broker) Stats(owner string) (queues, depth int) {
	qs := b.ownerQueues(owner)
	for _, q := range qs {
		q.mu.Lock()
		depth += len(q.messages)
		q.mu.Unlock()
	}
	return len(qs), depth
}

func (b *Broker) get(queueID string) (*queue, error) {
	v, found := b.store.Get(queueID)
	if !found {
		return nil, ErrNotFound
	}
	q, ok := v.(*queue)
	if !ok || q.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return q, nil
}

func (b *Broker) ownerQueues(owner string) []*queue {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byOwner[owner]))
	for id := range b.byOwner[owner] {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	now := time.Now()
	var out []*queue
	for _, id := range ids {
		if v, found := b.store.Get(id); found {
			if q, ok := v.(*queue); ok && !q.expired(now) {
				out = append(out, q)
			}
		}
	}
	// Oldest reservation first for deterministic peeks.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].expiresAt.Before(out[j-1].expiresAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
