package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus fans citation envelopes out to the websocket connections of one user in
// one organization, across API replicas.
type Bus struct {
	client *redis.Client
	prefix string
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client, prefix: "citation_entry:"}
}

func (b *Bus) channel(organizationID, userID string) string {
	return b.prefix + organizationID + ":" + userID
}

// Publish sends env to every subscriber of (organizationID, userID) and reports
// how many received it.
func (b *Bus) Publish(ctx context.Context, organizationID, userID string, env Envelope) (int64, error) {
	payload, err := env.Encode()
	if err != nil {
		return 0, err
	}
	n, err := b.client.Publish(ctx, b.channel(organizationID, userID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish citation event: %w", err)
	}
	return n, nil
}

// Subscribe returns once the subscription is confirmed by Redis, so a Publish
// issued afterwards is never missed.
func (b *Bus) Subscribe(ctx context.Context, organizationID, userID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(organizationID, userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe citation events: %w", err)
	}

	sub := &Subscription{
		pubsub:   pubsub,
		messages: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// Subscription delivers raw envelope payloads in publish order.
type Subscription struct {
	pubsub    *redis.PubSub
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) pump() {
	defer close(s.messages)
	for msg := range s.pubsub.Channel() {
		select {
		case s.messages <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

// Messages is closed after Close.
func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
