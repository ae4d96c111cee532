package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroadcaster carries broadcast messages over Redis Pub/Sub, so the
// process handling the OAuth callback can signal a flow waiting elsewhere.
type RedisBroadcaster struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisBroadcaster(client *redis.Client, log zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, log: log}
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, name string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, name)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go sub.forward(pubsub.Channel())
	return sub, nil
}

func (b *RedisBroadcaster) Publish(ctx context.Context, name string, payload []byte) error {
	if err := b.client.Publish(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", name, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
