package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"report-pipeline/internal/config"
)

// Broker moves encoded events between publishers and gateways.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Feed, error)
}

// Feed is a live subscription to one topic.
type Feed interface {
	Messages() <-chan []byte
	Close() error
}

// RedisBroker fans events out over Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds the Redis client shared by the broker and rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisBroker wraps an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, prefix: "realtime:"}
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

// Publish sends payload to every current subscriber of topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a feed and waits for Redis to confirm the subscription,
// so events published after it returns are delivered.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Feed, error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	f := &redisFeed{ps: ps, out: make(chan []byte, 64)}
	go f.pump()
	return f, nil
}

type redisFeed struct {
	ps  *redis.PubSub
	out chan []byte
}

func (f *redisFeed) pump() {
	defer close(f.out)
	for msg := range f.ps.Channel() {
		f.out <- []byte(msg.Payload)
	}
}

func (f *redisFeed) Messages() <-chan []byte {
	return f.out
}

func (f *redisFeed) Close() error {
	return f.ps.Close()
}
