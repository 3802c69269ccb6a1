package bus

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"
)

// Redis is a bus on Redis pub/sub. Pattern topics use PSUBSCRIBE.
type Redis struct {
	rdb *goredis.Client
	log *slog.Logger
}

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(rdb *goredis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, log: logger.With(slog.String("component", "bus"), slog.String("driver", "redis"))}
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *goredis.Client { return r.rdb }

// Publish sends payload on topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to plain topics and pattern topics and merges both
// streams into one channel.
func (r *Redis) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	var plain, patterns []string
	for _, t := range topics {
		if isPattern(t) {
			patterns = append(patterns, t)
		} else {
			plain = append(plain, t)
		}
	}

	var subs []*goredis.PubSub
	if len(plain) > 0 {
		subs = append(subs, r.rdb.Subscribe(ctx, plain...))
	}
	if len(patterns) > 0 {
		subs = append(subs, r.rdb.PSubscribe(ctx, patterns...))
	}
	for _, ps := range subs {
		// Receive blocks until the subscription is confirmed.
		if _, err := ps.Receive(ctx); err != nil {
			for _, s := range subs {
				s.Close()
			}
			return nil, fmt.Errorf("redis subscribe %v: %w", topics, err)
		}
	}
	r.log.Info("subscribed", slog.Any("topics", topics))

	out := make(chan Message, 256)
	done := make(chan struct{}, len(subs))
	for _, ps := range subs {
		go func(ps *goredis.PubSub) {
			defer func() { done <- struct{}{} }()
			defer ps.Close()
			ch := ps.Channel()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ps)
	}
	go func() {
		for range subs {
			<-done
		}
		close(out)
	}()
	return out, nil
}

// Close is a no-op; the client is closed by its owner.
func (r *Redis) Close() error { return nil }
