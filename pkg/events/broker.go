package events

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/kbforge/kbforge/pkg/config"
)

// Message is one event delivered from the broker to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Broker is the event transport: pub/sub for live delivery plus per-channel
// list ops for subscriber catch-up.
type Broker interface {
	// Publish delivers a payload to a channel and appends it to the channel's
	// capped catch-up list.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a stream of messages for the given channels. The
	// returned stop function tears the subscription down and closes the
	// stream.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)

	// Catchup returns up to limit most recent payloads for a channel,
	// oldest first.
	Catchup(ctx context.Context, channel string, limit int64) ([][]byte, error)

	// Ping probes broker liveness.
	Ping(ctx context.Context) error

	Close() error
}

// catchupKey is the Redis list backing a channel's catch-up window.
func catchupKey(channel string) string {
	return "catchup:" + channel
}

// RedisBroker implements Broker on a Redis connection.
type RedisBroker struct {
	rdb        *redis.Client
	catchupMax int64
}

// NewRedisBroker connects to the configured Redis instance.
func NewRedisBroker(cfg *config.EventsConfig) *RedisBroker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.BrokerAddr,
		Password: os.Getenv(cfg.BrokerPasswordEnv),
		DB:       cfg.BrokerDB,
	})
	return &RedisBroker{rdb: rdb, catchupMax: cfg.CatchupListMax}
}

// NewRedisBrokerFromClient wraps an existing client (useful for testing).
func NewRedisBrokerFromClient(rdb *redis.Client, catchupMax int64) *RedisBroker {
	return &RedisBroker{rdb: rdb, catchupMax: catchupMax}
}

// Publish sends the payload to live subscribers and records it in the capped
// catch-up list in a single pipeline round trip.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := b.rdb.Pipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.RPush(ctx, catchupKey(channel), payload)
	pipe.LTrim(ctx, catchupKey(channel), -b.catchupMax, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and forwards messages until stop is
// called or the context ends.
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	sub := b.rdb.Subscribe(ctx, channels...)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Message, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		_ = sub.Close()
	}
	return out, stop, nil
}

// Catchup replays the tail of a channel's catch-up list, oldest first.
func (b *RedisBroker) Catchup(ctx context.Context, channel string, limit int64) ([][]byte, error) {
	if limit <= 0 || limit > b.catchupMax {
		limit = b.catchupMax
	}
	vals, err := b.rdb.LRange(ctx, catchupKey(channel), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read catchup list for %s: %w", channel, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Ping probes the connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
