package keys

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Notifier broadcasts emergency key revocations to every instance.
type Notifier interface {
	PublishRevoked(ctx context.Context, keyID string) error
	// SubscribeRevoked returns a channel of revoked key ids that is closed
	// when ctx is done.
	SubscribeRevoked(ctx context.Context) <-chan string
}

// DefaultRevocationChannel is the pub/sub channel used by RedisNotifier.
const DefaultRevocationChannel = "tg:keys:revoked"

// RedisNotifier implements Notifier over Redis pub/sub.
type RedisNotifier struct {
	redis   redis.UniversalClient
	channel string
}

// NewRedisNotifier returns a notifier publishing on channel (or the default).
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultRevocationChannel
	}
	return &RedisNotifier{redis: client, channel: channel}
}

func (n *RedisNotifier) PublishRevoked(ctx context.Context, keyID string) error {
	return n.redis.Publish(ctx, n.channel, keyID).Err()
}

func (n *RedisNotifier) SubscribeRevoked(ctx context.Context) <-chan string {
	out := make(chan string, 16)
	sub := n.redis.Subscribe(ctx, n.channel)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
