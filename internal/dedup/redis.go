package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger records processed ids in Redis with SET NX, shared across
// instances of a consumer group. Entries expire after the retention window;
// the broker's own redelivery horizon is far shorter, so an expired entry
// cannot resurface as a duplicate.
type RedisLedger struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

const defaultRetention = 24 * time.Hour

// NewRedisLedger constructs a ledger over an existing client. retention <= 0
// falls back to 24h.
func NewRedisLedger(client *redis.Client, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisLedger{
		client:    client,
		keyPrefix: "dedup:",
		retention: retention,
	}
}

func (l *RedisLedger) Seen(ctx context.Context, group, messageID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(group, messageID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkProcessed(ctx context.Context, group, messageID string) (bool, error) {
	return l.client.SetNX(ctx, l.key(group, messageID), 1, l.retention).Result()
}

func (l *RedisLedger) key(group, messageID string) string {
	return l.keyPrefix + group + ":" + messageID
}
