package slots

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one Redis set per doctor and day. SADD is the atomic
// add-if-absent and Redis drops a set once SREM empties it.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a store using keys of the form "<prefix>:<doctorID>:<dateKey>".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if client == nil {
		panic("slots: redis client required")
	}
	if prefix == "" {
		prefix = "slots"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(doctorID, dateKey string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, doctorID, dateKey)
}

func (r *RedisStore) Add(ctx context.Context, doctorID string, s Slot) (bool, error) {
	n, err := r.client.SAdd(ctx, r.key(doctorID, s.DateKey), s.Time).Result()
	if err != nil {
		return false, fmt.Errorf("slots: redis reserve: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStore) Remove(ctx context.Context, doctorID string, s Slot) error {
	if err := r.client.SRem(ctx, r.key(doctorID, s.DateKey), s.Time).Err(); err != nil {
		return fmt.Errorf("slots: redis release: %w", err)
	}
	return nil
}

func (r *RedisStore) BookedOn(ctx context.Context, doctorID string, dateKeys ...string) (Booked, error) {
	out := make(Booked)
	if len(dateKeys) == 0 {
		return out, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(dateKeys))
	for i, key := range dateKeys {
		cmds[i] = pipe.SMembers(ctx, r.key(doctorID, key))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("slots: redis list booked: %w", err)
	}
	for i, cmd := range cmds {
		for _, t := range cmd.Val() {
			out.Add(Slot{DateKey: dateKeys[i], Time: t})
		}
	}
	return out, nil
}
