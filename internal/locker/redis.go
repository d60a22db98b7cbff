package locker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker holds entity locks across processes with SET NX and a
// token-checked release.
type RedisLocker struct {
	client    redis.UniversalClient
	script    *redis.Script
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:    client,
		script:    redis.NewScript(lockReleaseScript),
		ttl:       ttl,
		retry:     25 * time.Millisecond,
		keyPrefix: "billcore:lock:",
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, errors.New("lock client not configured")
	}
	keys = normalizeKeys(keys)

	type held struct{ key, token string }
	acquired := make([]held, 0, len(keys))
	release := func() {
		// Release must succeed even when the caller's ctx is already done.
		bg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = l.script.Run(bg, l.client, []string{acquired[i].key}, acquired[i].token).Err()
		}
		acquired = acquired[:0]
	}

	for _, key := range keys {
		redisKey := l.keyPrefix + key
		token, err := l.acquire(ctx, redisKey)
		if err != nil {
			release()
			return func() {}, fmt.Errorf("lock %s: %w", key, err)
		}
		acquired = append(acquired, held{key: redisKey, token: token})
	}

	done := false
	return func() {
		if done {
			return
		}
		done = true
		release()
	}, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func toString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case snowflake.ID:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
