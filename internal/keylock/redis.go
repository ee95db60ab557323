package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/funding-intake/internal/config"
)

const (
	minPoll = 10 * time.Millisecond
	maxPoll = 200 * time.Millisecond
)

// Deletes the key only while it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// Redis is a Locker shared across processes. Each key is a SET NX entry with
// a TTL so a crashed holder cannot wedge a fingerprint forever.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(client goredis.UniversalClient, cfg config.LockConfig) *Redis {
	ttl := time.Duration(cfg.TTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, prefix: cfg.Prefix, ttl: ttl}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalize(keys)
	token := uuid.New().String()
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		if err := r.take(ctx, r.prefix+k, token); err != nil {
			r.release(held, token)
			return nil, err
		}
		held = append(held, r.prefix+k)
	}

	var once sync.Once
	return func() { once.Do(func() { r.release(held, token) }) }, nil
}

func (r *Redis) take(ctx context.Context, key, token string) error {
	wait := minPoll
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return eris.Wrapf(err, "keylock: setnx %s", key)
		}
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return eris.Wrap(ctx.Err(), "keylock: acquire")
		case <-t.C:
		}
		if wait *= 2; wait > maxPoll {
			wait = maxPoll
		}
	}
}

// release runs on a fresh context so a cancelled caller still frees its keys.
func (r *Redis) release(held []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, r.client, []string{held[i]}, token).Err(); err != nil {
			zap.L().Warn("keylock: release failed", zap.String("key", held[i]), zap.Error(err))
		}
	}
}
