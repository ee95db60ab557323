// Package keylock provides short-lived mutual exclusion keyed by candidate
// fingerprints. Unrelated keys never contend.
package keylock

import (
	"context"
	"sort"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/funding-intake/internal/config"
)

// Unlock releases every key taken by one Acquire. It is safe to call more
// than once.
type Unlock func()

// Locker acquires a set of keys as a unit. Acquire blocks until all keys are
// held or ctx is done; on failure nothing remains held.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Unlock, error)
}

// New builds the Locker selected by cfg.Driver.
func New(cfg config.LockConfig) (Locker, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, eris.Wrap(err, "keylock: parse redis url")
		}
		return NewRedis(goredis.NewClient(opts), cfg), nil
	default:
		return nil, eris.Errorf("keylock: unknown driver %q", cfg.Driver)
	}
}

// normalize sorts and dedupes keys so every caller locks in the same order.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
