package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

// NewRedisInstanceLock 多进程部署时使用, keyPrefix 用来区分不同的应用
func NewRedisInstanceLock(redisClient redis.Cmdable, keyPrefix string) InstanceLock {
	return &redisInstanceLock{redisClient: redisClient, keyPrefix: keyPrefix}
}

type redisInstanceLock struct {
	redisClient redis.Cmdable
	keyPrefix   string
}

func (d *redisInstanceLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := lockHolder(ctx, key); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	holder := fmt.Sprintf("%d_%d", rand.Int64(), time.Now().UnixNano())
	redisKey := d.keyPrefix + key
	isLock, err := d.redisClient.SetNX(ctx, redisKey, holder, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisInstanceLock.NonBlockingSynchronized] key: %s, err: %v", redisKey, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisInstanceLock.NonBlockingSynchronized] key %s has been locked", redisKey)
	}
	defer d.release(redisKey, holder)
	return f(withLockHolder(ctx, key, holder))
}

func (d *redisInstanceLock) release(redisKey string, holder string) {
	// ctx 可能已经被 cancel, 释放锁使用新的 context
	reply, err := d.redisClient.Eval(context.Background(), releaseScript, []string{redisKey}, holder).Int64()
	if err != nil {
		slog.Error("[redisInstanceLock.release] release key failed", "key", redisKey, "err", err)
		return
	}
	if reply != 1 {
		slog.Warn("[redisInstanceLock.release] key expired or held by others", "key", redisKey)
	}
}
