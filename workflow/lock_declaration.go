package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockFailed = errors.New("lock failed")
)

// InstanceLock 流程实例锁, 同一时间一个流程实例只能被一个 goroutine 推进
type InstanceLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入锁, 通过 ctx 判断是否已经持有
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间, 超时自动释放
	//  @param f 具体执行函数的闭包, 拿到的 ctx 带有持锁标识
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

// lockHolder 返回 ctx 中 key 对应的持锁标识
func lockHolder(ctx context.Context, key string) (string, bool) {
	value, ok := ctx.Value(lockKey(key)).(string)
	return value, ok
}

func withLockHolder(ctx context.Context, key string, value string) context.Context {
	return context.WithValue(ctx, lockKey(key), value)
}
