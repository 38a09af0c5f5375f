package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
)

func NewLocalInstanceLock() InstanceLock {
	return &localInstanceLock{
		holders: make(map[string]string),
	}
}

// localInstanceLock 单进程使用
type localInstanceLock struct {
	mu      sync.Mutex
	holders map[string]string // key -> 持有者标识
}

func (l *localInstanceLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := lockHolder(ctx, key); ok {
		// 已经持有锁，直接执行
		return f(ctx)
	}
	holder := fmt.Sprintf("%d_%d", rand.Int64(), time.Now().UnixNano())
	if !l.tryAcquire(key, holder) {
		return errors.WithMessagef(ErrLockFailed, "[localInstanceLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	// 超时自动释放
	timer := time.AfterFunc(maxLockTimeDuration, func() {
		if l.release(key, holder) {
			slog.Warn("[localInstanceLock] lock expired before function returned", "key", key)
		}
	})
	defer func() {
		timer.Stop()
		l.release(key, holder)
	}()
	return f(withLockHolder(ctx, key, holder))
}

func (l *localInstanceLock) tryAcquire(key string, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holders[key]; ok {
		return false
	}
	l.holders[key] = holder
	return true
}

// release 只有当前持有者可以释放, 返回是否真正释放
func (l *localInstanceLock) release(key string, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[key] != holder {
		return false
	}
	delete(l.holders, key)
	return true
}
