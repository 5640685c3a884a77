package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

func NewLocalEngineLock() EngineLock {
	return &localEngineLock{
		locks: &sync.Map{},
	}
}

type localEngineLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	mu    sync.Mutex
	value string // 锁的值,用于验证是否是同一个持有者
}

// Synchronized 阻塞式同步执行,同key串行,可重入
func (l *localEngineLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	// 检查是否已经持有锁(可重入)
	valueInterface := ctx.Value(lockKey(key))
	_, ok := valueInterface.(string)
	if ok {
		// 已经持有锁,可重入,直接执行
		return f(ctx)
	}

	value := l.getRandomValue()

	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)

	// 阻塞等待,同一个实例的推进串行化
	info.mu.Lock()
	info.value = value

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer l.releaseKey(key, value)

	return f(withKeyCtx)
}

// getRandomValue 生成随机值
func (l *localEngineLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

// releaseKey 释放锁
func (l *localEngineLock) releaseKey(key string, value string) {
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		// 锁不存在,可能已经被释放
		return
	}
	info := lockInfo.(*localLockInfo)
	if info.value != value {
		// 不是自己持有的锁,不动
		return
	}
	info.value = ""
	info.mu.Unlock()
}
