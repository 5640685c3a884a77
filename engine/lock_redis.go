package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type lockKey string

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	// waitMaxTime 等锁的最长时间,秒
	waitMaxTime = 20
	// retryInterval 抢锁失败后的重试间隔
	retryInterval = 20 * time.Millisecond
)

// NewRedisEngineLock 多进程部署时用redis锁串行化同一实例的推进
func NewRedisEngineLock(redisClient redis.Cmdable) EngineLock {
	return &redisEngineLock{redisClient: redisClient}
}

type redisEngineLock struct {
	redisClient redis.Cmdable
}

func (d *redisEngineLock) Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	valueInterface := ctx.Value(lockKey(key))
	_, ok := valueInterface.(string)
	if ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}

	value := d.getRandomValue()
	deadline := time.Now().Add(waitMaxTime * time.Second)
	for {
		isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
		if err != nil {
			return errors.WithMessagef(LockFailedError, "[redisEngineLock.Synchronized], err:%v", err)
		}
		if isLock {
			break
		}
		// 锁被占用,等一会儿再试
		if time.Now().After(deadline) {
			return errors.WithMessagef(LockFailedTimeOutError, "[redisEngineLock.Synchronized] wait lock timeout, key: %s", key)
		}
		select {
		case <-ctx.Done():
			return errors.WithMessagef(LockFailedError, "[redisEngineLock.Synchronized] ctx done, key: %s", key)
		case <-time.After(retryInterval):
		}
	}

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisEngineLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisEngineLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel,确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.Warn(fmt.Sprintf("[redisEngineLock.releaseKey] release key failed, err:%v", err))
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		// 没有成功释放,可能已经过期
		slog.Warn(fmt.Sprintf("[redisEngineLock.releaseKey] release key %s reply: %v", key, replyInterface))
	}
}
