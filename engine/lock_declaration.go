package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError        = errors.New("lock failed")
	LockFailedTimeOutError = errors.New("wait time out")
)

// EngineLock 实例推进锁
// 同一个实例的推进必须串行,外部观察到的状态变化是原子的;
// 不同实例的操作互不影响,可以并行
type EngineLock interface {
	// Synchronized
	//  @Description:  1.阻塞式同步块,拿不到锁会等待,等待超过上限返回错误
	//                 2.可以重入锁,同一次调用链里嵌套同一个key直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key,一个实例一个key
	//  @param maxLockTimeDuration 锁最大的持有时间
	//  @param f 具体执行函数的闭包
	//  @return error
	Synchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}
