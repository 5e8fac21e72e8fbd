package cache

import (
	"context"
	"sync"
	"time"

	"github.com/serverfiles/serverfiles/internal/metrics"
)

// Locks 为规范化后的绝对路径维护互斥锁。锁按需创建且不回收，
// 同一 Locks 可在多个 Cache 之间共享，以便镜像同一根目录的实例互斥。
type Locks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

// pathLock 用容量为 1 的 channel 实现，等待方按到达顺序获得锁并可响应 ctx 取消。
type pathLock struct {
	ch chan struct{}
}

// Guard 证明调用方已经持有某个路径的锁。内部函数接收 Guard 而不是重新加锁，
// 以此实现可重入语义。
type Guard struct {
	key      string
	lock     *pathLock
	released bool
}

// NewLocks 创建空的锁管理器。
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*pathLock)}
}

// Acquire 阻塞直到获得 key 的锁或 ctx 结束。
func (l *Locks) Acquire(ctx context.Context, key string) (*Guard, error) {
	lock := l.get(key)
	started := time.Now()
	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	metrics.ObserveLockWait(time.Since(started))
	return &Guard{key: key, lock: lock}, nil
}

// Len 返回已创建的锁数量。
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locks) get(key string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock := l.locks[key]
	if lock == nil {
		lock = &pathLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	return lock
}

// Holds 报告 g 是否持有 key 的锁。
func (g *Guard) Holds(key string) bool {
	return g != nil && !g.released && g.key == key
}

// Release 释放锁，重复调用无副作用。Guard 不应跨 goroutine 共享。
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	<-g.lock.ch
}
