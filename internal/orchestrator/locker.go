package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Locker provides per-run mutual exclusion. Every handler that reads and writes a run's
// aggregate holds the lock for that run ID for its whole duration.
type Locker interface {
	// Lock blocks until the lock for runID is held or ctx is done.
	Lock(ctx context.Context, runID types.RunID) (unlock func(), err error)
}

// ============================================================================
// LocalLocker - 單一程序
// ============================================================================

// LocalLocker is a keyed mutex for a single orchestrator process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[types.RunID]*localLock
}

type localLock struct {
	ch   chan struct{} // 容量 1 的 semaphore
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[types.RunID]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, runID types.RunID) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[runID]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[runID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(runID, lk, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(runID, lk, true) }) }, nil
}

func (l *LocalLocker) release(runID types.RunID, lk *localLock, held bool) {
	if held {
		<-lk.ch
	}
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, runID)
	}
	l.mu.Unlock()
}

// Len returns the number of runs with a held or awaited lock.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// ============================================================================
// RedisLocker - 多副本 orchestrator
// ============================================================================

// releaseScript 只刪除自己持有的鎖
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrLockLost is logged when a lock expired before its holder released it.
var ErrLockLost = errors.New("run lock expired before release")

// RedisLocker implements Locker with SET NX PX and a token-checked release, so replicated
// orchestrators serialize handlers for the same run. TTL must exceed the longest handler.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a distributed locker.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "stageflow:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 20 * time.Millisecond}
}

func (l *RedisLocker) key(runID types.RunID) string {
	return fmt.Sprintf("%s:%s", l.prefix, runID)
}

func (l *RedisLocker) Lock(ctx context.Context, runID types.RunID) (func(), error) {
	key := l.key(runID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 使用獨立 context：handler 的 ctx 可能已取消，但鎖仍需釋放
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, l.client, []string{key}, token).Int()
			switch {
			case err != nil:
				log.Warn("Failed to release run lock", "run_id", runID, "error", err)
			case n == 0:
				log.Warn("Run lock lost", "run_id", runID, "error", ErrLockLost)
			}
		})
	}, nil
}
