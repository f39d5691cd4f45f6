package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Lock 是已获取的组合锁。
type Lock interface {
	Release(ctx context.Context) error
}

// Locker 为组合提供互斥锁，保证同一组合最多一个执行。
type Locker interface {
	// TryAcquire 非阻塞获取锁，被占用时返回 (nil, false, nil)。
	TryAcquire(ctx context.Context, portfolioID string, ttl time.Duration) (Lock, bool, error)
}

// LocalLocker 是进程内的组合锁。
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker 创建 LocalLocker。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryAcquire 实现 Locker，进程内锁不会过期。
func (l *LocalLocker) TryAcquire(_ context.Context, portfolioID string, _ time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[portfolioID]; ok {
		return nil, false, nil
	}
	l.held[portfolioID] = struct{}{}
	return &localLock{owner: l, key: portfolioID}, true, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	once  sync.Once
}

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}

// RedisLocker 基于 redsync 的分布式组合锁，多实例部署时使用。
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
}

// NewRedisLocker 创建 RedisLocker。
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "rebalancer:lock"
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), prefix: prefix}
}

// TryAcquire 实现 Locker，锁在 ttl 后自动过期。
func (l *RedisLocker) TryAcquire(ctx context.Context, portfolioID string, ttl time.Duration) (Lock, bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	mutex := l.rs.NewMutex(
		l.prefix+":"+portfolioID,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取组合锁失败: %w", err)
	}
	return &redisLock{mutex: mutex}, true, nil
}

func isLockContention(err error) bool {
	if stdErrors.Is(err, redsync.ErrFailed) {
		return true
	}
	var taken *redsync.ErrTaken
	if stdErrors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

type redisLock struct {
	mutex *redsync.Mutex
}

func (l *redisLock) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("释放组合锁失败: %w", err)
	}
	if !ok {
		return stdErrors.New("组合锁已过期或未持有")
	}
	return nil
}
