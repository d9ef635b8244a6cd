package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker 清理锁，保证多节点部署时同一时刻只有一个节点在清理
type Locker interface {
	// Acquire 尝试加锁，ok 为 false 表示锁被其他节点持有
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// NopLocker 单节点部署时使用
type NopLocker struct{}

// Acquire 总是成功
func (NopLocker) Acquire(context.Context, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁
type RedisLocker struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLocker 创建 Redis 锁
func NewRedisLocker(client redis.UniversalClient, key string) *RedisLocker {
	return &RedisLocker{client: client, key: key}
}

// Acquire 加锁
func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("写入清理锁失败: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// 调用方的 ctx 可能已取消，释放锁使用独立的超时
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(rctx, l.client, []string{l.key}, token)
	}
	return release, true, nil
}
