package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const (
	redisTicketNS   = "t:"
	redisChildrenNS = "c:"
	redisScanBatch  = 200
	redisTxRetries  = 10
)

// RedisStore 基于 Redis 的分布式存储
// 新增使用 SET NX，更新使用 WATCH/MULTI 保证单键原子性，子票据索引保存在集合中。
type RedisStore struct {
	client  redis.UniversalClient
	codec   *codec.Codec
	catalog *catalog.Catalog
	prefix  string
	now     func() time.Time
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client redis.UniversalClient, c *codec.Codec, cat *catalog.Catalog, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		codec:   c,
		catalog: cat,
		prefix:  keyPrefix,
		now:     time.Now,
	}
}

// Name 后端名称
func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) ticketKey(id string) string {
	return s.prefix + redisTicketNS + s.codec.StorageKey(id)
}

func (s *RedisStore) childrenKey(id string) string {
	return s.prefix + redisChildrenNS + s.codec.StorageKey(id)
}

// Insert 插入新票据
func (s *RedisStore) Insert(ctx context.Context, t *model.Ticket) error {
	data, err := s.codec.Encode(t)
	if err != nil {
		return err
	}
	ttl := storageTimeout(s.catalog, t, s.now())
	ok, err := s.client.SetNX(ctx, s.ticketKey(t.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("写入 Redis 失败: %w", err)
	}
	if !ok {
		return ErrTicketAlreadyExists
	}
	if t.ParentID == "" {
		return nil
	}
	return s.indexChild(ctx, t, ttl)
}

// indexKeys 需要覆盖子票据存活期的索引键：父票据与根票据的子票据集合
// 中间层级的索引由各自的子票据维护。
func (s *RedisStore) indexKeys(t *model.Ticket) []string {
	keys := []string{s.childrenKey(t.ParentID)}
	if t.RootID != "" && t.RootID != t.ParentID && t.RootID != t.ID {
		keys = append(keys, s.childrenKey(t.RootID))
	}
	return keys
}

// indexChild 登记子票据，索引至少与子票据存活一样久
func (s *RedisStore) indexChild(ctx context.Context, t *model.Ticket, ttl time.Duration) error {
	ref, err := s.codec.SealRef(t.ID)
	if err != nil {
		return err
	}
	keys := s.indexKeys(t)
	current := make([]*redis.DurationCmd, len(keys))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			current[i] = pipe.PTTL(ctx, k)
		}
		pipe.SAdd(ctx, keys[0], ref)
		return nil
	}); err != nil {
		return fmt.Errorf("写入子票据索引失败: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			extendTTL(ctx, pipe, k, current[i].Val(), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("更新子票据索引过期时间失败: %w", err)
	}
	return nil
}

// extendTTL 只延长不缩短索引键的过期时间，want 为 0 表示永不过期
// current 为 PTTL 结果：-1 表示永不过期，-2 表示键不存在。
func extendTTL(ctx context.Context, pipe redis.Pipeliner, key string, current, want time.Duration) {
	switch {
	case want == 0:
		pipe.Persist(ctx, key)
	case current == -1 && want > 0:
		// 已经永不过期
	case current < want:
		pipe.PExpire(ctx, key, want)
	}
}

// Load 读取票据
func (s *RedisStore) Load(ctx context.Context, id string) (*model.Ticket, error) {
	data, err := s.client.Get(ctx, s.ticketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("读取 Redis 失败: %w", err)
	}
	return s.codec.Decode(data)
}

// Replace 整体替换
func (s *RedisStore) Replace(ctx context.Context, t *model.Ticket, expected int64) (int64, error) {
	key := s.ticketKey(t.ID)
	var version int64
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrTicketNotFound
		}
		if err != nil {
			return err
		}
		cur, err := s.codec.Decode(data)
		if err != nil {
			return err
		}
		if expected != AnyVersion && cur.Version != expected {
			return ErrVersionConflict
		}

		next := t.Clone()
		next.Version = cur.Version + 1
		enc, err := s.codec.Encode(next)
		if err != nil {
			return err
		}
		ttl := storageTimeout(s.catalog, next, s.now())
		var keys []string
		var current []time.Duration
		if next.ParentID != "" {
			keys = s.indexKeys(next)
			for _, k := range keys {
				d, err := tx.PTTL(ctx, k).Result()
				if err != nil {
					return err
				}
				current = append(current, d)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, ttl)
			for i, k := range keys {
				extendTTL(ctx, pipe, k, current[i], ttl)
			}
			return nil
		})
		if err == nil {
			version = next.Version
		}
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// 键在事务期间被修改
			if expected != AnyVersion {
				return 0, ErrVersionConflict
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		return version, nil
	}
	return 0, ErrVersionConflict
}

// Remove 删除票据
func (s *RedisStore) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	cmds := make([]*redis.IntCmd, 0, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, pipe.Del(ctx, s.ticketKey(id)))
			pipe.Del(ctx, s.childrenKey(id))
		}
		return nil
	})
	removed := 0
	for _, c := range cmds {
		removed += int(c.Val())
	}
	if err != nil {
		return removed, fmt.Errorf("删除 Redis 键失败: %w", err)
	}
	return removed, nil
}

// Children 直接子票据
func (s *RedisStore) Children(ctx context.Context, id string) ([]string, error) {
	refs, err := s.client.SMembers(ctx, s.childrenKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取子票据索引失败: %w", err)
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		child, err := s.codec.OpenRef(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// matchPattern 按类型生成 SCAN 匹配模式
func (s *RedisStore) matchPattern(kind model.Kind) (string, error) {
	if kind == "" {
		return s.prefix + redisTicketNS + "*", nil
	}
	def, err := s.catalog.Find(kind)
	if err != nil {
		return "", err
	}
	return s.prefix + redisTicketNS + s.codec.KeyPattern(def.Prefix), nil
}

// Scan 基于 SCAN 游标的流式读取
func (s *RedisStore) Scan(ctx context.Context, c Criteria) (Stream, error) {
	match, err := s.matchPattern(c.Kind)
	if err != nil {
		return nil, err
	}
	return &redisStream{
		ctx:      ctx,
		store:    s,
		match:    match,
		criteria: c,
		seen:     make(map[string]struct{}),
	}, nil
}

// Count 通过 SCAN 统计指定类型的票据数量
func (s *RedisStore) Count(ctx context.Context, kind model.Kind) (int64, error) {
	match, err := s.matchPattern(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.scanKeys(ctx, match, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	return n, err
}

// CountByPrincipal Redis 中主体信息在票据内容里，不支持原生统计
func (s *RedisStore) CountByPrincipal(context.Context, string) (int64, error) {
	return 0, ErrCountUnsupported
}

// Clear 删除本前缀下的票据与子票据索引，前缀下的其他键（如清理锁）保留
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	n := 0
	err := s.scanKeys(ctx, s.prefix+redisTicketNS+"*", func(keys []string) error {
		n += len(keys)
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return n, err
	}
	err = s.scanKeys(ctx, s.prefix+redisChildrenNS+"*", func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
	return n, err
}

// scanKeys 遍历匹配的键，SCAN 可能重复返回同一个键，这里去重
func (s *RedisStore) scanKeys(ctx context.Context, match string, fn func(keys []string) error) error {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, redisScanBatch).Result()
		if err != nil {
			return fmt.Errorf("扫描 Redis 键失败: %w", err)
		}
		fresh := keys[:0]
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			fresh = append(fresh, k)
		}
		if len(fresh) > 0 {
			if err := fn(fresh); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// redisStream SCAN 游标流，只能消费一次
type redisStream struct {
	ctx      context.Context
	store    *RedisStore
	match    string
	criteria Criteria

	cursor  uint64
	started bool
	done    bool
	closed  bool
	seen    map[string]struct{}
	buf     []*model.Ticket
	cur     *model.Ticket
	skipped int64
	emitted int64
	err     error
}

func (r *redisStream) Next() bool {
	r.cur = nil
	if r.closed || r.err != nil {
		return false
	}
	for {
		if r.criteria.Count > 0 && r.emitted >= r.criteria.Count {
			return false
		}
		if len(r.buf) > 0 {
			t := r.buf[0]
			r.buf = r.buf[1:]
			if r.criteria.PrincipalID != "" && t.PrincipalID() != r.criteria.PrincipalID {
				continue
			}
			if r.skipped < r.criteria.From {
				r.skipped++
				continue
			}
			r.emitted++
			r.cur = t
			return true
		}
		if r.done {
			return false
		}
		if err := r.fetch(); err != nil {
			r.err = err
			return false
		}
	}
}

// fetch 读取下一批键
func (r *redisStream) fetch() error {
	if r.started && r.cursor == 0 {
		r.done = true
		return nil
	}
	r.started = true
	keys, next, err := r.store.client.Scan(r.ctx, r.cursor, r.match, redisScanBatch).Result()
	if err != nil {
		return fmt.Errorf("扫描 Redis 键失败: %w", err)
	}
	r.cursor = next
	if next == 0 {
		r.done = true
	}

	fresh := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := r.seen[k]; ok {
			continue
		}
		r.seen[k] = struct{}{}
		fresh = append(fresh, k)
	}
	if len(fresh) == 0 {
		return nil
	}

	ticketPrefix := r.store.prefix + redisTicketNS
	if !r.criteria.Decode {
		skeletons := make([]*model.Ticket, 0, len(fresh))
		complete := true
		for _, k := range fresh {
			id, ok := r.store.codec.IDFromKey(strings.TrimPrefix(k, ticketPrefix))
			if !ok {
				complete = false
				break
			}
			def, err := r.store.catalog.FindByTicketID(id)
			if err != nil {
				continue
			}
			skeletons = append(skeletons, &model.Ticket{ID: id, Kind: def.Kind})
		}
		if complete {
			r.buf = append(r.buf, skeletons...)
			return nil
		}
	}

	values, err := r.store.client.MGet(r.ctx, fresh...).Result()
	if err != nil {
		return fmt.Errorf("批量读取 Redis 失败: %w", err)
	}
	for _, v := range values {
		// 扫描与读取之间过期的键返回 nil
		raw, ok := v.(string)
		if !ok {
			continue
		}
		t, err := r.store.codec.Decode([]byte(raw))
		if err != nil {
			return err
		}
		r.buf = append(r.buf, t)
	}
	return nil
}

func (r *redisStream) Ticket() *model.Ticket { return r.cur }
func (r *redisStream) Err() error            { return r.err }

func (r *redisStream) Close() error {
	r.closed = true
	r.buf = nil
	r.seen = nil
	return nil
}
