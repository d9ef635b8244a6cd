package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

const testKeyPrefix = "cas:ticket:"

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func newTestCodec(t *testing.T, encrypted bool) *codec.Codec {
	opts := codec.Options{CompressThreshold: 256}
	if encrypted {
		cipher, err := codec.NewCipher("0123456789abcdef0123456789abcdef")
		require.NoError(t, err)
		opts.Cipher = cipher
	}
	c, err := codec.New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func redisBuilder(encrypted bool) storeBuilder {
	return func(t *testing.T, clock func() time.Time) Store {
		_, client := setupTestRedis(t)
		s := NewRedisStore(client, newTestCodec(t, encrypted), catalog.Default(), testKeyPrefix)
		s.now = clock
		return s
	}
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, redisBuilder(false))
}

func TestRedisStore_Encrypted(t *testing.T) {
	runStoreSuite(t, redisBuilder(true))
}

func TestRedisStore_KeysDoNotLeakIDs(t *testing.T) {
	mr, client := setupTestRedis(t)
	var store *RedisStore
	h := newHarness(t, func(t *testing.T, clock func() time.Time) Store {
		store = NewRedisStore(client, newTestCodec(t, true), catalog.Default(), testKeyPrefix)
		store.now = clock
		return store
	})
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, tgt.ID)
		assert.NotContains(t, key, st.ID)
		if mr.Type(key) == "string" {
			value, err := mr.Get(key)
			require.NoError(t, err)
			assert.NotContains(t, value, "casuser")
		}
	}
}

func TestRedisStore_TTLFollowsPolicy(t *testing.T) {
	mr, client := setupTestRedis(t)
	var store *RedisStore
	h := newHarness(t, func(t *testing.T, clock func() time.Time) Store {
		store = NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)
		store.now = clock
		return store
	})
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	assert.Equal(t, 2*time.Hour, mr.TTL(store.ticketKey(tgt.ID)))
	assert.Equal(t, 10*time.Second, mr.TTL(store.ticketKey(st.ID)))
	assert.Equal(t, 10*time.Second, mr.TTL(store.childrenKey(tgt.ID)))

	// ST 过期后 Redis 自动删除，级联删除只统计仍然存在的票据
	mr.FastForward(11 * time.Second)
	assert.False(t, mr.Exists(store.ticketKey(st.ID)))
	n, err := h.reg.DeleteTicket(h.ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(store.childrenKey(tgt.ID)))
}

func TestRedisStore_CascadeSurvivesExpiredMiddle(t *testing.T) {
	mr, client := setupTestRedis(t)
	var store *RedisStore
	h := newHarness(t, func(t *testing.T, clock func() time.Time) Store {
		store = NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)
		store.now = clock
		return store
	})
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")
	st.Use(h.now)
	pgt := h.add(h.factory.CreateProxyGrantingTicket(st, tgt.Authentication, "https://app.example.org/cb"))

	// 索引覆盖 PGT 的存活期
	assert.Equal(t, 2*time.Hour, mr.TTL(store.childrenKey(st.ID)))
	assert.Equal(t, 2*time.Hour, mr.TTL(store.childrenKey(tgt.ID)))

	// ST 已过期删除，TGT 仍能级联删除 PGT
	mr.FastForward(11 * time.Second)
	assert.False(t, mr.Exists(store.ticketKey(st.ID)))
	n, err := h.reg.DeleteTicket(h.ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.assertInvalid(pgt.ID)
}

func TestRedisStore_ReplaceRefreshesTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	var store *RedisStore
	h := newHarness(t, func(t *testing.T, clock func() time.Time) Store {
		store = NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)
		store.now = clock
		return store
	})
	tgt := h.tgt("casuser")

	h.advance(30 * time.Minute)
	mr.FastForward(30 * time.Minute)
	_, err := h.reg.Modify(h.ctx, tgt.ID, func(t *model.Ticket) error {
		t.Use(h.now)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, mr.TTL(store.ticketKey(tgt.ID)))
}

func TestRedisStore_VersionConflict(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)
	ctx := context.Background()

	tk := &model.Ticket{ID: "TGT-1-a-test", Kind: model.KindTicketGrantingTicket, Version: 1}
	require.NoError(t, s.Insert(ctx, tk))

	v, err := s.Replace(ctx, tk, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.Replace(ctx, tk, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.Replace(ctx, &model.Ticket{ID: "TGT-2-b-test", Kind: model.KindTicketGrantingTicket}, AnyVersion)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestRedisStore_CountByPrincipalUnsupported(t *testing.T) {
	_, client := setupTestRedis(t)
	s := NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)

	n, err := OrUnknown(s.CountByPrincipal(context.Background(), "casuser"))
	require.NoError(t, err)
	assert.Equal(t, CountUnknown, n)
}

func TestRedisStore_ClearKeepsForeignKeys(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)
	ctx := context.Background()

	require.NoError(t, mr.Set("session:abc", "x"))
	require.NoError(t, s.Insert(ctx, &model.Ticket{ID: "TGT-1-a-test", Kind: model.KindTicketGrantingTicket}))

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("session:abc"))
}

func TestRedisStore_ClearKeepsLockKey(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStore(client, newTestCodec(t, false), catalog.Default(), testKeyPrefix)
	ctx := context.Background()

	lockKey := testKeyPrefix + "cleaner:lock"
	require.NoError(t, mr.Set(lockKey, "node-a"))
	require.NoError(t, s.Insert(ctx, &model.Ticket{ID: "TGT-1-a-test", Kind: model.KindTicketGrantingTicket}))
	require.NoError(t, s.Insert(ctx, &model.Ticket{ID: "ST-1-b-test", Kind: model.KindServiceTicket, ParentID: "TGT-1-a-test", RootID: "TGT-1-a-test"}))

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(s.childrenKey("TGT-1-a-test")))

	value, err := mr.Get(lockKey)
	require.NoError(t, err)
	assert.Equal(t, "node-a", value)
}

func TestRedisStore_StorageTimeoutCapsTTL(t *testing.T) {
	cat, err := catalog.FromConfig(map[string]config.TicketConfig{
		"ST":  {StorageTimeout: 3 * time.Second},
		"TGT": {StorageTimeout: 24 * time.Hour},
	})
	require.NoError(t, err)

	mr, client := setupTestRedis(t)
	var store *RedisStore
	h := newHarness(t, func(t *testing.T, clock func() time.Time) Store {
		store = NewRedisStore(client, newTestCodec(t, false), cat, testKeyPrefix)
		store.now = clock
		return store
	})
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	assert.Equal(t, 3*time.Second, mr.TTL(store.ticketKey(st.ID)))
	// 配置值长于策略计算结果时不延长
	assert.Equal(t, 2*time.Hour, mr.TTL(store.ticketKey(tgt.ID)))

	mr.FastForward(4 * time.Second)
	assert.False(t, mr.Exists(store.ticketKey(st.ID)))
	h.assertInvalid(st.ID)
}
