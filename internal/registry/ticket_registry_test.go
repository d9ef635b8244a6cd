package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/event"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// recorder 记录发布的事件
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// conflictStore 每次条件更新都返回版本冲突
type conflictStore struct {
	*MemoryStore
	attempts int
}

func (s *conflictStore) Replace(ctx context.Context, t *model.Ticket, expected int64) (int64, error) {
	if expected != AnyVersion {
		s.attempts++
		return 0, ErrVersionConflict
	}
	return s.MemoryStore.Replace(ctx, t, expected)
}

// uncountableStore 不支持按主体计数
type uncountableStore struct {
	*MemoryStore
}

func (uncountableStore) CountByPrincipal(context.Context, string) (int64, error) {
	return 0, ErrCountUnsupported
}

func TestRegistry_PurgeOnRead(t *testing.T) {
	h := newHarness(t, memoryBuilder, WithPurgeOnRead(true))
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	h.advance(11 * time.Second)
	h.assertInvalid(st.ID)

	_, err := h.store.Load(h.ctx, st.ID)
	assert.ErrorIs(t, err, ErrTicketNotFound)
	_, err = h.store.Load(h.ctx, tgt.ID)
	assert.NoError(t, err)
}

func TestRegistry_NoPurgeByDefault(t *testing.T) {
	h := newHarness(t, memoryBuilder)
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	h.advance(11 * time.Second)
	h.assertInvalid(st.ID)

	_, err := h.store.Load(h.ctx, st.ID)
	assert.NoError(t, err)
}

func TestRegistry_ExistsDoesNotPurge(t *testing.T) {
	h := newHarness(t, memoryBuilder, WithPurgeOnRead(true))
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	h.advance(11 * time.Second)
	ok, err := h.reg.Exists(h.ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, ok, "已过期但未删除的票据仍然存在")
	_, err = h.store.Load(h.ctx, st.ID)
	assert.NoError(t, err)

	ok, err = h.reg.Exists(h.ctx, "ST-9-missing-test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_Events(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, memoryBuilder, WithPublisher(rec))
	tgt := h.tgt("casuser")
	st := h.st(tgt, "https://app.example.org")

	_, err := h.reg.Modify(h.ctx, tgt.ID, func(t *model.Ticket) error {
		t.GrantService(st.ID, st.Service)
		return nil
	})
	require.NoError(t, err)
	_, err = h.reg.DeleteTicket(h.ctx, tgt.ID)
	require.NoError(t, err)

	assert.Equal(t, []event.Type{
		event.TicketCreated,
		event.TicketCreated,
		event.TicketUpdated,
		event.TicketDestroyed,
	}, rec.types())

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, tgt.ID, last.TicketID)
	assert.Equal(t, "casuser", last.PrincipalID)
}

func TestRegistry_PublishFailureIsIgnored(t *testing.T) {
	failing := event.PublisherFunc(func(context.Context, event.Event) error {
		return errors.New("broker down")
	})
	h := newHarness(t, memoryBuilder, WithPublisher(failing))
	tgt := h.tgt("casuser")

	_, err := h.reg.GetTicket(h.ctx, tgt.ID)
	assert.NoError(t, err)
}

func TestRegistry_ModifyGivesUp(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore(1)}
	h := newHarness(t, func(*testing.T, func() time.Time) Store { return store }, WithUpdateRetries(3))
	tgt := h.tgt("casuser")

	calls := 0
	_, err := h.reg.Modify(h.ctx, tgt.ID, func(*model.Ticket) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, 4, store.attempts)
	assert.Equal(t, 4, calls)
}

func TestRegistry_ModifyPropagatesCallbackError(t *testing.T) {
	h := newHarness(t, memoryBuilder)
	tgt := h.tgt("casuser")

	boom := errors.New("boom")
	_, err := h.reg.Modify(h.ctx, tgt.ID, func(*model.Ticket) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := h.reg.GetTicket(h.ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestRegistry_CountSessionsForFallback(t *testing.T) {
	h := newHarness(t, func(*testing.T, func() time.Time) Store {
		return uncountableStore{MemoryStore: NewMemoryStore(2)}
	})
	h.tgt("alice")
	h.tgt("alice")
	h.tgt("bob")

	n, err := h.reg.CountSessionsFor(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRegistry_DeleteLargeTree(t *testing.T) {
	h := newHarness(t, memoryBuilder)
	tgt := h.tgt("casuser")
	for i := 0; i < 250; i++ {
		h.st(tgt, "https://app.example.org")
	}

	n, err := h.reg.DeleteTicket(h.ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 251, n)
}

func TestOrUnknown(t *testing.T) {
	n, err := OrUnknown(0, ErrCountUnsupported)
	require.NoError(t, err)
	assert.Equal(t, CountUnknown, n)

	n, err = OrUnknown(7, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	boom := errors.New("boom")
	_, err = OrUnknown(0, boom)
	assert.ErrorIs(t, err, boom)
}
