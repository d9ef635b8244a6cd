package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/factory"
	"github.com/pu-ac-cn/uac-ticket/internal/idgen"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// storeBuilder 为每个用例创建一个空的存储后端
type storeBuilder func(t *testing.T, clock func() time.Time) Store

type harness struct {
	t       *testing.T
	ctx     context.Context
	now     time.Time
	store   Store
	reg     Registry
	factory *factory.Factory
}

func newHarness(t *testing.T, build storeBuilder, opts ...Option) *harness {
	h := &harness{
		t:   t,
		ctx: context.Background(),
		now: time.Now().UTC().Truncate(time.Second),
	}
	clock := func() time.Time { return h.now }
	h.store = build(t, clock)
	h.reg = New(h.store, append([]Option{WithClock(clock)}, opts...)...)
	h.factory = factory.New(catalog.Default(), idgen.NewDefaultGenerator("test", 10),
		factory.WithClock(clock),
		factory.WithTokenSigner(factory.NewJWTSigner("test-key", "uac")),
	)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) add(tk *model.Ticket, err error) *model.Ticket {
	h.t.Helper()
	require.NoError(h.t, err)
	require.NoError(h.t, h.reg.AddTicket(h.ctx, tk))
	return tk
}

func (h *harness) tgt(principal string) *model.Ticket {
	h.t.Helper()
	auth := model.NewAuthentication(principal, map[string][]string{
		model.AttrAuthenticationMethod: {"password"},
	})
	return h.add(h.factory.CreateTicketGrantingTicket(auth))
}

func (h *harness) st(tgt *model.Ticket, service string) *model.Ticket {
	h.t.Helper()
	return h.add(h.factory.CreateServiceTicket(tgt, service, false))
}

func (h *harness) assertInvalid(id string) {
	h.t.Helper()
	_, err := h.reg.GetTicket(h.ctx, id)
	assert.ErrorIs(h.t, err, model.ErrInvalidTicket, id)
}

func ids(tickets []*model.Ticket) []string {
	out := make([]string, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.ID)
	}
	return out
}

// runStoreSuite 所有存储后端共享的行为用例
func runStoreSuite(t *testing.T, build storeBuilder) {
	t.Run("AddAndGet", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		assert.Equal(t, int64(1), tgt.Version)

		got, err := h.reg.GetTicket(h.ctx, tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, tgt.ID, got.ID)
		assert.Equal(t, model.KindTicketGrantingTicket, got.Kind)
		assert.Equal(t, "casuser", got.PrincipalID())
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, tgt.CreationTime.Equal(got.CreationTime))

		err = h.reg.AddTicket(h.ctx, tgt)
		assert.ErrorIs(t, err, ErrTicketAlreadyExists)
	})

	t.Run("UnknownTicket", func(t *testing.T) {
		h := newHarness(t, build)
		_, err := h.reg.GetTicket(h.ctx, "TGT-1-nothing-test")
		var invalid *model.InvalidTicketError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, model.ReasonNotFound, invalid.Reason)

		n, err := h.reg.DeleteTicket(h.ctx, "TGT-1-nothing-test")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("KindAndPredicate", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		st := h.st(tgt, "https://app.example.org")

		got, err := h.reg.GetTicketOfKind(h.ctx, st.ID, model.KindServiceTicket)
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.org", got.Service)

		_, err = h.reg.GetTicketOfKind(h.ctx, st.ID, model.KindProxyTicket)
		assert.ErrorIs(t, err, model.ErrTicketTypeMismatch)

		_, err = h.reg.GetTicketMatching(h.ctx, st.ID, func(t *model.Ticket) bool {
			return t.Service == "https://other.example.org"
		})
		assert.ErrorIs(t, err, model.ErrInvalidTicket)

		_, err = h.reg.GetTicketMatching(h.ctx, st.ID, func(t *model.Ticket) bool {
			return t.ParentID == tgt.ID
		})
		assert.NoError(t, err)
	})

	t.Run("ExpiredTicketIsInvalidButListed", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		st := h.st(tgt, "https://app.example.org")

		h.advance(11 * time.Second)
		_, err := h.reg.GetTicket(h.ctx, st.ID)
		var invalid *model.InvalidTicketError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, model.ReasonExpired, invalid.Reason)

		_, err = h.reg.GetTicket(h.ctx, tgt.ID)
		require.NoError(t, err)

		all, err := h.reg.GetTickets(h.ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{tgt.ID, st.ID}, ids(all))
	})

	t.Run("UsedUpServiceTicket", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		st := h.st(tgt, "https://app.example.org")

		updated, err := h.reg.Modify(h.ctx, st.ID, func(t *model.Ticket) error {
			t.Use(h.now)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.UsageCount)
		h.assertInvalid(st.ID)
	})

	t.Run("UpdateTicket", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		tgt.GrantService("ST-1-abc-test", "https://app.example.org")

		updated, err := h.reg.UpdateTicket(h.ctx, tgt)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err := h.reg.GetTicket(h.ctx, tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://app.example.org", got.Services["ST-1-abc-test"])
		assert.Equal(t, int64(2), got.Version)

		ghost := tgt.Clone()
		ghost.ID = "TGT-9-ghost-test"
		_, err = h.reg.UpdateTicket(h.ctx, ghost)
		assert.ErrorIs(t, err, model.ErrInvalidTicket)
	})

	t.Run("CascadeDelete", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		st1 := h.st(tgt, "https://a.example.org")
		st2 := h.st(tgt, "https://b.example.org")
		st3 := h.st(tgt, "https://c.example.org")
		st1.Use(h.now)
		pgt := h.add(h.factory.CreateProxyGrantingTicket(st1, tgt.Authentication, "https://a.example.org/cb"))
		pt := h.add(h.factory.CreateProxyTicket(pgt, "https://backend.example.org"))

		n, err := h.reg.DeleteTicket(h.ctx, tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, 6, n)
		for _, id := range []string{tgt.ID, st1.ID, st2.ID, st3.ID, pgt.ID, pt.ID} {
			h.assertInvalid(id)
		}

		n, err = h.reg.DeleteTicket(h.ctx, tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("CascadeFromMiddle", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		st := h.st(tgt, "https://a.example.org")
		st.Use(h.now)
		pgt := h.add(h.factory.CreateProxyGrantingTicket(st, tgt.Authentication, "https://a.example.org/cb"))
		h.add(h.factory.CreateProxyTicket(pgt, "https://backend.example.org"))

		n, err := h.reg.DeleteTicket(h.ctx, pgt.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = h.reg.GetTicket(h.ctx, st.ID)
		assert.NoError(t, err)
		_, err = h.reg.GetTicket(h.ctx, tgt.ID)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentModify", func(t *testing.T) {
		h := newHarness(t, build, WithUpdateRetries(64))
		tgt := h.tgt("casuser")

		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.reg.Modify(h.ctx, tgt.ID, func(t *model.Ticket) error {
					t.UsageCount++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := h.reg.GetTicket(h.ctx, tgt.ID)
		require.NoError(t, err)
		assert.Equal(t, workers, got.UsageCount)
		assert.Equal(t, int64(workers+1), got.Version)
	})

	t.Run("ConcurrentUpdateIsolation", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")

		// 每次写入都是某个写者某一轮的完整服务表
		payload := func(writer, round int) map[string]string {
			services := make(map[string]string, 3)
			for k := 0; k < 3; k++ {
				services[fmt.Sprintf("ST-%d-w%d-r%d", k, writer, round)] = fmt.Sprintf("https://w%d.example.org/%d", writer, round)
			}
			return services
		}
		wholeWrite := func(services map[string]string) bool {
			if len(services) == 0 {
				return true
			}
			var writer, round int
			for id := range services {
				var k int
				if _, err := fmt.Sscanf(id, "ST-%d-w%d-r%d", &k, &writer, &round); err != nil {
					return false
				}
				break
			}
			want := payload(writer, round)
			if len(want) != len(services) {
				return false
			}
			for id, svc := range want {
				if services[id] != svc {
					return false
				}
			}
			return true
		}

		const writers, rounds = 2, 20
		var writersWG, readersWG sync.WaitGroup
		done := make(chan struct{})
		errs := make(chan error, writers*rounds)
		torn := make(chan map[string]string, 1)

		for r := 0; r < 2; r++ {
			readersWG.Add(1)
			go func() {
				defer readersWG.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					got, err := h.reg.GetTicket(h.ctx, tgt.ID)
					if err != nil {
						errs <- err
						return
					}
					if !wholeWrite(got.Services) {
						select {
						case torn <- got.Services:
						default:
						}
						return
					}
				}
			}()
		}
		for w := 0; w < writers; w++ {
			writersWG.Add(1)
			go func(w int) {
				defer writersWG.Done()
				for i := 0; i < rounds; i++ {
					next := tgt.Clone()
					next.Services = payload(w, i)
					if _, err := h.reg.UpdateTicket(h.ctx, next); err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
		writersWG.Wait()
		close(done)
		readersWG.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		select {
		case services := <-torn:
			t.Fatalf("读到不完整的写入: %v", services)
		default:
		}

		got, err := h.reg.GetTicket(h.ctx, tgt.ID)
		require.NoError(t, err)
		assert.True(t, wholeWrite(got.Services))
		assert.Len(t, got.Services, 3)
		assert.Equal(t, int64(1+writers*rounds), got.Version)
	})

	t.Run("CountsAndPaging", func(t *testing.T) {
		h := newHarness(t, build)
		var first *model.Ticket
		for i := 0; i < 5; i++ {
			tk := h.tgt("alice")
			if first == nil {
				first = tk
			}
		}
		h.tgt("bob")
		h.tgt("bob")
		h.st(first, "https://a.example.org")
		h.st(first, "https://b.example.org")
		h.st(first, "https://c.example.org")

		n, err := h.reg.SessionCount(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
		n, err = h.reg.ServiceTicketCount(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		n, err = h.reg.CountSessionsFor(h.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
		n, err = h.reg.CountSessionsFor(h.ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		page1, err := h.reg.Query(h.ctx, Criteria{Kind: model.KindTicketGrantingTicket, Count: 4, Decode: true})
		require.NoError(t, err)
		assert.Len(t, page1, 4)
		page2, err := h.reg.Query(h.ctx, Criteria{Kind: model.KindTicketGrantingTicket, From: 4, Count: 10, Decode: true})
		require.NoError(t, err)
		assert.Len(t, page2, 3)
		assert.Len(t, append(ids(page1), ids(page2)...), 7)
		for _, id := range ids(page2) {
			assert.NotContains(t, ids(page1), id)
		}

		sts, err := h.reg.Query(h.ctx, Criteria{Kind: model.KindServiceTicket})
		require.NoError(t, err)
		require.Len(t, sts, 3)
		for _, tk := range sts {
			assert.Equal(t, model.KindServiceTicket, tk.Kind)
			assert.NotEmpty(t, tk.ID)
		}

		bobs, err := h.reg.Query(h.ctx, Criteria{Kind: model.KindTicketGrantingTicket, PrincipalID: "bob"})
		require.NoError(t, err)
		assert.Len(t, bobs, 2)
	})

	t.Run("StreamExpired", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		st1 := h.st(tgt, "https://a.example.org")
		st2 := h.st(tgt, "https://b.example.org")
		h.advance(11 * time.Second)
		fresh := h.st(tgt, "https://c.example.org")

		s, err := h.reg.Stream(h.ctx, Criteria{ExpiredAt: h.now})
		require.NoError(t, err)
		expired, err := Collect(s)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{st1.ID, st2.ID}, ids(expired))

		valid, err := h.reg.Query(h.ctx, Criteria{ValidOnly: true})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{tgt.ID, fresh.ID}, ids(valid))

		matching, err := h.reg.GetTicketsMatching(h.ctx, func(t *model.Ticket) bool {
			return t.Service == "https://b.example.org"
		})
		require.NoError(t, err)
		assert.Equal(t, []string{st2.ID}, ids(matching))
	})

	t.Run("DeleteAll", func(t *testing.T) {
		h := newHarness(t, build)
		tgt := h.tgt("casuser")
		h.st(tgt, "https://a.example.org")
		h.tgt("other")

		n, err := h.reg.DeleteAll(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		all, err := h.reg.GetTickets(h.ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		h.assertInvalid(tgt.ID)
	})
}
