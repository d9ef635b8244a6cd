package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/codec"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

func TestStorageTimeout(t *testing.T) {
	cat, err := catalog.FromConfig(map[string]config.TicketConfig{
		"ST":  {StorageTimeout: 3 * time.Second},
		"STS": {StorageTimeout: time.Minute},
	})
	require.NoError(t, err)
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	ticket := func(id string, kind model.Kind, p *expiration.Policy) *model.Ticket {
		return &model.Ticket{ID: id, Kind: kind, CreationTime: now, LastTimeUsed: now, Policy: p}
	}
	cases := []struct {
		name string
		cat  *catalog.Catalog
		tk   *model.Ticket
		want time.Duration
	}{
		{"未配置时按策略", catalog.Default(), ticket("ST-1-a", model.KindServiceTicket, expiration.MultiTimeUseOrTimeout(1, 10*time.Second)), 10 * time.Second},
		{"配置值更短", cat, ticket("ST-1-a", model.KindServiceTicket, expiration.MultiTimeUseOrTimeout(1, 10*time.Second)), 3 * time.Second},
		{"配置值更长时不延长", cat, ticket("STS-1-a", model.KindSecurityToken, expiration.HardTimeout(30*time.Second)), 30 * time.Second},
		{"永不过期的策略受配置限制", cat, ticket("STS-1-a", model.KindSecurityToken, expiration.NeverExpires()), time.Minute},
		{"没有目录", nil, ticket("ST-1-a", model.KindServiceTicket, expiration.HardTimeout(5*time.Second)), 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, storageTimeout(tc.cat, tc.tk, now))
		})
	}
}

func TestGormStore_ExpiresAtUsesStorageTimeout(t *testing.T) {
	cat, err := catalog.FromConfig(map[string]config.TicketConfig{"ST": {StorageTimeout: 3 * time.Second}})
	require.NoError(t, err)
	c, err := codec.New(codec.Options{})
	require.NoError(t, err)
	defer c.Close()

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	s := NewGormStore(nil, c, cat)
	s.now = func() time.Time { return now }

	rec, err := s.record(&model.Ticket{
		ID:           "ST-1-a",
		Kind:         model.KindServiceTicket,
		ParentID:     "TGT-1-a",
		CreationTime: now,
		LastTimeUsed: now,
		Policy:       expiration.MultiTimeUseOrTimeout(1, 10*time.Second),
	})
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, now.Add(3*time.Second), *rec.ExpiresAt)
}
