package registry

import (
	"context"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Store 注册表的存储后端
// 存储层只保证单个 ID 上的原子可见性，级联、过期与事件由 Registry 处理。
type Store interface {
	// Name 后端名称
	Name() string
	// Insert 插入新票据并登记父子索引，ID 已存在时返回 ErrTicketAlreadyExists
	Insert(ctx context.Context, t *model.Ticket) error
	// Load 读取票据，不存在返回 ErrTicketNotFound
	Load(ctx context.Context, id string) (*model.Ticket, error)
	// Replace 整体替换，expected 为 AnyVersion 时不检查版本；返回新版本号
	Replace(ctx context.Context, t *model.Ticket, expected int64) (int64, error)
	// Remove 删除票据，返回实际删除的条数，不存在的 ID 忽略
	Remove(ctx context.Context, ids ...string) (int, error)
	// Children 直接子票据 ID
	Children(ctx context.Context, id string) ([]string, error)
	// Scan 按条件流式读取
	Scan(ctx context.Context, c Criteria) (Stream, error)
	// Count 指定类型的票据数量，不支持时返回 ErrCountUnsupported
	Count(ctx context.Context, kind model.Kind) (int64, error)
	// CountByPrincipal 指定主体的 TGT 数量，不支持时返回 ErrCountUnsupported
	CountByPrincipal(ctx context.Context, principalID string) (int64, error)
	// Clear 清空，返回删除的票据数
	Clear(ctx context.Context) (int, error)
}

// storageTimeout 票据在后端的保留时长，0 表示不过期
// 票据定义配置了存储超时时，以它作为过期策略计算结果的上限。
func storageTimeout(cat *catalog.Catalog, t *model.Ticket, now time.Time) time.Duration {
	ttl := t.StorageTimeout(now)
	if cat == nil || t.Expired {
		return ttl
	}
	def, err := cat.FindByTicketID(t.ID)
	if err != nil || def.Storage.Timeout <= 0 {
		return ttl
	}
	if ttl == 0 || def.Storage.Timeout < ttl {
		return def.Storage.Timeout
	}
	return ttl
}
