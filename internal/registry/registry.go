// Package registry 票据注册表
package registry

import (
	"context"
	"errors"
	"math"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

var (
	ErrTicketAlreadyExists = errors.New("票据已存在")
	ErrTicketNotFound      = errors.New("票据不存在")
	ErrVersionConflict     = errors.New("票据版本冲突")
	ErrConcurrentUpdate    = errors.New("票据并发更新冲突，重试次数已用尽")
	ErrCountUnsupported    = errors.New("存储后端不支持计数")
)

// CountUnknown 后端无法计数时的兼容返回值
const CountUnknown int64 = math.MinInt64

// AnyVersion 不做版本检查的整体替换
const AnyVersion int64 = -1

// Predicate 票据过滤条件
type Predicate func(*model.Ticket) bool

// Registry 票据注册表接口
type Registry interface {
	// AddTicket 新增票据，ID 冲突时返回 ErrTicketAlreadyExists
	AddTicket(ctx context.Context, t *model.Ticket) error
	// GetTicket 获取有效票据，不存在或已过期返回 model.ErrInvalidTicket
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	// GetTicketOfKind 获取指定类型的有效票据
	GetTicketOfKind(ctx context.Context, id string, kind model.Kind) (*model.Ticket, error)
	// Exists 票据是否仍在存储中，不判断是否过期
	Exists(ctx context.Context, id string) (bool, error)
	// GetTicketMatching 获取满足条件的有效票据
	GetTicketMatching(ctx context.Context, id string, pred Predicate) (*model.Ticket, error)
	// UpdateTicket 整体替换已存在票据
	UpdateTicket(ctx context.Context, t *model.Ticket) (*model.Ticket, error)
	// Modify 读-改-写，基于版本号做乐观锁重试
	Modify(ctx context.Context, id string, fn func(*model.Ticket) error) (*model.Ticket, error)
	// DeleteTicket 删除票据及其全部后代，返回删除总数
	DeleteTicket(ctx context.Context, id string) (int, error)
	// DeleteAll 清空注册表
	DeleteAll(ctx context.Context) (int, error)
	// GetTickets 返回全部票据，包含已过期票据
	GetTickets(ctx context.Context) ([]*model.Ticket, error)
	// GetTicketsMatching 返回满足条件的票据，包含已过期票据
	GetTicketsMatching(ctx context.Context, pred Predicate) ([]*model.Ticket, error)
	// Stream 按条件流式读取，调用方必须 Close
	Stream(ctx context.Context, c Criteria) (Stream, error)
	// Query 按条件一次性读取
	Query(ctx context.Context, c Criteria) ([]*model.Ticket, error)
	// SessionCount 已存储的 TGT 数量
	SessionCount(ctx context.Context) (int64, error)
	// ServiceTicketCount 已存储的 ST 数量
	ServiceTicketCount(ctx context.Context) (int64, error)
	// CountSessionsFor 指定主体的 TGT 数量
	CountSessionsFor(ctx context.Context, principalID string) (int64, error)
}

// OrUnknown 把不支持计数的错误转换为 CountUnknown
func OrUnknown(n int64, err error) (int64, error) {
	if errors.Is(err, ErrCountUnsupported) {
		return CountUnknown, nil
	}
	return n, err
}
