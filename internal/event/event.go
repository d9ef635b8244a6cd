// Package event 票据生命周期事件
package event

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Type 事件类型
type Type string

// 事件类型常量
const (
	TicketCreated   Type = "ticket_created"
	TicketUpdated   Type = "ticket_updated"
	TicketDestroyed Type = "ticket_destroyed"
)

// Event 票据事件
type Event struct {
	Type        Type       `json:"type"`
	TicketID    string     `json:"ticket_id"`
	Kind        model.Kind `json:"kind"`
	ParentID    string     `json:"parent_id,omitempty"`
	RootID      string     `json:"root_id,omitempty"`
	PrincipalID string     `json:"principal_id,omitempty"`
	Service     string     `json:"service,omitempty"`
	Time        time.Time  `json:"time"`
}

// New 由票据构造事件
func New(typ Type, t *model.Ticket, at time.Time) Event {
	return Event{
		Type:        typ,
		TicketID:    t.ID,
		Kind:        t.Kind,
		ParentID:    t.ParentID,
		RootID:      t.RootID,
		PrincipalID: t.PrincipalID(),
		Service:     t.Service,
		Time:        at,
	}
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc 函数适配器
type PublisherFunc func(ctx context.Context, e Event) error

// Publish 发布事件
func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Nop 丢弃所有事件
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Multi 依次发布到多个发布者，返回第一个错误
type Multi []Publisher

// Publish 发布事件
func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogPublisher 将事件写入日志
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher 创建日志发布者
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish 发布事件
func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.Info("票据事件",
		zap.String("type", string(e.Type)),
		zap.String("ticket_id", e.TicketID),
		zap.String("kind", string(e.Kind)),
		zap.String("root_id", e.RootID),
		zap.String("principal_id", e.PrincipalID),
	)
	return nil
}
