// Package service 业务逻辑层
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-ticket/internal/factory"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
)

var (
	ErrServiceMismatch = errors.New("票据与目标服务不匹配")
	ErrNotProxyable    = errors.New("票据不能用于签发代理票据")
)

// Assertion 票据验证结果
type Assertion struct {
	// Ticket 验证通过的 ST/PT
	Ticket *model.Ticket
	// Authentication 根 TGT 上的认证信息
	Authentication *model.Authentication
	// ProxiedBy 代理链，ST 为空
	ProxiedBy []string
}

// TicketService 票据签发与验证
type TicketService interface {
	// 会话
	GrantTicketGrantingTicket(ctx context.Context, auth *model.Authentication) (*model.Ticket, error)
	DestroyTicketGrantingTicket(ctx context.Context, tgtID string) (int, error)

	// 服务票据
	GrantServiceTicket(ctx context.Context, tgtID, service string, fromNewLogin bool) (*model.Ticket, error)
	ValidateServiceTicket(ctx context.Context, ticketID, service string) (*Assertion, error)

	// 代理
	GrantProxyGrantingTicket(ctx context.Context, assertion *Assertion, callback string) (*model.Ticket, error)
	GrantProxyTicket(ctx context.Context, pgtID, service string) (*model.Ticket, error)

	// 安全令牌
	GrantSecurityToken(ctx context.Context, tgtID string) (*model.Ticket, error)
}

// TicketServiceConfig 票据服务配置
type TicketServiceConfig struct {
	Logger *zap.Logger
	Now    func() time.Time
}

type ticketService struct {
	registry registry.Registry
	factory  *factory.Factory
	log      *zap.Logger
	now      func() time.Time
}

// NewTicketService 创建票据服务
func NewTicketService(reg registry.Registry, f *factory.Factory, config *TicketServiceConfig) TicketService {
	if config == nil {
		config = &TicketServiceConfig{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ticketService{
		registry: reg,
		factory:  f,
		log:      config.Logger,
		now:      config.Now,
	}
}

// GrantTicketGrantingTicket 认证成功后创建 TGT
func (s *ticketService) GrantTicketGrantingTicket(ctx context.Context, auth *model.Authentication) (*model.Ticket, error) {
	tgt, err := s.factory.CreateTicketGrantingTicket(auth)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, tgt); err != nil {
		return nil, err
	}
	s.log.Info("签发 TGT",
		zap.String("ticket_id", tgt.ID),
		zap.String("principal", tgt.PrincipalID()),
	)
	return tgt, nil
}

// DestroyTicketGrantingTicket 登出，级联删除全部下级票据
func (s *ticketService) DestroyTicketGrantingTicket(ctx context.Context, tgtID string) (int, error) {
	n, err := s.registry.DeleteTicket(ctx, tgtID)
	if err != nil {
		return n, err
	}
	s.log.Info("销毁 TGT", zap.String("ticket_id", tgtID), zap.Int("removed", n))
	return n, nil
}

// use 记录一次使用，时钟回拨只记日志
func (s *ticketService) use(t *model.Ticket) {
	now := s.now()
	if t.Use(now) {
		s.log.Warn("检测到时钟回拨，保留上次使用时间",
			zap.String("ticket_id", t.ID),
			zap.Time("last_used", t.LastTimeUsed),
			zap.Time("now", now),
		)
	}
}

// GrantServiceTicket 由 TGT 签发 ST，并在 TGT 上记录已访问的服务
func (s *ticketService) GrantServiceTicket(ctx context.Context, tgtID, service string, fromNewLogin bool) (*model.Ticket, error) {
	var st *model.Ticket
	_, err := s.registry.Modify(ctx, tgtID, func(tgt *model.Ticket) error {
		if tgt.Kind != model.KindTicketGrantingTicket {
			return &model.TypeMismatchError{ID: tgtID, Expected: model.KindTicketGrantingTicket, Actual: tgt.Kind}
		}
		s.use(tgt)
		var err error
		st, err = s.factory.CreateServiceTicket(tgt, service, fromNewLogin)
		if err != nil {
			return err
		}
		tgt.GrantService(st.ID, service)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, st); err != nil {
		return nil, err
	}
	s.log.Debug("签发 ST",
		zap.String("ticket_id", st.ID),
		zap.String("tgt_id", tgtID),
		zap.String("service", service),
	)
	return st, nil
}

// ValidateServiceTicket 验证 ST/PT
// 服务不匹配时票据作废；使用次数由过期策略限制，ST 默认只能验证一次。
func (s *ticketService) ValidateServiceTicket(ctx context.Context, ticketID, service string) (*Assertion, error) {
	validated, err := s.registry.Modify(ctx, ticketID, func(t *model.Ticket) error {
		if !t.Kind.IsServiceAccess() {
			return &model.TypeMismatchError{ID: ticketID, Expected: model.KindServiceTicket, Actual: t.Kind}
		}
		if t.Service != service {
			return ErrServiceMismatch
		}
		s.use(t)
		return nil
	})
	if errors.Is(err, ErrServiceMismatch) {
		if _, derr := s.registry.DeleteTicket(ctx, ticketID); derr != nil {
			s.log.Warn("删除服务不匹配的票据失败", zap.String("ticket_id", ticketID), zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: %s", ErrServiceMismatch, service)
	}
	if err != nil {
		return nil, err
	}

	root, err := s.registry.GetTicketOfKind(ctx, validated.RootID, model.KindTicketGrantingTicket)
	if err != nil {
		return nil, err
	}
	return &Assertion{
		Ticket:         validated,
		Authentication: root.Authentication,
		ProxiedBy:      validated.ProxiedBy,
	}, nil
}

// GrantProxyGrantingTicket 由验证通过的 ST/PT 签发 PGT
func (s *ticketService) GrantProxyGrantingTicket(ctx context.Context, assertion *Assertion, callback string) (*model.Ticket, error) {
	if assertion == nil || assertion.Ticket == nil || assertion.Ticket.UsageCount == 0 {
		return nil, fmt.Errorf("%w: 票据尚未验证", ErrNotProxyable)
	}
	pgt, err := s.factory.CreateProxyGrantingTicket(assertion.Ticket, assertion.Authentication, callback)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, pgt); err != nil {
		return nil, err
	}
	if _, err := s.registry.Modify(ctx, pgt.RootID, func(tgt *model.Ticket) error {
		tgt.AddProxyGrantingTicket(pgt.ID, callback)
		return nil
	}); err != nil {
		s.log.Warn("在 TGT 上记录 PGT 失败", zap.String("ticket_id", pgt.ID), zap.Error(err))
	}
	return pgt, nil
}

// GrantProxyTicket 由 PGT 签发 PT
func (s *ticketService) GrantProxyTicket(ctx context.Context, pgtID, service string) (*model.Ticket, error) {
	var pt *model.Ticket
	_, err := s.registry.Modify(ctx, pgtID, func(pgt *model.Ticket) error {
		if pgt.Kind != model.KindProxyGrantingTicket {
			return &model.TypeMismatchError{ID: pgtID, Expected: model.KindProxyGrantingTicket, Actual: pgt.Kind}
		}
		s.use(pgt)
		var err error
		pt, err = s.factory.CreateProxyTicket(pgt, service)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

// GrantSecurityToken 为 TGT 签发安全令牌票据
func (s *ticketService) GrantSecurityToken(ctx context.Context, tgtID string) (*model.Ticket, error) {
	tgt, err := s.registry.GetTicketOfKind(ctx, tgtID, model.KindTicketGrantingTicket)
	if err != nil {
		return nil, err
	}
	sts, err := s.factory.CreateSecurityTokenTicket(tgt)
	if err != nil {
		return nil, err
	}
	if err := s.registry.AddTicket(ctx, sts); err != nil {
		return nil, err
	}
	return sts, nil
}
