// Package support 面向 Web 层的注册表便捷方法
package support

import (
	"context"
	"errors"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
)

// Support 按 TGT ID 读取认证信息
// 读取类方法在 TGT 不存在或已过期时返回 nil 而不是错误，类型不匹配和后端故障仍然返回错误。
type Support interface {
	GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.Ticket, error)
	GetAuthenticationFrom(ctx context.Context, tgtID string) (*model.Authentication, error)
	GetAuthenticatedPrincipalFrom(ctx context.Context, tgtID string) (*model.Principal, error)
	UpdateAuthentication(ctx context.Context, tgtID string, auth *model.Authentication) error
}

type support struct {
	registry registry.Registry
}

// New 创建 Support
func New(reg registry.Registry) Support {
	return &support{registry: reg}
}

// GetTicketGrantingTicket 获取有效 TGT
func (s *support) GetTicketGrantingTicket(ctx context.Context, tgtID string) (*model.Ticket, error) {
	if tgtID == "" {
		return nil, nil
	}
	t, err := s.registry.GetTicketOfKind(ctx, tgtID, model.KindTicketGrantingTicket)
	if errors.Is(err, model.ErrInvalidTicket) {
		return nil, nil
	}
	return t, err
}

// GetAuthenticationFrom 获取 TGT 上的认证信息
func (s *support) GetAuthenticationFrom(ctx context.Context, tgtID string) (*model.Authentication, error) {
	t, err := s.GetTicketGrantingTicket(ctx, tgtID)
	if err != nil || t == nil {
		return nil, err
	}
	return t.Authentication, nil
}

// GetAuthenticatedPrincipalFrom 获取 TGT 上的认证主体
func (s *support) GetAuthenticatedPrincipalFrom(ctx context.Context, tgtID string) (*model.Principal, error) {
	auth, err := s.GetAuthenticationFrom(ctx, tgtID)
	if err != nil || auth == nil {
		return nil, err
	}
	p := auth.Principal
	return &p, nil
}

// UpdateAuthentication 替换 TGT 上的认证信息，TGT 不存在时返回 model.ErrInvalidTicket
func (s *support) UpdateAuthentication(ctx context.Context, tgtID string, auth *model.Authentication) error {
	if auth == nil {
		return errors.New("认证信息不能为空")
	}
	_, err := s.registry.Modify(ctx, tgtID, func(t *model.Ticket) error {
		if t.Kind != model.KindTicketGrantingTicket {
			return &model.TypeMismatchError{ID: tgtID, Expected: model.KindTicketGrantingTicket, Actual: t.Kind}
		}
		t.Authentication = auth.Clone()
		return nil
	})
	return err
}
