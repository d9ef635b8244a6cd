// Package factory 票据工厂
package factory

import (
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/idgen"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

var (
	ErrUnsupportedOperation  = errors.New("不支持的票据操作")
	ErrMissingAuthentication = errors.New("缺少认证信息")
	ErrMissingService        = errors.New("缺少目标服务")
)

// Request 票据创建请求
type Request struct {
	Kind           model.Kind
	Parent         *model.Ticket
	Authentication *model.Authentication
	Service        string
	// ID 显式指定票据 ID，为空时由生成器生成
	ID           string
	FromNewLogin bool
}

// Factory 票据工厂，只负责构造，不负责持久化
type Factory struct {
	catalog    *catalog.Catalog
	generators map[model.Kind]idgen.Generator
	fallback   idgen.Generator
	signer     TokenSigner
	now        func() time.Time
}

// Option 工厂选项
type Option func(*Factory)

// WithIDGenerator 为指定票据类型设置 ID 生成器
func WithIDGenerator(kind model.Kind, g idgen.Generator) Option {
	return func(f *Factory) { f.generators[kind] = g }
}

// WithTokenSigner 设置安全令牌签名器
func WithTokenSigner(s TokenSigner) Option {
	return func(f *Factory) { f.signer = s }
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// New 创建票据工厂
func New(c *catalog.Catalog, fallback idgen.Generator, opts ...Option) *Factory {
	if fallback == nil {
		fallback = idgen.NewDefaultGenerator("", 0)
	}
	f := &Factory{
		catalog:    c,
		generators: make(map[model.Kind]idgen.Generator),
		fallback:   fallback,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create 按请求类型创建票据
func (f *Factory) Create(req Request) (*model.Ticket, error) {
	def, err := f.catalog.Find(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := f.checkDerivation(req); err != nil {
		return nil, err
	}

	now := f.now()
	id := req.ID
	if id == "" {
		id = f.generator(req.Kind).NewTicketID(def.Prefix)
	}
	t := &model.Ticket{
		ID:           id,
		Kind:         req.Kind,
		CreationTime: now,
		LastTimeUsed: now,
		Policy:       def.Policy.Clone(),
	}

	switch req.Kind {
	case model.KindTicketGrantingTicket:
		t.RootID = t.ID
		t.Authentication = req.Authentication.Clone()
	case model.KindServiceTicket, model.KindProxyTicket:
		t.ParentID = req.Parent.ID
		t.RootID = rootOf(req.Parent)
		t.Service = req.Service
		t.FromNewLogin = req.FromNewLogin
		if req.Kind == model.KindProxyTicket {
			t.ProxiedBy = append(append([]string(nil), req.Parent.ProxiedBy...), req.Parent.Service)
		}
	case model.KindProxyGrantingTicket:
		t.ParentID = req.Parent.ID
		t.RootID = rootOf(req.Parent)
		t.Service = req.Service
		t.Authentication = req.Authentication.Clone()
		t.ProxiedBy = append([]string(nil), req.Parent.ProxiedBy...)
	case model.KindSecurityToken:
		t.ParentID = req.Parent.ID
		t.RootID = rootOf(req.Parent)
		if f.signer == nil {
			return nil, fmt.Errorf("%w: 未配置安全令牌签名器", ErrUnsupportedOperation)
		}
		token, err := f.signer.Sign(req.Parent.Authentication, t.ID, t.MaximumExpirationTime())
		if err != nil {
			return nil, fmt.Errorf("签发安全令牌失败: %w", err)
		}
		t.SecurityToken = token
	}
	return t, nil
}

// CreateTicketGrantingTicket 创建 TGT
func (f *Factory) CreateTicketGrantingTicket(auth *model.Authentication) (*model.Ticket, error) {
	return f.Create(Request{Kind: model.KindTicketGrantingTicket, Authentication: auth})
}

// CreateServiceTicket 由 TGT 创建 ST
func (f *Factory) CreateServiceTicket(tgt *model.Ticket, service string, fromNewLogin bool) (*model.Ticket, error) {
	return f.Create(Request{Kind: model.KindServiceTicket, Parent: tgt, Service: service, FromNewLogin: fromNewLogin})
}

// CreateProxyGrantingTicket 由已验证的 ST/PT 创建 PGT
func (f *Factory) CreateProxyGrantingTicket(parent *model.Ticket, auth *model.Authentication, callback string) (*model.Ticket, error) {
	return f.Create(Request{Kind: model.KindProxyGrantingTicket, Parent: parent, Authentication: auth, Service: callback})
}

// CreateProxyTicket 由 PGT 创建 PT
func (f *Factory) CreateProxyTicket(pgt *model.Ticket, service string) (*model.Ticket, error) {
	return f.Create(Request{Kind: model.KindProxyTicket, Parent: pgt, Service: service})
}

// CreateSecurityTokenTicket 由 TGT 创建安全令牌票据
func (f *Factory) CreateSecurityTokenTicket(tgt *model.Ticket) (*model.Ticket, error) {
	return f.Create(Request{Kind: model.KindSecurityToken, Parent: tgt})
}

// checkDerivation 校验请求类型能否由给定父票据派生
func (f *Factory) checkDerivation(req Request) error {
	parentKind := model.Kind("")
	if req.Parent != nil {
		parentKind = req.Parent.Kind
	}

	switch req.Kind {
	case model.KindTicketGrantingTicket:
		if req.Parent != nil {
			return fmt.Errorf("%w: TGT 不能有父票据", ErrUnsupportedOperation)
		}
		if req.Authentication == nil {
			return ErrMissingAuthentication
		}
	case model.KindServiceTicket, model.KindSecurityToken:
		if parentKind != model.KindTicketGrantingTicket {
			return fmt.Errorf("%w: %s 只能由 TGT 派生, 实际父票据类型 %q", ErrUnsupportedOperation, req.Kind, parentKind)
		}
	case model.KindProxyTicket:
		if parentKind != model.KindProxyGrantingTicket {
			return fmt.Errorf("%w: PT 只能由 PGT 派生, 实际父票据类型 %q", ErrUnsupportedOperation, parentKind)
		}
	case model.KindProxyGrantingTicket:
		if !parentKind.IsServiceAccess() {
			return fmt.Errorf("%w: PGT 只能由 ST/PT 派生, 实际父票据类型 %q", ErrUnsupportedOperation, parentKind)
		}
		if req.Parent.UsageCount == 0 {
			return fmt.Errorf("%w: 父票据 %s 尚未验证", ErrUnsupportedOperation, req.Parent.ID)
		}
		if req.Authentication == nil {
			return ErrMissingAuthentication
		}
	default:
		return fmt.Errorf("%w: %s", catalog.ErrInvalidTicketType, req.Kind)
	}

	if req.Kind.IsServiceAccess() || req.Kind == model.KindProxyGrantingTicket {
		if req.Service == "" {
			return ErrMissingService
		}
	}
	return nil
}

func (f *Factory) generator(kind model.Kind) idgen.Generator {
	if g, ok := f.generators[kind]; ok {
		return g
	}
	return f.fallback
}

func rootOf(parent *model.Ticket) string {
	if parent.RootID != "" {
		return parent.RootID
	}
	return parent.ID
}
