package model

import (
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
)

// Kind 票据类型
type Kind string

// 票据类型常量
const (
	KindTicketGrantingTicket Kind = "TGT"
	KindServiceTicket        Kind = "ST"
	KindProxyGrantingTicket  Kind = "PGT"
	KindProxyTicket          Kind = "PT"
	KindSecurityToken        Kind = "STS"
)

// Kinds 全部票据类型
var Kinds = []Kind{
	KindTicketGrantingTicket,
	KindServiceTicket,
	KindProxyGrantingTicket,
	KindProxyTicket,
	KindSecurityToken,
}

// IsGranting 是否为可签发子票据的类型（TGT、PGT）
func (k Kind) IsGranting() bool {
	return k == KindTicketGrantingTicket || k == KindProxyGrantingTicket
}

// IsServiceAccess 是否为服务访问票据（ST、PT）
func (k Kind) IsServiceAccess() bool {
	return k == KindServiceTicket || k == KindProxyTicket
}

// Ticket 票据
// 父子关系只保存 ID，级联删除通过存储中的子票据索引逐层查找完成。
type Ticket struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	CreationTime time.Time `json:"creation_time"`
	LastTimeUsed time.Time `json:"last_time_used"`
	// PreviousTimeUsed 上一次使用时间
	PreviousTimeUsed time.Time          `json:"previous_time_used"`
	UsageCount       int                `json:"usage_count"`
	Policy           *expiration.Policy `json:"policy,omitempty"`
	// Expired 被显式标记为过期
	Expired bool `json:"expired,omitempty"`

	// ParentID 直接父票据 ID，TGT 为空
	ParentID string `json:"parent_id,omitempty"`
	// RootID 所属 TGT 的 ID，TGT 为自身 ID
	RootID string `json:"root_id,omitempty"`

	// Service ST/PT 签发给的服务；PGT 为代理回调服务
	Service string `json:"service,omitempty"`
	// FromNewLogin ST 是否由新登录签发
	FromNewLogin bool `json:"from_new_login,omitempty"`

	// Authentication TGT/PGT 持有的认证信息
	Authentication *Authentication `json:"authentication,omitempty"`
	// Services TGT/PGT 已签发的 ST/PT：票据 ID -> 服务
	Services map[string]string `json:"services,omitempty"`
	// ProxyGrantingTickets TGT 下派生的 PGT：票据 ID -> 服务
	ProxyGrantingTickets map[string]string `json:"proxy_granting_tickets,omitempty"`
	// ProxiedBy PT 的代理链
	ProxiedBy []string `json:"proxied_by,omitempty"`
	// SecurityToken STS 持有的已签名令牌
	SecurityToken string `json:"security_token,omitempty"`

	// Version 乐观锁版本号，由注册表维护
	Version int64 `json:"version"`
}

// State 过期策略所需的时间数据
func (t *Ticket) State() expiration.State {
	return expiration.State{
		CreationTime: t.CreationTime,
		LastTimeUsed: t.LastTimeUsed,
		UsageCount:   t.UsageCount,
		RememberMe:   t.Authentication.IsRememberMe(),
	}
}

// IsExpired 判断票据在 now 时刻是否过期
func (t *Ticket) IsExpired(now time.Time) bool {
	if t.Expired {
		return true
	}
	return t.Policy.IsExpired(t.State(), now)
}

// MaximumExpirationTime 最晚过期时间，零值表示无上限
func (t *Ticket) MaximumExpirationTime() time.Time {
	return t.Policy.MaximumExpirationTime(t.State())
}

// StorageTimeout 存储层键过期时长
func (t *Ticket) StorageTimeout(now time.Time) time.Duration {
	if t.Expired {
		return time.Second
	}
	return t.Policy.StorageTimeout(t.State(), now)
}

// Use 记录一次使用
// now 早于上次使用时间时视为时钟回拨：使用次数照常增加，但时间戳保持不变，返回 true。
func (t *Ticket) Use(now time.Time) (skewed bool) {
	t.UsageCount++
	if now.Before(t.LastTimeUsed) {
		return true
	}
	t.PreviousTimeUsed = t.LastTimeUsed
	t.LastTimeUsed = now
	return false
}

// MarkExpired 显式标记为过期
func (t *Ticket) MarkExpired() {
	t.Expired = true
}

// PrincipalID 票据自身携带的主体 ID
func (t *Ticket) PrincipalID() string {
	return t.Authentication.PrincipalID()
}

// GrantService 在授予票据上登记已签发的 ST/PT
func (t *Ticket) GrantService(id, service string) {
	if t.Services == nil {
		t.Services = make(map[string]string)
	}
	t.Services[id] = service
}

// AddProxyGrantingTicket 在 TGT 上登记派生的 PGT
func (t *Ticket) AddProxyGrantingTicket(id, service string) {
	if t.ProxyGrantingTickets == nil {
		t.ProxyGrantingTickets = make(map[string]string)
	}
	t.ProxyGrantingTickets[id] = service
}

// Clone 深拷贝，存储层以拷贝隔离读写
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.Policy = t.Policy.Clone()
	c.Authentication = t.Authentication.Clone()
	c.Services = cloneMap(t.Services)
	c.ProxyGrantingTickets = cloneMap(t.ProxyGrantingTickets)
	c.ProxiedBy = append([]string(nil), t.ProxiedBy...)
	return &c
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
