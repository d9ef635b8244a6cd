// Package expiration 票据过期策略
package expiration

import (
	"errors"
	"fmt"
	"time"
)

// 过期策略名称
const (
	NameHardTimeout        = "hard-timeout"
	NameTimeout            = "timeout"
	NameMultiUseOrTimeout  = "multi-use-or-timeout"
	NameTicketGranting     = "ticket-granting"
	NameNeverExpires       = "never-expires"
	NameAlwaysExpires      = "always-expires"
	NameRememberMeDelegate = "remember-me-delegating"
)

var ErrInvalidPolicy = errors.New("过期策略配置无效")

// State 策略计算所需的票据时间数据
type State struct {
	CreationTime time.Time
	LastTimeUsed time.Time
	UsageCount   int
	RememberMe   bool
}

// Policy 可组合的过期策略
// 各限制字段为零值时表示不启用该限制。
type Policy struct {
	Name string `json:"name,omitempty"`
	// TimeToLive 自创建起的最长有效期
	TimeToLive time.Duration `json:"ttl,omitempty"`
	// TimeToIdle 自最后一次使用起的空闲超时
	TimeToIdle time.Duration `json:"tti,omitempty"`
	// MaxUses 最大使用次数
	MaxUses int  `json:"max_uses,omitempty"`
	Never   bool `json:"never,omitempty"`
	Always  bool `json:"always,omitempty"`
	// RememberMe 认证信息携带"记住我"时改用此策略
	RememberMe *Policy `json:"remember_me,omitempty"`
}

// HardTimeout 固定有效期策略
func HardTimeout(ttl time.Duration) *Policy {
	return &Policy{Name: NameHardTimeout, TimeToLive: ttl}
}

// Timeout 滑动空闲超时策略
func Timeout(idle time.Duration) *Policy {
	return &Policy{Name: NameTimeout, TimeToIdle: idle}
}

// MultiTimeUseOrTimeout 使用次数或有效期任一到达即过期
func MultiTimeUseOrTimeout(uses int, ttl time.Duration) *Policy {
	return &Policy{Name: NameMultiUseOrTimeout, MaxUses: uses, TimeToLive: ttl}
}

// TicketGrantingTicket TGT 策略：最长有效期 + 空闲超时
func TicketGrantingTicket(maxTTL, idle time.Duration) *Policy {
	return &Policy{Name: NameTicketGranting, TimeToLive: maxTTL, TimeToIdle: idle}
}

// NeverExpires 永不过期
func NeverExpires() *Policy {
	return &Policy{Name: NameNeverExpires, Never: true}
}

// AlwaysExpires 始终过期
func AlwaysExpires() *Policy {
	return &Policy{Name: NameAlwaysExpires, Always: true}
}

// RememberMeDelegating 根据"记住我"标记在两个策略之间切换
func RememberMeDelegating(rememberMe, standard *Policy) *Policy {
	p := *standard
	p.Name = NameRememberMeDelegate
	p.RememberMe = rememberMe
	return &p
}

// Validate 校验策略配置
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: 策略为空", ErrInvalidPolicy)
	}
	if p.TimeToLive < 0 || p.TimeToIdle < 0 || p.MaxUses < 0 {
		return fmt.Errorf("%w: %s 含有负值", ErrInvalidPolicy, p.Name)
	}
	if p.Never && p.Always {
		return fmt.Errorf("%w: never 与 always 不能同时设置", ErrInvalidPolicy)
	}
	if p.RememberMe != nil {
		if p.RememberMe.RememberMe != nil {
			return fmt.Errorf("%w: 不支持嵌套的记住我策略", ErrInvalidPolicy)
		}
		return p.RememberMe.Validate()
	}
	return nil
}

// effective 返回对当前票据生效的策略
func (p *Policy) effective(s State) *Policy {
	if s.RememberMe && p.RememberMe != nil {
		return p.RememberMe
	}
	return p
}

// IsExpired 判断票据在 now 时刻是否过期
// 恰好到达时限时仍然有效，超过时限才算过期。
func (p *Policy) IsExpired(s State, now time.Time) bool {
	if p == nil {
		return false
	}
	e := p.effective(s)
	if e.Always {
		return true
	}
	if e.Never {
		return false
	}
	if e.MaxUses > 0 && s.UsageCount >= e.MaxUses {
		return true
	}
	if e.TimeToLive > 0 && now.After(s.CreationTime.Add(e.TimeToLive)) {
		return true
	}
	if e.TimeToIdle > 0 && now.After(lastUsed(s).Add(e.TimeToIdle)) {
		return true
	}
	return false
}

// MaximumExpirationTime 票据无论如何使用都不可能再有效的时间点
// 策略没有绝对上限时返回零值。
func (p *Policy) MaximumExpirationTime(s State) time.Time {
	if p == nil {
		return time.Time{}
	}
	e := p.effective(s)
	switch {
	case e.Always:
		return s.CreationTime
	case e.Never:
		return time.Time{}
	case e.TimeToLive > 0:
		return s.CreationTime.Add(e.TimeToLive)
	case e.TimeToIdle > 0:
		return lastUsed(s).Add(e.TimeToIdle)
	}
	return time.Time{}
}

// StorageTimeout 后端存储的键过期时长，0 表示不设置过期
func (p *Policy) StorageTimeout(s State, now time.Time) time.Duration {
	if p == nil {
		return 0
	}
	e := p.effective(s)
	if e.Never {
		return 0
	}
	if e.Always {
		return time.Second
	}
	var limit time.Time
	if e.TimeToLive > 0 {
		limit = s.CreationTime.Add(e.TimeToLive)
	}
	if e.TimeToIdle > 0 {
		idle := lastUsed(s).Add(e.TimeToIdle)
		if limit.IsZero() || idle.Before(limit) {
			limit = idle
		}
	}
	if limit.IsZero() {
		return 0
	}
	ttl := limit.Sub(now)
	if ttl < time.Second {
		// 保留一秒，交给读取时的过期判断处理
		ttl = time.Second
	}
	return ttl
}

func lastUsed(s State) time.Time {
	if s.LastTimeUsed.Before(s.CreationTime) {
		return s.CreationTime
	}
	return s.LastTimeUsed
}

// Clone 深拷贝
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.RememberMe = p.RememberMe.Clone()
	return &c
}
