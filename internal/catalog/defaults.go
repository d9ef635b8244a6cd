package catalog

import (
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Default 使用内置默认值构建目录
func Default() *Catalog {
	c := New()
	for i, def := range defaultDefinitions() {
		def.Order = i
		if err := c.Register(def); err != nil {
			panic(err)
		}
	}
	return c
}

func defaultDefinitions() []Definition {
	return []Definition{
		{Kind: model.KindTicketGrantingTicket, Prefix: "TGT", Policy: expiration.TicketGrantingTicket(8*time.Hour, 2*time.Hour)},
		{Kind: model.KindServiceTicket, Prefix: "ST", Policy: expiration.MultiTimeUseOrTimeout(1, 10*time.Second)},
		{Kind: model.KindProxyGrantingTicket, Prefix: "PGT", Policy: expiration.TicketGrantingTicket(8*time.Hour, 2*time.Hour)},
		{Kind: model.KindProxyTicket, Prefix: "PT", Policy: expiration.MultiTimeUseOrTimeout(1, 10*time.Second)},
		{Kind: model.KindSecurityToken, Prefix: "STS", Policy: expiration.HardTimeout(8 * time.Hour)},
	}
}

// FromConfig 根据配置构建目录，未配置的类型使用默认值
func FromConfig(cfg map[string]config.TicketConfig) (*Catalog, error) {
	c := New()
	for i, def := range defaultDefinitions() {
		def.Order = i
		if tc, ok := cfg[string(def.Kind)]; ok {
			applyConfig(&def, tc)
		}
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyConfig(def *Definition, tc config.TicketConfig) {
	if tc.Prefix != "" {
		def.Prefix = tc.Prefix
	}
	// 只覆盖配置了的字段，其余沿用默认策略
	p := def.Policy.Clone()
	if tc.TimeToLive != 0 {
		p.TimeToLive = tc.TimeToLive
	}
	if tc.TimeToIdle != 0 {
		p.TimeToIdle = tc.TimeToIdle
	}
	if tc.MaxUses != 0 {
		p.MaxUses = tc.MaxUses
	}
	def.Policy = p
	if tc.RememberMeTTL > 0 {
		def.Policy = expiration.RememberMeDelegating(expiration.HardTimeout(tc.RememberMeTTL), def.Policy)
	}
	def.Storage.Timeout = tc.StorageTimeout
}
