package registry

import (
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Criteria 查询条件
// 后端能原生处理的条件（类型、主体、分页、过期时间）会下推到存储层，其余在客户端过滤。
type Criteria struct {
	// Kind 票据类型，为空表示全部
	Kind model.Kind
	// Decode 为 false 时只返回 ID 与类型，不解码票据内容
	Decode bool
	// From 跳过的条数
	From int64
	// Count 最多返回条数，0 表示不限
	Count int64
	// PrincipalID 只返回该主体持有的票据（TGT、PGT）
	PrincipalID string
	// ExpiredAt 非零时只返回在该时刻已过期的票据
	ExpiredAt time.Time
	// ValidOnly 只返回未过期票据
	ValidOnly bool
	// Predicate 额外过滤条件
	Predicate Predicate
}

// clientSide 是否存在只能在客户端执行的过滤
func (c Criteria) clientSide() bool {
	return c.ValidOnly || c.Predicate != nil || !c.ExpiredAt.IsZero()
}

// needsDecode 是否需要解码票据内容
func (c Criteria) needsDecode() bool {
	return c.Decode || c.clientSide() || c.PrincipalID != ""
}

// storeCriteria 下推给存储层的条件
// 存在客户端过滤时分页不能下推。
func (c Criteria) storeCriteria() Criteria {
	sc := Criteria{
		Kind:        c.Kind,
		Decode:      c.needsDecode(),
		PrincipalID: c.PrincipalID,
		ExpiredAt:   c.ExpiredAt,
	}
	if !c.clientSide() {
		sc.From = c.From
		sc.Count = c.Count
	}
	return sc
}

// Matches 在客户端判断票据是否满足条件
func (c Criteria) Matches(t *model.Ticket, now time.Time) bool {
	if c.Kind != "" && t.Kind != c.Kind {
		return false
	}
	if c.PrincipalID != "" && t.PrincipalID() != c.PrincipalID {
		return false
	}
	if !c.ExpiredAt.IsZero() && !t.IsExpired(c.ExpiredAt) {
		return false
	}
	if c.ValidOnly && t.IsExpired(now) {
		return false
	}
	if c.Predicate != nil && !c.Predicate(t) {
		return false
	}
	return true
}
