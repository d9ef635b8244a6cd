// Package compactor 票据标识与时间信息的紧凑字符串形式
// 格式：<创建时间秒>,<过期时间秒>,<票据 ID>[,<类型相关字段>...]
package compactor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/catalog"
	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// Delimiter 字段分隔符，任何字段都不允许包含
const Delimiter = ","

var (
	ErrMalformedTicketID = errors.New("紧凑票据格式错误")
	ErrDelimiterInField  = errors.New("票据字段包含保留分隔符")
)

// fieldCount 每种票据类型的类型相关字段个数（不含时间和 ID）
var fieldCount = map[model.Kind]int{
	model.KindTicketGrantingTicket: 1, // principal
	model.KindServiceTicket:        2, // parent, service
	model.KindProxyTicket:          2, // parent, service
	model.KindProxyGrantingTicket:  3, // parent, service, principal
	model.KindSecurityToken:        1, // parent
}

// Compactor 紧凑编码器
type Compactor struct {
	catalog *catalog.Catalog
}

// New 创建紧凑编码器，票据类型由目录按 ID 前缀解析
func New(c *catalog.Catalog) *Compactor {
	return &Compactor{catalog: c}
}

// Compact 生成票据的紧凑字符串
func (c *Compactor) Compact(t *model.Ticket) (string, error) {
	if _, ok := fieldCount[t.Kind]; !ok {
		return "", fmt.Errorf("%w: %s", catalog.ErrInvalidTicketType, t.Kind)
	}

	var expires int64
	if exp := t.MaximumExpirationTime(); !exp.IsZero() {
		expires = exp.Unix()
	}

	fields := []string{
		strconv.FormatInt(t.CreationTime.Unix(), 10),
		strconv.FormatInt(expires, 10),
		t.ID,
	}
	switch t.Kind {
	case model.KindTicketGrantingTicket:
		fields = append(fields, t.PrincipalID())
	case model.KindServiceTicket, model.KindProxyTicket:
		fields = append(fields, t.ParentID, t.Service)
	case model.KindProxyGrantingTicket:
		fields = append(fields, t.ParentID, t.Service, t.PrincipalID())
	case model.KindSecurityToken:
		fields = append(fields, t.ParentID)
	}

	for _, f := range fields[2:] {
		if strings.Contains(f, Delimiter) {
			return "", fmt.Errorf("%w: %q", ErrDelimiterInField, f)
		}
	}
	return strings.Join(fields, Delimiter), nil
}

// Expand 由紧凑字符串还原票据
// 还原出的票据使用硬超时策略，其最晚过期时间与原票据一致；过期时间等于创建时间时始终过期。
func (c *Compactor) Expand(compacted string) (*model.Ticket, error) {
	fields := strings.Split(compacted, Delimiter)
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: 字段个数 %d", ErrMalformedTicketID, len(fields))
	}

	created, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: 创建时间 %q", ErrMalformedTicketID, fields[0])
	}
	expires, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || (expires != 0 && expires < created) {
		return nil, fmt.Errorf("%w: 过期时间 %q", ErrMalformedTicketID, fields[1])
	}
	// 有效期必须能用 time.Duration 表示
	if span := expires - created; expires != 0 && (span < 0 || span > math.MaxInt64/int64(time.Second)) {
		return nil, fmt.Errorf("%w: 有效期超出范围 %s-%s", ErrMalformedTicketID, fields[0], fields[1])
	}

	id := fields[2]
	def, err := c.catalog.FindByTicketID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTicketID, err)
	}
	want, ok := fieldCount[def.Kind]
	if !ok || len(fields)-3 != want {
		return nil, fmt.Errorf("%w: %s 需要 %d 个类型字段, 实际 %d", ErrMalformedTicketID, def.Kind, want, len(fields)-3)
	}

	creation := time.Unix(created, 0).UTC()
	t := &model.Ticket{
		ID:           id,
		Kind:         def.Kind,
		CreationTime: creation,
		LastTimeUsed: creation,
	}
	switch {
	case expires == 0:
		t.Policy = expiration.NeverExpires()
	case expires == created:
		// 创建当秒即过期
		t.Policy = expiration.AlwaysExpires()
	default:
		t.Policy = expiration.HardTimeout(time.Duration(expires-created) * time.Second)
	}

	rest := fields[3:]
	switch def.Kind {
	case model.KindTicketGrantingTicket:
		t.RootID = id
		t.Authentication = expandedAuthentication(rest[0], creation)
	case model.KindServiceTicket, model.KindProxyTicket:
		t.ParentID, t.Service = rest[0], rest[1]
		if def.Kind == model.KindServiceTicket {
			t.RootID = t.ParentID
		}
	case model.KindProxyGrantingTicket:
		t.ParentID, t.Service = rest[0], rest[1]
		t.Authentication = expandedAuthentication(rest[2], creation)
	case model.KindSecurityToken:
		t.ParentID = rest[0]
		t.RootID = t.ParentID
	}
	return t, nil
}

func expandedAuthentication(principalID string, at time.Time) *model.Authentication {
	if principalID == "" {
		return nil
	}
	return &model.Authentication{
		Principal:       model.Principal{ID: principalID},
		AuthenticatedAt: at,
	}
}
