// Package model 票据数据模型定义
package model

import (
	"time"
)

// 认证属性名
const (
	AttrRememberMe            = "rememberMe"
	AttrAuthenticationMethod  = "authenticationMethod"
	AttrSuccessfulHandlers    = "successfulAuthenticationHandlers"
	AttrCredentialType        = "credentialType"
	AttrLongTermAuthenticated = "longTermAuthenticationRequestTokenUsed"
)

// Principal 已认证主体
type Principal struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Authentication 一次认证的结果，由 TGT 持有
type Authentication struct {
	Principal       Principal           `json:"principal"`
	Attributes      map[string][]string `json:"attributes,omitempty"`
	AuthenticatedAt time.Time           `json:"authenticated_at"`
}

// NewAuthentication 创建认证信息
func NewAuthentication(principalID string, attributes map[string][]string) *Authentication {
	return &Authentication{
		Principal:       Principal{ID: principalID, Attributes: attributes},
		Attributes:      make(map[string][]string),
		AuthenticatedAt: time.Now(),
	}
}

// IsRememberMe 是否"记住我"登录
func (a *Authentication) IsRememberMe() bool {
	if a == nil {
		return false
	}
	for _, v := range a.Attributes[AttrRememberMe] {
		if v == "true" {
			return true
		}
	}
	return false
}

// PrincipalID 主体 ID，认证为空时返回空串
func (a *Authentication) PrincipalID() string {
	if a == nil {
		return ""
	}
	return a.Principal.ID
}

// Clone 深拷贝
func (a *Authentication) Clone() *Authentication {
	if a == nil {
		return nil
	}
	c := *a
	c.Attributes = cloneAttributes(a.Attributes)
	c.Principal.Attributes = cloneAttributes(a.Principal.Attributes)
	return &c
}

func cloneAttributes(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
