package factory

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

var ErrInvalidSecurityToken = errors.New("安全令牌无效")

// TokenSigner 安全令牌签名器
type TokenSigner interface {
	Sign(auth *model.Authentication, ticketID string, expiresAt time.Time) (string, error)
}

// SecurityTokenClaims 安全令牌声明
type SecurityTokenClaims struct {
	jwt.RegisteredClaims
	Attributes map[string][]string `json:"attrs,omitempty"`
}

// JWTSigner 使用 HS256 签名的安全令牌
type JWTSigner struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewJWTSigner 创建 JWT 签名器
func NewJWTSigner(key, issuer string) *JWTSigner {
	return &JWTSigner{key: []byte(key), issuer: issuer, now: time.Now}
}

// Sign 签发安全令牌
func (s *JWTSigner) Sign(auth *model.Authentication, ticketID string, expiresAt time.Time) (string, error) {
	if auth == nil {
		return "", fmt.Errorf("%w: 缺少认证信息", ErrInvalidSecurityToken)
	}
	now := s.now()
	claims := SecurityTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  auth.Principal.ID,
			ID:       ticketID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Attributes: auth.Principal.Attributes,
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse 校验并解析安全令牌
func (s *JWTSigner) Parse(token string) (*SecurityTokenClaims, error) {
	claims := &SecurityTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("意外的签名算法: %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecurityToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidSecurityToken
	}
	return claims, nil
}
