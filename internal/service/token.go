package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// 令牌相关错误
var (
	ErrInvalidToken  = errors.New("无效的令牌")
	ErrTokenExpired  = errors.New("令牌已过期")
	ErrInvalidIssuer = errors.New("无效的签发者")
)

// 管理令牌的用途
const tokenTypeAdmin = "admin"

// AdminClaims 管理接口令牌声明
type AdminClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type,omitempty"`
}

// TokenService 管理接口的 Bearer 令牌
type TokenService interface {
	// GenerateAdminToken 生成管理令牌
	GenerateAdminToken(subject string) (string, error)
	// ValidateToken 验证令牌
	ValidateToken(tokenString string) (*AdminClaims, error)
}

// TokenServiceConfig 令牌服务配置
type TokenServiceConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
	Now    func() time.Time
}

type tokenService struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// NewTokenService 创建令牌服务
func NewTokenService(cfg *TokenServiceConfig) TokenService {
	s := &tokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		expiry: cfg.Expiry,
		now:    cfg.Now,
	}
	if s.expiry == 0 {
		s.expiry = DefaultAdminTokenExpiry
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// GenerateAdminToken 生成管理令牌
func (s *tokenService) GenerateAdminToken(subject string) (string, error) {
	now := s.now()
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			ID:        uuid.New().String(),
		},
		Type: tokenTypeAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken 验证令牌
func (s *tokenService) ValidateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid || claims.Type != tokenTypeAdmin {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return nil, ErrInvalidIssuer
	}
	return claims, nil
}

// DefaultAdminTokenExpiry 管理令牌默认有效期
const DefaultAdminTokenExpiry = time.Hour
