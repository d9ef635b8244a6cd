package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pu-ac-cn/uac-ticket/internal/service"
	"github.com/pu-ac-cn/uac-ticket/pkg/response"
)

// AdminAuth 管理接口 Bearer 令牌认证
func AdminAuth(tokenService service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.ErrorWithMsg(c, response.CodeInvalidToken, "未提供认证令牌")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.ErrorWithMsg(c, response.CodeInvalidToken, "认证令牌格式错误")
			c.Abort()
			return
		}

		claims, err := tokenService.ValidateToken(parts[1])
		if err != nil {
			switch {
			case errors.Is(err, service.ErrTokenExpired):
				response.ErrorWithMsg(c, response.CodeInvalidToken, "令牌已过期")
			case errors.Is(err, service.ErrInvalidIssuer):
				response.ErrorWithMsg(c, response.CodeInvalidToken, "无效的签发者")
			default:
				response.Error(c, response.CodeInvalidToken)
			}
			c.Abort()
			return
		}

		c.Set("admin", claims.Subject)
		c.Set("claims", claims)
		c.Next()
	}
}
