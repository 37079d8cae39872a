package auth

import (
	"go-dm/internal/apperr"

	"github.com/gin-gonic/gin"
)

const userIDKey = "auth.userID"

// Middleware 校验令牌，失败直接 401，成功后把用户 ID 放入上下文。
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := ParseJWT(secret, TokenFromRequest(c.Request))
		if err != nil {
			e := apperr.Unauthenticated("Unauthorized - Invalid Token")
			c.AbortWithStatusJSON(apperr.HTTPStatus(e), gin.H{"error": apperr.PublicMessage(e)})
			return
		}
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

// UserID 返回 Middleware 写入的当前用户 ID。
func UserID(c *gin.Context) string { return c.GetString(userIDKey) }
