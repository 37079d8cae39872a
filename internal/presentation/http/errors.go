package http

import (
	"github.com/gin-gonic/gin"

	"go-dm/internal/apperr"
)

// writeError 统一错误响应 {"error": ...}；5xx 的内部原因只进日志。
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": apperr.PublicMessage(err)})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, apperr.Validation("Invalid request body"))
		return false
	}
	return true
}
