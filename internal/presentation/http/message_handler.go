package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"
)

// MessageHandler 私聊消息接口
type MessageHandler struct {
	messages *services.MessageService
}

func NewMessageHandler(messages *services.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// History GET /api/messages/:id
func (h *MessageHandler) History(c *gin.Context) {
	msgs, err := h.messages.History(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Send POST /api/messages/send/:id
func (h *MessageHandler) Send(c *gin.Context) {
	var req services.SendRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SenderID = auth.UserID(c)
	req.ReceiverID = c.Param("id")
	m, err := h.messages.Send(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// Limiter 令牌桶（ratelimit.TokenBucketLimiter）
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

// SendRateLimit 按用户限制发送频率；限流后端故障时放行。
func SendRateLimit(l Limiter, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "ratelimit").Logger()
	return func(c *gin.Context) {
		uid := auth.UserID(c)
		ok, remaining, err := l.Allow(c.Request.Context(), ratelimit.SendKey(uid))
		if err != nil {
			log.Warn().Err(err).Str("user_id", uid).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !ok {
			writeError(c, apperr.RateLimited("Too many messages, slow down"))
			c.Abort()
			return
		}
		c.Next()
	}
}
