// Package http 提供 REST 接口：认证、联系人、消息历史与发送。
package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"go-dm/internal/auth"
	"go-dm/internal/logging"
)

type RouterConfig struct {
	Users         *UserHandler
	Messages      *MessageHandler
	WS            gin.HandlerFunc // 可选
	Limiter       Limiter         // 可选
	JWTSecret     string
	EnableMetrics bool
	MediaDir      string
	MediaBaseURL  string
	Log           zerolog.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(cfg.Log))

	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	// 本地媒体；baseURL 指向外部 CDN 时由 CDN 提供
	if cfg.MediaDir != "" && strings.HasPrefix(cfg.MediaBaseURL, "/") {
		r.Static(cfg.MediaBaseURL, cfg.MediaDir)
	}

	authn := auth.Middleware(cfg.JWTSecret)

	a := r.Group("/api/auth")
	a.POST("/signup", cfg.Users.Signup)
	a.POST("/verify-otp", cfg.Users.VerifyOTP)
	a.POST("/resend-otp", cfg.Users.ResendOTP)
	a.POST("/login", cfg.Users.Login)
	a.POST("/logout", cfg.Users.Logout)
	a.GET("/check", authn, cfg.Users.Check)
	a.PUT("/update-profile", authn, cfg.Users.UpdateProfile)

	m := r.Group("/api/messages", authn)
	m.GET("/users", cfg.Users.Roster)
	m.GET("/:id", cfg.Messages.History)
	send := []gin.HandlerFunc{}
	if cfg.Limiter != nil {
		send = append(send, SendRateLimit(cfg.Limiter, cfg.Log))
	}
	m.POST("/send/:id", append(send, cfg.Messages.Send)...)

	if cfg.WS != nil {
		r.GET("/ws", cfg.WS)
	}
	return r
}
