// Package notify 发送注册验证码。
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogNotifier 把验证码写进日志，未接入邮件服务时使用。
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) SendSignupCode(_ context.Context, email, code string, ttl time.Duration) error {
	n.log.Info().Str("email", email).Str("code", code).Dur("ttl", ttl).Msg("signup verification code")
	return nil
}
