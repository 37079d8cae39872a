// Package ws 提供 WebSocket 接入网关：认证、连接生命周期、上行 send 动作与下行推送。
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
	"go-dm/internal/delivery"
	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/presence"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Sender 消息发送管线（services.MessageService）。
type Sender interface {
	Send(ctx context.Context, req services.SendRequest) (*models.Message, error)
}

// Snapshotter 在线列表推送（delivery.Broadcaster）。
type Snapshotter interface {
	PushSnapshot(ctx context.Context, ch presence.Channel) error
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

const DefaultSendBuffer = 64

// Server 是 WebSocket 网关服务。
// - 连接注册到 presence.Registry，单设备：新连接替换并关闭旧连接
// - 上行 send 与 HTTP 发送走同一条管线，结果以 ack/error 回给发送方
// - 下行由 Dispatcher/Broadcaster 通过 Channel.Push 写入连接队列
type Server struct {
	JWTSecret  string
	Registry   *presence.Registry
	Messages   Sender
	Presence   Snapshotter // 可选
	Limiter    Limiter     // 可选
	SendBuffer int

	Log zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSMessage 上行统一封装。
type WSMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// SendPayload action=send 的载荷。
type SendPayload struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	Image    string `json:"image"`
	ClientID string `json:"clientMsgId,omitempty"`
}

type errorData struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientMsgId,omitempty"`
}

// Handle 认证后升级连接并阻塞到连接结束。
// 令牌来源：Cookie、Authorization: Bearer、?token=。
func (s *Server) Handle(c *gin.Context) {
	claims, err := auth.ParseJWT(s.JWTSecret, auth.TokenFromRequest(c.Request))
	if err != nil {
		e := apperr.Unauthenticated("Unauthorized - Invalid Token")
		c.AbortWithStatusJSON(apperr.HTTPStatus(e), gin.H{"error": apperr.PublicMessage(e)})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	s.serve(conn, claims.UserID)
}

func (s *Server) serve(conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := s.Log.With().Str("component", "ws").Str("user_id", userID).Logger()

	buf := s.SendBuffer
	if buf <= 0 {
		buf = DefaultSendBuffer
	}
	ch := newChannel(conn, buf)
	go ch.writePump()

	if prev := s.Registry.Register(userID, ch); prev != nil {
		_ = prev.Close()
		// 替换不改变在线集合，不会触发广播，单独补发一次
		if s.Presence != nil {
			if err := s.Presence.PushSnapshot(ctx, ch); err != nil {
				log.Debug().Err(err).Msg("online users snapshot failed")
			}
		}
		log.Info().Msg("ws connection replaced")
	} else {
		log.Info().Msg("ws connected")
	}
	defer func() {
		s.Registry.Release(userID, ch)
		_ = ch.Close()
		log.Info().Msg("ws disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.handleInbound(ctx, userID, ch, data, log)
	}
}

// handleInbound 处理上行动作，目前只有 send。
func (s *Server) handleInbound(ctx context.Context, userID string, ch presence.Channel, data []byte, log zerolog.Logger) {
	var m WSMessage
	if err := json.Unmarshal(data, &m); err != nil {
		s.reply(ch, delivery.ActionError, errorData{Code: "BAD_REQUEST", Message: "malformed message"}, log)
		return
	}
	metrics.WSMessagesTotal.WithLabelValues(m.Action).Inc()

	switch m.Action {
	case "send":
		var p SendPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			s.reply(ch, delivery.ActionError, errorData{Code: "BAD_REQUEST", Message: "malformed send payload"}, log)
			return
		}
		if !s.allow(ctx, userID, log) {
			e := apperr.RateLimited("Too many messages, slow down")
			s.reply(ch, delivery.ActionError, errorData{Code: string(apperr.KindRateLimited), Message: apperr.PublicMessage(e), ClientID: p.ClientID}, log)
			return
		}
		msg, err := s.Messages.Send(ctx, services.SendRequest{SenderID: userID, ReceiverID: p.To, Text: p.Text, Image: p.Image})
		if err != nil {
			if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
				log.Error().Err(err).Msg("ws send failed")
			}
			s.reply(ch, delivery.ActionError, errorData{Code: string(apperr.KindOf(err)), Message: apperr.PublicMessage(err), ClientID: p.ClientID}, log)
			return
		}
		s.reply(ch, delivery.ActionAck, msg, log)
	default:
		s.reply(ch, delivery.ActionError, errorData{Code: "UNKNOWN_ACTION", Message: "unknown action " + m.Action}, log)
	}
}

// allow 限流后端故障时放行。
func (s *Server) allow(ctx context.Context, userID string, log zerolog.Logger) bool {
	if s.Limiter == nil {
		return true
	}
	ok, _, err := s.Limiter.Allow(ctx, ratelimit.SendKey(userID))
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable")
		return true
	}
	return ok
}

func (s *Server) reply(ch presence.Channel, action string, data any, log zerolog.Logger) {
	payload, err := delivery.Encode(action, data)
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("encode reply")
		return
	}
	if err := ch.Push(payload); err != nil {
		log.Debug().Err(err).Str("action", action).Msg("reply dropped")
	}
}
