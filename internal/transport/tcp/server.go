// Package tcp 提供纯文本长连接：首行发送 JWT，之后服务端每行写一条 JSON 事件。
package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/presence"

	"github.com/rs/zerolog"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// Snapshotter 在线列表推送（delivery.Broadcaster）。
type Snapshotter interface {
	PushSnapshot(ctx context.Context, ch presence.Channel) error
}

type Server struct {
	Addr      string
	JWTSecret string
	Registry  *presence.Registry
	Presence  Snapshotter // 可选
	Log       zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// Start 阻塞直到 ctx 结束；Addr 为空时直接返回。
func (s *Server) Start(ctx context.Context) error {
	if s.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go func() { <-ctx.Done(); ln.Close() }()
	s.Log.Info().Str("addr", ln.Addr().String()).Msg("tcp listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// ListenAddr 实际监听地址（Addr 使用 :0 时测试用）。
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	reader := bufio.NewReader(c)
	_ = c.SetReadDeadline(time.Now().Add(authTimeout))
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	cl, err := auth.ParseJWT(s.JWTSecret, strings.TrimSpace(line))
	if err != nil {
		_, _ = c.Write([]byte(`{"action":"error","data":{"code":"UNAUTHENTICATED","message":"Unauthorized - Invalid Token"}}` + "\n"))
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	log := s.Log.With().Str("component", "tcp").Str("user_id", cl.UserID).Logger()

	ch := newLineChannel(c)
	go ch.writeLoop()
	if prev := s.Registry.Register(cl.UserID, ch); prev != nil {
		_ = prev.Close()
		if s.Presence != nil {
			_ = s.Presence.PushSnapshot(ctx, ch)
		}
	}
	log.Info().Msg("tcp connected")
	defer func() {
		s.Registry.Release(cl.UserID, ch)
		_ = ch.Close()
		log.Info().Msg("tcp disconnected")
	}()

	// 只读到对端关闭或连接被替换，上行内容忽略
	_, _ = io.Copy(io.Discard, reader)
}

// lineChannel 实现 presence.Channel，每个事件一行。
type lineChannel struct {
	conn      net.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newLineChannel(c net.Conn) *lineChannel {
	return &lineChannel{conn: c, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (l *lineChannel) Push(payload []byte) error {
	select {
	case <-l.done:
		return presence.ErrChannelClosed
	default:
	}
	select {
	case l.send <- payload:
		return nil
	default:
		return presence.ErrChannelFull
	}
}

func (l *lineChannel) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// writeLoop 载荷可能被多个连接共享，只读不改。
func (l *lineChannel) writeLoop() {
	defer l.conn.Close()
	w := bufio.NewWriter(l.conn)
	for {
		select {
		case p := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, _ = w.Write(p)
			_ = w.WriteByte('\n')
			if err := w.Flush(); err != nil {
				_ = l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}
