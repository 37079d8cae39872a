package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-dm/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// 内联图片以 base64 上行
	maxMessageSize = 16 << 20
)

// wsChannel 实现 presence.Channel：Push 只入队，由 writePump 串行写出。
// gorilla/websocket 同时只允许一个写者，所有数据帧都经由 writePump。
type wsChannel struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn, buffer int) *wsChannel {
	return &wsChannel{conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *wsChannel) Push(payload []byte) error {
	select {
	case <-c.done:
		return presence.ErrChannelClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return presence.ErrChannelClosed
	default:
		return presence.ErrChannelFull
	}
}

// Close 幂等；writePump 写完已入队的数据后发送关闭帧并断开。
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case p := <-c.send:
			if err := c.write(websocket.TextMessage, p); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsChannel) flush() {
	for {
		select {
		case p := <-c.send:
			if c.write(websocket.TextMessage, p) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsChannel) write(kind int, p []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, p)
}
