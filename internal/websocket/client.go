package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/apptypes"
	"talkie-go/internal/config"
)

// Client 是一条已认证的推送连接。连接是单向的：服务端推视图快照帧
// 和通知帧，客户端发来的数据一律丢弃（仅 ping/pong 保活有意义）。
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// 出站帧的缓冲通道，由 Hub 或视图转发协程写入。永不关闭：
	// 连接失效以 done 为准，并发入队不会撞上已关闭的通道。
	send chan []byte

	// done 仅由 Hub 关闭（注销、被同 uid 新连接顶替、缓冲满淘汰）。
	done chan struct{}

	// 连接所属用户的 uid（来自 JWT）。
	UID string
}

// Done 在连接被 Hub 注销后关闭，供调用方感知连接失效。
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// EnqueueFrame 序列化一帧并非阻塞入队。缓冲满时返回错误，调用方
// （视图转发协程）据此决定断开连接。
func (c *Client) EnqueueFrame(frame *apptypes.StreamFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("序列化推送帧失败: %w", err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("客户端 %s 的连接已关闭", c.UID)
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("客户端 %s 的连接已关闭", c.UID)
	default:
		return fmt.Errorf("客户端 %s 的发送通道已满", c.UID)
	}
}

// readPump 只负责保活和检测断开，客户端发来的业务数据直接丢弃。
func (c *Client) readPump(wsCfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(time.Duration(wsCfg.PongWaitSeconds) * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("uid", c.UID).Msg("WebSocket 连接异常断开")
			}
			return
		}
		// 推送连接上不接受客户端消息，忽略
	}
}

// writePump 把 send 通道里的帧写到连接上，并按周期发 ping。
func (c *Client) writePump(wsCfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			// 每帧独立成一条消息，客户端按帧解析
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(wsCfg.WriteWaitSeconds) * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeConnection 把 HTTP 请求升级为推送连接，注册到 Hub 并启动收发
// 协程，返回 Client 供调用方挂接视图转发。
func ServeConnection(hub *Hub, uid string, w http.ResponseWriter, r *http.Request, wsCfg config.WebSocketConfig) (*Client, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket 升级失败: %w", err)
	}
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		UID:  uid,
	}
	client.hub.register <- client

	go client.writePump(wsCfg)
	go client.readPump(wsCfg)

	log.Info().Str("uid", uid).Msg("客户端已连接")
	return client, nil
}
