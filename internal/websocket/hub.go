package websocket

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"talkie-go/internal/apptypes"
)

// Hub 维护在线客户端集合（按 uid 索引，每个用户一条连接）并把定向
// 通知投递到对应连接。视图快照帧由各连接自己的转发协程直接入队，
// 不经过 Hub。
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	// 来自 Kafka 消费者的定向通知。
	direct chan *apptypes.NotificationEvent
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan *apptypes.NotificationEvent, 256),
	}
}

// DeliverNotification hands a notification to the hub for delivery.
// 非阻塞：通道满时丢弃并告警，绝不阻塞 Kafka 消费循环。
func (h *Hub) DeliverNotification(event *apptypes.NotificationEvent) {
	select {
	case h.direct <- event:
	default:
		log.Warn().Str("recipient", event.RecipientUID).Msg("Hub 通知通道已满，丢弃该条通知")
	}
}

// Run starts the hub loop. 应当在独立的 goroutine 里运行。
func (h *Hub) Run() {
	log.Info().Msg("WebSocket Hub 已启动")
	for {
		select {
		case client := <-h.register:
			if existing, ok := h.clients[client.UID]; ok {
				// 同一用户的新连接顶掉旧连接。只关 done，send 永不关闭，
				// 转发协程并发入队时不会 panic。
				log.Warn().Str("uid", client.UID).Msg("用户已有连接，关闭旧连接并注册新连接")
				close(existing.done)
			}
			h.clients[client.UID] = client
			log.Info().Str("uid", client.UID).Msg("客户端已注册")

		case client := <-h.unregister:
			// 只注销当前存储的那个连接，避免误关同一 uid 的新连接
			if stored, ok := h.clients[client.UID]; ok && stored == client {
				delete(h.clients, client.UID)
				close(client.done)
				log.Info().Str("uid", client.UID).Msg("客户端已注销")
			}

		case event := <-h.direct:
			client, ok := h.clients[event.RecipientUID]
			if !ok {
				continue // 接收者不在线
			}
			frame, err := apptypes.NewStreamFrame(apptypes.NotificationFrame, event)
			if err != nil {
				log.Error().Err(err).Str("recipient", event.RecipientUID).Msg("序列化通知帧失败")
				continue
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Error().Err(err).Str("recipient", event.RecipientUID).Msg("序列化通知帧失败")
				continue
			}
			select {
			case client.send <- payload:
			default:
				// 发送缓冲已满，认为客户端失联
				log.Warn().Str("uid", event.RecipientUID).Msg("客户端发送通道已满，移除客户端")
				close(client.done)
				delete(h.clients, event.RecipientUID)
			}
		}
	}
}
