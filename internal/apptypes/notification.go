package apptypes

import "time"

// NotificationEvent is the payload published to the notifications topic and
// consumed by the stream server for direct delivery over WebSocket.
// 生产者是 API 服务器（关系变更后的 best-effort 通知），消费者是 StreamServer。
type NotificationEvent struct {
	RecipientUID string            `json:"recipientUid"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
