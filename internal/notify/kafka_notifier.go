package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"talkie-go/internal/apptypes"
	"talkie-go/internal/kafka"
	"talkie-go/internal/services"
)

// kafkaNotifier 把推送事件发布到通知 topic，按接收者 uid 作为消息 key，
// 保证同一用户的通知有序。流服务器的消费者负责投递到在线连接。
type kafkaNotifier struct {
	producer kafka.MessageProducer
	topic    string
}

// NewKafkaNotifier returns a services.Notifier backed by the given producer.
func NewKafkaNotifier(producer kafka.MessageProducer, topic string) services.Notifier {
	return &kafkaNotifier{producer: producer, topic: topic}
}

func (n *kafkaNotifier) SendNotification(ctx context.Context, recipientUID, title, body string, data map[string]string) error {
	event := apptypes.NotificationEvent{
		RecipientUID: recipientUID,
		Title:        title,
		Body:         body,
		Data:         data,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化通知事件失败: %w", err)
	}
	if err := n.producer.SendMessage(ctx, n.topic, []byte(recipientUID), payload); err != nil {
		return fmt.Errorf("发布通知事件失败: %w", err)
	}
	return nil
}
