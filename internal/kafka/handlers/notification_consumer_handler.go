package kafkahandlers

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/apptypes"
)

// NotificationDeliverer 是通知的本地投递端（流服务器里的 WebSocket Hub）。
type NotificationDeliverer interface {
	DeliverNotification(event *apptypes.NotificationEvent)
}

// NotificationConsumerLogic 消费通知 topic，把事件交给 Hub 投递到
// 在线连接。接收者不在线时事件被静默丢弃（通知是 best-effort 的）。
type NotificationConsumerLogic struct {
	deliverer NotificationDeliverer
}

// NewNotificationConsumerLogic creates the consumer logic bound to a deliverer.
func NewNotificationConsumerLogic(d NotificationDeliverer) *NotificationConsumerLogic {
	if d == nil {
		log.Panic().Msg("NotificationDeliverer 不能为空")
	}
	return &NotificationConsumerLogic{deliverer: d}
}

// HandleNotification 处理一条通知消息。反序列化失败返回 nil 跳过
// （坏消息重试也不会成功），投递本身不会失败。
func (h *NotificationConsumerLogic) HandleNotification(ctx context.Context, msg *kafka.Message) error {
	var event apptypes.NotificationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Error().Err(err).
			Str("key", string(msg.Key)).
			Msg("反序列化通知事件失败，跳过该消息")
		return nil
	}
	if event.RecipientUID == "" {
		log.Warn().Msg("通知事件缺少接收者，跳过")
		return nil
	}

	h.deliverer.DeliverNotification(&event)
	return nil
}
